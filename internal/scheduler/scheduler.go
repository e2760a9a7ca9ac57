package scheduler

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"bolt-controller/internal/codec"
	"bolt-controller/internal/core"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ScheduleEntry defines the structure for a saved schedule.
type ScheduleEntry struct {
	Spec    string `json:"spec"`
	Command string `json:"command"`
}

// Scheduler manages all cron-related tasks.
type Scheduler struct {
	cron           *cron.Cron
	store          map[cron.EntryID]ScheduleEntry
	commandChannel core.CommandChannel
	mu             sync.RWMutex
	schedulesFile  string
	log            logrus.FieldLogger
}

// NewScheduler creates and loads a scheduler.
func NewScheduler(cmdChan core.CommandChannel, schedulesFile string, logger logrus.FieldLogger) *Scheduler {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	s := &Scheduler{
		cron:           cron.New(),
		store:          make(map[cron.EntryID]ScheduleEntry),
		commandChannel: cmdChan,
		schedulesFile:  schedulesFile,
		log:            logger.WithField("component", "scheduler"),
	}
	s.load()
	return s
}

// Start begins the cron job ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Cron scheduler started.")
}

// Stop halts the cron job ticker.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("Cron scheduler stopped.")
}

// Add creates a new cron job. The command is checked before it is stored.
func (s *Scheduler) Add(spec, command string) (int, error) {
	if _, err := ParseCommand(command); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() { s.execute(command) })
	if err != nil {
		return 0, fmt.Errorf("invalid schedule '%s': %w", spec, err)
	}
	s.store[id] = ScheduleEntry{Spec: spec, Command: command}
	s.save()
	s.log.Infof("Added schedule (ID %d): %s -> %s", id, spec, command)
	return int(id), nil
}

// Remove deletes a cron job.
func (s *Scheduler) Remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID := cron.EntryID(id)
	s.cron.Remove(entryID)
	delete(s.store, entryID)
	s.save()
	s.log.Infof("Removed schedule (ID %d)", id)
}

// GetAll returns a copy of the current schedules in a thread-safe way.
func (s *Scheduler) GetAll() map[cron.EntryID]ScheduleEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	newMap := make(map[cron.EntryID]ScheduleEntry, len(s.store))
	for k, v := range s.store {
		newMap[k] = v
	}
	return newMap
}

func (s *Scheduler) execute(command string) {
	s.log.Infof("Executing scheduled command: %s", command)
	cmd, err := ParseCommand(command)
	if err != nil {
		s.log.WithError(err).Warn("Skipping scheduled command")
		return
	}
	s.commandChannel <- cmd
}

// ParseCommand turns a schedule command into a core.Command:
//
//	power <device|*> on|off
//	rgba <device|*> r,g,b,a
//	brightness <device|*> 0-100
//	pattern <device|*> <name.lua>
func ParseCommand(command string) (core.Command, error) {
	parts := strings.Fields(command)
	if len(parts) != 3 {
		return core.Command{}, fmt.Errorf("command '%s' must be '<action> <device|*> <value>'", command)
	}
	action, device, value := parts[0], parts[1], parts[2]

	switch action {
	case "power":
		switch value {
		case "on", "off":
			return core.Command{Type: core.CmdSetPower, DeviceID: device, Payload: map[string]interface{}{"isOn": value == "on"}}, nil
		}
		return core.Command{}, fmt.Errorf("power expects on or off, got '%s'", value)
	case "rgba":
		c, ok := codec.ParseRGBA([]byte(value))
		if !ok {
			return core.Command{}, fmt.Errorf("rgba expects r,g,b,a, got '%s'", value)
		}
		return core.Command{Type: core.CmdSetRGBA, DeviceID: device, Payload: map[string]interface{}{"value": c.String()}}, nil
	case "brightness":
		n, err := strconv.Atoi(value)
		if err != nil {
			return core.Command{}, fmt.Errorf("brightness expects an integer, got '%s'", value)
		}
		return core.Command{Type: core.CmdSetBrightness, DeviceID: device, Payload: map[string]interface{}{"value": float64(n)}}, nil
	case "pattern":
		return core.Command{Type: core.CmdRunPattern, DeviceID: device, Payload: map[string]interface{}{"name": value}}, nil
	}
	return core.Command{}, fmt.Errorf("unknown scheduled action '%s'", action)
}

func (s *Scheduler) save() {
	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		s.log.WithError(err).Error("Error marshalling schedules")
		return
	}
	if err := os.WriteFile(s.schedulesFile, data, 0o644); err != nil {
		s.log.WithError(err).Error("Error writing schedule file")
	}
}

func (s *Scheduler) load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.schedulesFile); os.IsNotExist(err) {
		return
	}
	data, err := os.ReadFile(s.schedulesFile)
	if err != nil {
		s.log.WithError(err).Error("Error reading schedule file")
		return
	}

	tempStore := make(map[cron.EntryID]ScheduleEntry)
	if err := json.Unmarshal(data, &tempStore); err != nil {
		s.log.WithError(err).Error("Error unmarshalling schedule file")
		return
	}

	s.log.Infof("Loading %d schedules from file '%s'...", len(tempStore), s.schedulesFile)
	for _, entry := range tempStore {
		jobEntry := entry
		newID, err := s.cron.AddFunc(jobEntry.Spec, func() { s.execute(jobEntry.Command) })
		if err != nil {
			s.log.WithError(err).Warn("Error re-adding schedule from file")
			continue
		}
		s.store[newID] = jobEntry
	}
}
