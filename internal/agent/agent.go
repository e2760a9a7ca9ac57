package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"bolt-controller/internal/ble"
	"bolt-controller/internal/config"
	"bolt-controller/internal/core"
	"bolt-controller/internal/lua"
	"bolt-controller/internal/mqtt"
	"bolt-controller/internal/scheduler"
	"bolt-controller/internal/server"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type Agent struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	wg     sync.WaitGroup
	log    logrus.FieldLogger

	eventBus       *core.EventBus
	commandChannel core.CommandChannel

	registry  *ble.Registry
	discovery *ble.Discovery

	luaEngine  *lua.Engine
	scheduler  *scheduler.Scheduler
	server     *server.Server
	mqttClient *mqtt.Client
}

// NewAgent wires every component on top of the host Bluetooth adapter.
func NewAgent(cfg *config.Config, logger logrus.FieldLogger) (*Agent, error) {
	return newAgent(cfg, ble.NewTinyGoAdapter(logger), logger)
}

func newAgent(cfg *config.Config, adapter ble.Adapter, logger logrus.FieldLogger) (*Agent, error) {
	timings, err := cfg.BLE.Timings()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		ctx:            ctx,
		cancel:         cancel,
		config:         cfg,
		log:            logger.WithField("component", "agent"),
		eventBus:       core.NewEventBus(),
		commandChannel: make(core.CommandChannel, 20),
		registry:       ble.NewRegistry(),
	}

	a.discovery = ble.NewDiscovery(adapter, a.registry, a.eventBus, ble.DiscoveryOptions{
		Name:       cfg.BLE.Name,
		AllowList:  cfg.BLE.AllowList,
		LoopPeriod: timings.DiscoveryLoop,
		Session: ble.SessionOptions{
			WriteDelay:        timings.WriteDelay,
			PersistDelay:      timings.PersistDelay,
			ConnectRetryDelay: timings.ConnectRetryDelay,
			WriteRateLimit:    cfg.BLE.RateLimit,
			WriteRateBurst:    cfg.BLE.RateBurst,
		},
	}, logger)

	a.luaEngine = lua.NewEngine(a.lights, cfg.PatternsDir, a.eventBus, logger)

	// Create Scheduler (before server so it can be snapshotted)
	a.scheduler = scheduler.NewScheduler(a.commandChannel, cfg.SchedulesFile, logger)

	a.server = server.NewServer(
		a,
		a.commandChannel,
		cfg.Server.Port,
		cfg.Server.WebFilesDir,
		cfg.Server.AllowedOrigins,
		logger,
	)

	// Create MQTT Client (optional)
	a.mqttClient = mqtt.NewClient(cfg, a.eventBus, a.commandChannel, a.luaEngine.GetPatternList, logger)

	return a, nil
}

// Run starts the agent orchestration loop and blocks until Shutdown.
func (a *Agent) Run() {
	a.goRun(a.listenEvents)
	a.goRun(func() { a.server.ListenEvents(a.ctx, a.eventBus) })

	if a.mqttClient != nil {
		a.goRun(func() { a.mqttClient.ListenEvents(a.ctx) })
		go func() {
			if err := a.mqttClient.Connect(); err != nil {
				a.log.WithError(err).Error("MQTT setup error")
			}
		}()
	}

	a.goRun(func() {
		if err := a.discovery.Run(a.ctx); err != nil {
			a.log.WithError(err).Error("Discovery stopped")
		}
	})

	a.scheduler.Start()

	a.log.Infof("Agent running on http://localhost:%s", a.config.Server.Port)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Server error")
		}
	}()

	// Orchestrator Central Command Loop
	a.log.Info("Agent orchestrator ready.")
	for {
		select {
		case <-a.ctx.Done():
			a.log.Info("Agent orchestrator shutting down...")
			return
		case cmd := <-a.commandChannel:
			a.handleCommand(cmd)
		}
	}
}

func (a *Agent) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// listenEvents logs bulb arrivals and syncs state once a pattern ends.
func (a *Agent) listenEvents() {
	sub := a.eventBus.Subscribe(core.SessionReadyEvent, core.SessionRemovedEvent, core.PatternChangedEvent)
	defer a.eventBus.Unsubscribe(sub, core.SessionReadyEvent, core.SessionRemovedEvent, core.PatternChangedEvent)

	for {
		select {
		case <-a.ctx.Done():
			return
		case event := <-sub:
			switch p := event.Payload.(type) {
			case core.DeviceEvent:
				a.log.WithFields(logrus.Fields{"device": p.DeviceID, "bulbs": a.registry.Len()}).Infof("%s", event.Type)
			case core.PatternEvent:
				if p.Pattern == "" {
					a.log.WithField("device", p.DeviceID).Debug("Pattern finished. Syncing final state.")
					for _, s := range a.targets(p.DeviceID) {
						a.publishState(s)
					}
				}
			}
		}
	}
}

// targets resolves a command's device id to registered sessions.
func (a *Agent) targets(deviceID string) []*ble.Session {
	if deviceID == "" || deviceID == core.AllDevices {
		return a.registry.List()
	}
	if s, ok := a.registry.Get(deviceID); ok {
		return []*ble.Session{s}
	}
	return nil
}

// lights is the Lua engine's view of targets.
func (a *Agent) lights(deviceID string) []lua.Light {
	sessions := a.targets(deviceID)
	out := make([]lua.Light, len(sessions))
	for i, s := range sessions {
		out[i] = s
	}
	return out
}

func (a *Agent) publishState(s *ble.Session) {
	a.eventBus.Publish(core.Event{Type: core.StateChangedEvent, Payload: deviceEvent(s)})
}

func deviceEvent(s *ble.Session) core.DeviceEvent {
	return core.DeviceEvent{DeviceID: s.ID(), Name: s.Name(), State: s.State().Clone()}
}

// Devices lists the registered bulbs.
func (a *Agent) Devices() []core.DeviceEvent {
	sessions := a.registry.List()
	out := make([]core.DeviceEvent, len(sessions))
	for i, s := range sessions {
		out[i] = deviceEvent(s)
	}
	return out
}

func (a *Agent) Patterns() ([]string, error) {
	return a.luaEngine.GetPatternList()
}

func (a *Agent) RunningPattern() core.PatternEvent {
	device, name := a.luaEngine.Running()
	return core.PatternEvent{DeviceID: device, Pattern: name}
}

func (a *Agent) Schedules() map[cron.EntryID]scheduler.ScheduleEntry {
	return a.scheduler.GetAll()
}

var _ server.Snapshotter = (*Agent)(nil)

// Shutdown stops every component and disconnects the bulbs.
func (a *Agent) Shutdown() {
	a.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("Server shutdown error")
	}

	a.luaEngine.Close()
	if a.mqttClient != nil {
		a.mqttClient.Disconnect()
	}
	a.cancel()
	a.wg.Wait()

	for _, s := range a.registry.List() {
		if err := s.Disconnect(); err != nil {
			a.log.WithError(err).WithField("device", s.ID()).Warn("Disconnect failed")
		}
	}
}
