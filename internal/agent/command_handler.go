package agent

import (
	"fmt"
	"strconv"

	"bolt-controller/internal/ble"
	"bolt-controller/internal/codec"
	"bolt-controller/internal/core"
	"bolt-controller/internal/server"

	"github.com/sirupsen/logrus"
)

func (a *Agent) handleCommand(cmd core.Command) {
	log := a.log.WithFields(logrus.Fields{"command": cmd.Type, "device": cmd.DeviceID})
	log.Debugf("Handling command with payload: %v", cmd.Payload)

	switch cmd.Type {
	case core.CmdSetRGBA:
		value, _ := stringPayload(cmd.Payload, "value")
		a.forEachTarget(cmd, func(s *ble.Session) (ble.Flush, error) {
			c, err := rgbaFor(s, value, cmd.Payload)
			if err != nil {
				return nil, err
			}
			a.luaEngine.StopPatternOn(s.ID())
			return s.SetRGBA(c)
		})

	case core.CmdSetHue:
		a.withInt(cmd, "value", func(s *ble.Session, v int) (ble.Flush, error) {
			a.luaEngine.StopPatternOn(s.ID())
			return s.SetHue(v)
		})

	case core.CmdSetSaturation:
		a.withInt(cmd, "value", func(s *ble.Session, v int) (ble.Flush, error) {
			a.luaEngine.StopPatternOn(s.ID())
			return s.SetSaturation(v)
		})

	case core.CmdSetBrightness:
		a.withInt(cmd, "value", func(s *ble.Session, v int) (ble.Flush, error) {
			return s.SetBrightness(v)
		})

	case core.CmdSetPower:
		isOn, ok := boolPayload(cmd.Payload, "isOn")
		if !ok {
			a.reject(cmd, fmt.Errorf("missing boolean 'isOn'"))
			return
		}
		a.forEachTarget(cmd, func(s *ble.Session) (ble.Flush, error) {
			if s.State().Power() != isOn {
				a.luaEngine.StopPatternOn(s.ID())
			}
			return s.SetState(isOn)
		})

	case core.CmdSetGradualMode:
		enabled, ok := boolPayload(cmd.Payload, "enabled")
		if !ok {
			a.reject(cmd, fmt.Errorf("missing boolean 'enabled'"))
			return
		}
		for _, s := range a.resolve(cmd) {
			go a.direct(s, "set gradual mode", func() error { return s.SetGradualMode(enabled) })
		}

	case core.CmdSetName:
		name, ok := stringPayload(cmd.Payload, "name")
		if !ok || name == "" {
			a.reject(cmd, fmt.Errorf("missing 'name'"))
			return
		}
		for _, s := range a.resolve(cmd) {
			go a.direct(s, "rename", func() error { return s.SetName(name) })
		}

	case core.CmdRunPattern:
		name, _ := stringPayload(cmd.Payload, "name")
		if err := a.luaEngine.RunPattern(cmd.DeviceID, name); err != nil {
			a.reject(cmd, err)
		}

	case core.CmdStopPattern:
		a.luaEngine.StopPatternOn(cmd.DeviceID)

	case core.CmdAddSchedule:
		spec, _ := stringPayload(cmd.Payload, "spec")
		command, _ := stringPayload(cmd.Payload, "command")
		if _, err := a.scheduler.Add(spec, command); err != nil {
			a.reject(cmd, err)
			return
		}
		a.server.Hub.Broadcast(server.NewMessage(server.MsgScheduleList, a.scheduler.GetAll()))

	case core.CmdRemoveSchedule:
		id, ok := intPayload(cmd.Payload, "id")
		if !ok {
			a.reject(cmd, fmt.Errorf("missing schedule 'id'"))
			return
		}
		a.scheduler.Remove(id)
		a.server.Hub.Broadcast(server.NewMessage(server.MsgScheduleList, a.scheduler.GetAll()))

	case core.CmdGetPatternCode:
		name, _ := stringPayload(cmd.Payload, "name")
		content, err := a.luaEngine.GetPatternCode(name)
		if err != nil {
			a.reject(cmd, err)
			return
		}
		a.server.Hub.Broadcast(server.NewMessage(server.MsgPatternCode, map[string]string{"name": name, "code": content}))

	case core.CmdSavePatternCode:
		name, _ := stringPayload(cmd.Payload, "name")
		code, _ := stringPayload(cmd.Payload, "code")
		if err := a.luaEngine.SavePatternCode(name, code); err != nil {
			a.reject(cmd, err)
			return
		}
		a.broadcastPatterns()

	case core.CmdDeletePattern:
		name, _ := stringPayload(cmd.Payload, "name")
		if err := a.luaEngine.DeletePattern(name); err != nil {
			a.reject(cmd, err)
			return
		}
		a.broadcastPatterns()

	default:
		log.Warn("Unknown command type")
	}
}

// resolve returns the command's target sessions, logging when there are none.
func (a *Agent) resolve(cmd core.Command) []*ble.Session {
	sessions := a.targets(cmd.DeviceID)
	if len(sessions) == 0 {
		a.log.WithField("device", cmd.DeviceID).Warnf("No bulb for %s", cmd.Type)
	}
	return sessions
}

// forEachTarget applies fn to every target, publishes the new state of the
// ones that accepted it and watches the deferred write.
func (a *Agent) forEachTarget(cmd core.Command, fn func(*ble.Session) (ble.Flush, error)) {
	for _, s := range a.resolve(cmd) {
		flush, err := fn(s)
		if err != nil {
			a.reject(cmd, fmt.Errorf("%s: %w", s.ID(), err))
			continue
		}
		a.publishState(s)
		go a.watch(s, cmd.Type, flush)
	}
}

func (a *Agent) withInt(cmd core.Command, key string, fn func(*ble.Session, int) (ble.Flush, error)) {
	v, ok := intPayload(cmd.Payload, key)
	if !ok {
		a.reject(cmd, fmt.Errorf("missing integer '%s'", key))
		return
	}
	a.forEachTarget(cmd, func(s *ble.Session) (ble.Flush, error) { return fn(s, v) })
}

// watch logs the outcome of a coalesced write.
func (a *Agent) watch(s *ble.Session, what core.CommandType, flush ble.Flush) {
	if err := <-flush; err != nil {
		a.log.WithError(err).WithFields(logrus.Fields{"device": s.ID(), "command": what}).Warn("Write failed")
	}
}

func (a *Agent) direct(s *ble.Session, what string, fn func() error) {
	if err := fn(); err != nil {
		a.log.WithError(err).WithField("device", s.ID()).Warnf("Failed to %s", what)
	}
}

// reject logs a refused command and tells the web clients.
func (a *Agent) reject(cmd core.Command, err error) {
	a.log.WithError(err).WithFields(logrus.Fields{"command": cmd.Type, "device": cmd.DeviceID}).Warn("Command rejected")
	a.server.Hub.Broadcast(server.NewMessage(server.MsgError, map[string]string{
		"command": string(cmd.Type),
		"device":  cmd.DeviceID,
		"error":   err.Error(),
	}))
}

func (a *Agent) broadcastPatterns() {
	patterns, err := a.luaEngine.GetPatternList()
	if err != nil {
		a.log.WithError(err).Warn("Could not list patterns")
		return
	}
	a.server.Hub.Broadcast(server.NewMessage(server.MsgPatternList, patterns))
}

// rgbaFor builds the colour of a setRGBA command. value may be "r,g,b,a" or
// "r,g,b", the latter keeping the bulb's alpha; without value the r, g, b and
// a payload fields are used.
func rgbaFor(s *ble.Session, value string, payload map[string]interface{}) (codec.RGBA, error) {
	current := s.State().RGBA()
	if value != "" {
		if c, ok := codec.ParseRGBA([]byte(value)); ok {
			return c, nil
		}
		if r, g, b, ok := codec.ParseRGB(value); ok {
			return codec.RGBA{r, g, b, current[3]}, nil
		}
		return codec.RGBA{}, fmt.Errorf("invalid rgba value '%s'", value)
	}

	c := current
	for i, key := range []string{"r", "g", "b", "a"} {
		if v, ok := intPayload(payload, key); ok {
			c[i] = v
		}
	}
	return c, nil
}

// intPayload accepts JSON numbers and numeric strings.
func intPayload(p map[string]interface{}, key string) (int, bool) {
	switch v := p[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

func boolPayload(p map[string]interface{}, key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

func stringPayload(p map[string]interface{}, key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}
