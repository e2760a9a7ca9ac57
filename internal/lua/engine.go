// Package lua runs user written light patterns against one bulb or all of them.
package lua

import (
	"context"
	"io"
	"sync"
	"time"

	"bolt-controller/internal/ble"
	"bolt-controller/internal/codec"
	"bolt-controller/internal/core"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// Light is the part of a bulb session a pattern drives.
type Light interface {
	ID() string
	SetRGBA(c codec.RGBA) (ble.Flush, error)
	SetHue(hue int) (ble.Flush, error)
	SetSaturation(saturation int) (ble.Flush, error)
	SetBrightness(brightness int) (ble.Flush, error)
	SetState(on bool) (ble.Flush, error)
}

// Resolver returns the lights a device id (or core.AllDevices) currently maps to.
type Resolver func(deviceID string) []Light

// cmdType defines the type of engine command.
type cmdType int

const (
	cmdRunFile cmdType = iota
	cmdRunString
	cmdStop
)

// engineCmd represents a command sent to the Lua engine.
type engineCmd struct {
	kind     cmdType
	deviceID string
	name     string
	code     string
}

// Engine manages the Lua scripting environment using a single worker goroutine
// to ensure only one pattern runs at a time.
type Engine struct {
	resolve     Resolver
	patternsDir string
	eventBus    *core.EventBus
	log         logrus.FieldLogger

	cmdChan   chan engineCmd
	done      chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	runningDevice  string
	runningPattern string
}

// NewEngine creates a new Lua engine and starts its background worker.
func NewEngine(resolve Resolver, patternsDir string, eb *core.EventBus, logger logrus.FieldLogger) *Engine {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	e := &Engine{
		resolve:     resolve,
		patternsDir: patternsDir,
		eventBus:    eb,
		log:         logger.WithField("component", "lua"),
		cmdChan:     make(chan engineCmd, 10),
		done:        make(chan struct{}),
	}

	go e.runLoop()

	return e
}

// Close stops the running pattern and the worker.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// runLoop is the main worker loop that processes engine commands sequentially.
func (e *Engine) runLoop() {
	var currentCancel context.CancelFunc
	var scriptDone chan struct{}

	stopCurrent := func() {
		if currentCancel == nil {
			return
		}
		currentCancel()
		select {
		case <-scriptDone:
		case <-time.After(2 * time.Second):
			e.log.Warn("Timeout waiting for script to stop")
		}
		currentCancel = nil
		scriptDone = nil
	}

	for {
		var cmd engineCmd
		select {
		case <-e.done:
			stopCurrent()
			return
		case cmd = <-e.cmdChan:
		}

		stopCurrent()
		if cmd.kind == cmdStop {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		currentCancel = cancel
		scriptDone = make(chan struct{})

		go func(cmd engineCmd, ctx context.Context, done chan struct{}) {
			switch cmd.kind {
			case cmdRunFile:
				e.executeFile(ctx, cmd, done)
			case cmdRunString:
				e.executeString(ctx, cmd, done)
			}
		}(cmd, ctx, scriptDone)
	}
}

func (e *Engine) send(cmd engineCmd) {
	select {
	case e.cmdChan <- cmd:
	case <-e.done:
	}
}

// StopCurrentPattern stops the currently running script if any.
func (e *Engine) StopCurrentPattern() {
	select {
	case e.cmdChan <- engineCmd{kind: cmdStop}:
	default:
		e.log.Warn("Command channel full, could not send stop command")
	}
}

// StopPatternOn stops the running script only if it drives deviceID.
func (e *Engine) StopPatternOn(deviceID string) {
	device, name := e.Running()
	if name == "" {
		return
	}
	if device == deviceID || device == core.AllDevices || deviceID == core.AllDevices {
		e.StopCurrentPattern()
	}
}

// Running reports the device and name of the running pattern. name is empty
// when nothing runs.
func (e *Engine) Running() (deviceID, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runningDevice, e.runningPattern
}

// RunPattern prepares and sends a command to execute a Lua script from a file.
func (e *Engine) RunPattern(deviceID, name string) error {
	scriptPath, err := e.GetPatternPath(name)
	if err != nil {
		e.log.WithError(err).Warnf("Could not get pattern path for '%s'", name)
		return err
	}

	e.send(engineCmd{
		kind:     cmdRunFile,
		deviceID: deviceID,
		name:     name,
		code:     scriptPath,
	})
	return nil
}

// ExecuteString prepares and sends a command to execute a one-off Lua command string.
func (e *Engine) ExecuteString(deviceID, code string) {
	e.send(engineCmd{
		kind:     cmdRunString,
		deviceID: deviceID,
		name:     "single line command",
		code:     code,
	})
}

// executeFile is an internal wrapper to run a Lua file within the worker's context.
func (e *Engine) executeFile(ctx context.Context, cmd engineCmd, done chan struct{}) {
	defer close(done)
	e.execute(ctx, cmd, func(L *lua.LState) error {
		return L.DoFile(cmd.code)
	})
}

// executeString is an internal wrapper to run a Lua code string within the worker's context.
func (e *Engine) executeString(ctx context.Context, cmd engineCmd, done chan struct{}) {
	defer close(done)
	e.execute(ctx, cmd, func(L *lua.LState) error {
		return L.DoString(cmd.code)
	})
}

func (e *Engine) setRunning(deviceID, name string) {
	e.mu.Lock()
	e.runningDevice, e.runningPattern = deviceID, name
	e.mu.Unlock()

	e.eventBus.Publish(core.Event{
		Type:    core.PatternChangedEvent,
		Payload: core.PatternEvent{DeviceID: deviceID, Pattern: name},
	})
}

// execute is a helper to run Lua code using a fresh state and provided executor function.
func (e *Engine) execute(ctx context.Context, cmd engineCmd, executor func(*lua.LState) error) {
	log := e.log.WithFields(logrus.Fields{"pattern": cmd.name, "device": cmd.deviceID})
	log.Info("Starting pattern")
	e.setRunning(cmd.deviceID, cmd.name)

	defer func() {
		log.Info("Pattern finished")
		e.setRunning(cmd.deviceID, "")
	}()

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	r := &runner{ctx: ctx, deviceID: cmd.deviceID, resolve: e.resolve, log: log}
	r.register(L)

	if err := executor(L); err != nil {
		if ctx.Err() == context.Canceled {
			log.Info("Pattern execution was canceled")
		} else {
			log.WithError(err).Error("Error executing pattern")
		}
	}
}
