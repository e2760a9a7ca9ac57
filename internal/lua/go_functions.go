package lua

import (
	"context"
	"errors"
	"math"
	"time"

	"bolt-controller/internal/ble"
	"bolt-controller/internal/codec"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// effectSteps is how many frames breathe and fade emit per direction.
const effectSteps = 20

// runner carries the per-script context the Lua functions act on.
type runner struct {
	ctx      context.Context
	deviceID string
	resolve  Resolver
	log      logrus.FieldLogger
}

// register exposes Go functions to the given Lua state.
func (r *runner) register(L *lua.LState) {
	L.SetGlobal("set_rgba", L.NewFunction(r.luaSetRGBA))
	L.SetGlobal("set_hue", L.NewFunction(r.luaSetHue))
	L.SetGlobal("set_saturation", L.NewFunction(r.luaSetSaturation))
	L.SetGlobal("set_brightness", L.NewFunction(r.luaSetBrightness))
	L.SetGlobal("set_power", L.NewFunction(r.luaSetPower))
	L.SetGlobal("print", L.NewFunction(r.luaPrint))
	L.SetGlobal("sleep", L.NewFunction(r.luaSleep))
	L.SetGlobal("should_stop", L.NewFunction(r.luaShouldStop))
	L.SetGlobal("breathe", L.NewFunction(r.luaBreathe))
	L.SetGlobal("fade", L.NewFunction(r.luaFade))
}

// apply runs fn on every target light. A bulb that dropped out is skipped;
// an out of range value aborts the script.
func (r *runner) apply(L *lua.LState, fn func(Light) (ble.Flush, error)) {
	for _, light := range r.resolve(r.deviceID) {
		if _, err := fn(light); err != nil {
			if errors.Is(err, ble.ErrNotConnected) {
				r.log.WithField("device", light.ID()).Debug("Skipping disconnected bulb")
				continue
			}
			L.RaiseError("%v", err)
		}
	}
}

func (r *runner) luaPrint(L *lua.LState) int {
	r.log.Infof("[LUA] %s", L.ToString(1))
	return 0
}

func (r *runner) luaSetRGBA(L *lua.LState) int {
	c := codec.RGBA{L.CheckInt(1), L.CheckInt(2), L.CheckInt(3), L.OptInt(4, 100)}
	r.apply(L, func(l Light) (ble.Flush, error) { return l.SetRGBA(c) })
	return 0
}

func (r *runner) luaSetHue(L *lua.LState) int {
	v := L.CheckInt(1)
	r.apply(L, func(l Light) (ble.Flush, error) { return l.SetHue(v) })
	return 0
}

func (r *runner) luaSetSaturation(L *lua.LState) int {
	v := L.CheckInt(1)
	r.apply(L, func(l Light) (ble.Flush, error) { return l.SetSaturation(v) })
	return 0
}

func (r *runner) luaSetBrightness(L *lua.LState) int {
	v := L.CheckInt(1)
	r.apply(L, func(l Light) (ble.Flush, error) { return l.SetBrightness(v) })
	return 0
}

func (r *runner) luaSetPower(L *lua.LState) int {
	on := L.ToBool(1)
	r.apply(L, func(l Light) (ble.Flush, error) { return l.SetState(on) })
	return 0
}

// cancellableSleep is a helper to sleep for a duration, but wake up immediately if the context is cancelled.
// It returns true if the context was cancelled during sleep.
func cancellableSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}

func (r *runner) luaSleep(L *lua.LState) int {
	cancellableSleep(r.ctx, time.Duration(L.CheckInt(1))*time.Millisecond)
	return 0
}

func (r *runner) luaShouldStop(L *lua.LState) int {
	select {
	case <-r.ctx.Done():
		L.Push(lua.LTrue)
	default:
		L.Push(lua.LFalse)
	}
	return 1
}

// luaBreathe pulses brightness from 1% to 100% and back over the given duration.
// The colour should be set before calling it.
func (r *runner) luaBreathe(L *lua.LState) int {
	duration := time.Duration(L.CheckInt(1)) * time.Millisecond
	stepDuration := duration / (2 * effectSteps)

	levels := make([]int, 0, 2*effectSteps)
	for i := 1; i <= effectSteps; i++ {
		levels = append(levels, int(math.Round(float64(i)*100/effectSteps)))
	}
	for i := effectSteps; i >= 1; i-- {
		levels = append(levels, int(math.Max(1, math.Round(float64(i-1)*100/effectSteps))))
	}

	for _, level := range levels {
		r.apply(L, func(l Light) (ble.Flush, error) { return l.SetBrightness(level) })
		if cancellableSleep(r.ctx, stepDuration) {
			return 0
		}
	}
	return 0
}

// luaFade moves linearly from one colour to another over the given duration:
// fade(r1, g1, b1, r2, g2, b2, ms [, alpha]).
func (r *runner) luaFade(L *lua.LState) int {
	from := [3]int{L.CheckInt(1), L.CheckInt(2), L.CheckInt(3)}
	to := [3]int{L.CheckInt(4), L.CheckInt(5), L.CheckInt(6)}
	duration := time.Duration(L.CheckInt(7)) * time.Millisecond
	alpha := L.OptInt(8, 100)
	stepDuration := duration / effectSteps

	for i := 0; i <= effectSteps; i++ {
		progress := float64(i) / effectSteps
		var c codec.RGBA
		for ch := range from {
			c[ch] = int(math.Round(float64(from[ch]) + progress*float64(to[ch]-from[ch])))
		}
		c[3] = alpha
		r.apply(L, func(l Light) (ble.Flush, error) { return l.SetRGBA(c) })

		if i < effectSteps && cancellableSleep(r.ctx, stepDuration) {
			return 0
		}
	}
	return 0
}
