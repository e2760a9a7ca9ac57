package lua

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bolt-controller/internal/ble"
	"bolt-controller/internal/codec"
	"bolt-controller/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLight applies edits to a State and records them.
type fakeLight struct {
	id    string
	state *core.State

	mu    sync.Mutex
	calls []string
}

func newFakeLight(id string) *fakeLight {
	return &fakeLight{id: id, state: core.NewState()}
}

func (f *fakeLight) record(call string, err error) (ble.Flush, error) {
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	ch := make(chan error, 1)
	ch <- nil
	return ch, nil
}

func (f *fakeLight) ID() string { return f.id }

func (f *fakeLight) SetRGBA(c codec.RGBA) (ble.Flush, error) {
	return f.record("rgba "+c.String(), f.state.SetRGBA(c))
}

func (f *fakeLight) SetHue(v int) (ble.Flush, error) {
	return f.record("hue", f.state.SetHue(v))
}

func (f *fakeLight) SetSaturation(v int) (ble.Flush, error) {
	return f.record("saturation", f.state.SetSaturation(v))
}

func (f *fakeLight) SetBrightness(v int) (ble.Flush, error) {
	return f.record("brightness", f.state.SetBrightness(v))
}

func (f *fakeLight) SetState(on bool) (ble.Flush, error) {
	f.state.SetPower(on)
	return f.record("power", nil)
}

func (f *fakeLight) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type engineFixture struct {
	engine *Engine
	lights map[string]*fakeLight
	events core.Subscriber
	dir    string
}

func newEngineFixture(t *testing.T, ids ...string) *engineFixture {
	t.Helper()
	f := &engineFixture{lights: map[string]*fakeLight{}, dir: filepath.Join(t.TempDir(), "patterns")}
	for _, id := range ids {
		f.lights[id] = newFakeLight(id)
	}
	resolve := func(deviceID string) []Light {
		var out []Light
		for id, l := range f.lights {
			if deviceID == core.AllDevices || deviceID == id {
				out = append(out, l)
			}
		}
		return out
	}
	bus := core.NewEventBus()
	f.events = bus.Subscribe(core.PatternChangedEvent)
	f.engine = NewEngine(resolve, f.dir, bus, nil)
	t.Cleanup(f.engine.Close)
	return f
}

func (f *engineFixture) nextPattern(t *testing.T) core.PatternEvent {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev.Payload.(core.PatternEvent)
	case <-time.After(2 * time.Second):
		t.Fatal("no pattern event")
		return core.PatternEvent{}
	}
}

func TestExecuteStringDrivesTargetOnly(t *testing.T) {
	f := newEngineFixture(t, "a", "b")

	f.engine.ExecuteString("a", "set_rgba(1, 2, 3, 4)")

	assert.Equal(t, core.PatternEvent{DeviceID: "a", Pattern: "single line command"}, f.nextPattern(t))
	assert.Equal(t, core.PatternEvent{DeviceID: "a", Pattern: ""}, f.nextPattern(t))
	assert.Equal(t, codec.RGBA{1, 2, 3, 4}, f.lights["a"].state.RGBA())
	assert.Zero(t, f.lights["b"].callCount())
}

func TestExecuteStringAllDevices(t *testing.T) {
	f := newEngineFixture(t, "a", "b")

	f.engine.ExecuteString(core.AllDevices, "set_rgba(9, 8, 7); set_brightness(20)")
	f.nextPattern(t)
	f.nextPattern(t)

	for _, l := range f.lights {
		assert.Equal(t, codec.RGBA{9, 8, 7, 20}, l.state.RGBA())
	}
}

func TestOutOfRangeValueAbortsScript(t *testing.T) {
	f := newEngineFixture(t, "a")

	f.engine.ExecuteString("a", "set_hue(400); set_rgba(1, 1, 1, 1)")
	f.nextPattern(t)
	f.nextPattern(t)

	assert.Zero(t, f.lights["a"].callCount())
}

func TestFadeEndsOnTargetColour(t *testing.T) {
	f := newEngineFixture(t, "a")

	f.engine.ExecuteString("a", "fade(0, 0, 0, 200, 100, 50, 40, 60)")
	f.nextPattern(t)
	f.nextPattern(t)

	assert.Equal(t, codec.RGBA{200, 100, 50, 60}, f.lights["a"].state.RGBA())
	assert.Equal(t, effectSteps+1, f.lights["a"].callCount())
}

func TestBreatheEndsDim(t *testing.T) {
	f := newEngineFixture(t, "a")

	f.engine.ExecuteString("a", "breathe(40)")
	f.nextPattern(t)
	f.nextPattern(t)

	assert.Equal(t, 1, f.lights["a"].state.Brightness())
	assert.Equal(t, 2*effectSteps, f.lights["a"].callCount())
}

func TestRunPatternAndStop(t *testing.T) {
	f := newEngineFixture(t, "a")
	require.NoError(t, f.engine.SavePatternCode("loop.lua", `
set_power(true)
while not should_stop() do
  sleep(5)
end`))

	require.NoError(t, f.engine.RunPattern("a", "loop.lua"))
	assert.Equal(t, "loop.lua", f.nextPattern(t).Pattern)

	device, name := f.engine.Running()
	assert.Equal(t, "a", device)
	assert.Equal(t, "loop.lua", name)

	f.engine.StopPatternOn("b")
	time.Sleep(20 * time.Millisecond)
	_, name = f.engine.Running()
	assert.Equal(t, "loop.lua", name, "stopping another device leaves it running")

	f.engine.StopPatternOn("a")
	assert.Equal(t, "", f.nextPattern(t).Pattern)
	_, name = f.engine.Running()
	assert.Empty(t, name)
}

func TestStartingPatternReplacesRunningOne(t *testing.T) {
	f := newEngineFixture(t, "a")
	require.NoError(t, f.engine.SavePatternCode("loop.lua", "while true do sleep(5) end"))

	require.NoError(t, f.engine.RunPattern("a", "loop.lua"))
	assert.Equal(t, "loop.lua", f.nextPattern(t).Pattern)

	f.engine.ExecuteString("a", "set_brightness(5)")
	assert.Equal(t, "", f.nextPattern(t).Pattern)
	assert.Equal(t, "single line command", f.nextPattern(t).Pattern)
}

func TestPatternFiles(t *testing.T) {
	f := newEngineFixture(t)

	list, err := f.engine.GetPatternList()
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, f.engine.SavePatternCode("b.lua", "print('b')"))
	require.NoError(t, f.engine.SavePatternCode("a.lua", "print('a')"))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "notes.txt"), nil, 0o644))

	list, err = f.engine.GetPatternList()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.lua", "b.lua"}, list)

	code, err := f.engine.GetPatternCode("a.lua")
	require.NoError(t, err)
	assert.Equal(t, "print('a')", code)

	require.NoError(t, f.engine.DeletePattern("a.lua"))
	list, err = f.engine.GetPatternList()
	require.NoError(t, err)
	assert.Equal(t, []string{"b.lua"}, list)
}

func TestSanitizeFilename(t *testing.T) {
	for _, bad := range []string{"x.txt", "../x.lua", "dir/x.lua", ".lua"} {
		_, err := sanitizeFilename(bad)
		assert.Error(t, err, bad)
	}
	name, err := sanitizeFilename("rainbow.lua")
	require.NoError(t, err)
	assert.Equal(t, "rainbow.lua", name)

	f := newEngineFixture(t)
	assert.Error(t, f.engine.RunPattern("a", "../../etc/passwd"))
}
