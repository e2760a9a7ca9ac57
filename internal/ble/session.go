package ble

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"bolt-controller/internal/codec"
	"bolt-controller/internal/core"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ConnState is the link state of a Session.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (c ConnState) String() string {
	switch c {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// SessionOptions tunes the write scheduler of a Session.
type SessionOptions struct {
	// WriteDelay is the quiet period before a coalesced frame is written.
	WriteDelay time.Duration
	// PersistDelay is the quiet period after a write before the frame is
	// saved as the power-on default.
	PersistDelay time.Duration
	// ConnectRetryDelay is how long Connect waits before re-checking a
	// connect that is already in flight.
	ConnectRetryDelay time.Duration
	// WriteRateLimit caps physical writes per second; zero or less disables the cap.
	WriteRateLimit float64
	WriteRateBurst int
}

// DefaultSessionOptions returns the timings the bulb firmware is known to cope with.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		WriteDelay:        500 * time.Millisecond,
		PersistDelay:      1000 * time.Millisecond,
		ConnectRetryDelay: 250 * time.Millisecond,
		WriteRateLimit:    10,
		WriteRateBurst:    5,
	}
}

// Flush delivers the outcome of the physical write behind a Set. It receives
// exactly one value: nil when the write succeeded or a later Set superseded
// this one, an error when this Set's write failed or was abandoned.
type Flush <-chan error

// Session is the connection to one bulb and the owner of its State.
type Session struct {
	id         string
	peripheral Peripheral
	state      *core.State
	opts       SessionOptions
	log        logrus.FieldLogger
	limiter    *rate.Limiter

	writeTimer   *debouncer
	persistTimer *debouncer

	mu           sync.Mutex
	status       ConnState
	control      Characteristic
	effect       Characteristic
	name         Characteristic
	pending      chan error
	linkCtx      context.Context
	linkCancel   context.CancelFunc
	onDisconnect func(*Session)
}

// NewSession creates a disconnected session for p. A nil state gets a fresh one.
func NewSession(p Peripheral, state *core.State, opts SessionOptions, logger logrus.FieldLogger) *Session {
	if state == nil {
		state = core.NewState()
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	limit := rate.Inf
	if opts.WriteRateLimit > 0 {
		limit = rate.Limit(opts.WriteRateLimit)
	}
	burst := opts.WriteRateBurst
	if burst <= 0 {
		burst = 1
	}

	s := &Session{
		id:           p.ID(),
		peripheral:   p,
		state:        state,
		opts:         opts,
		log:          logger.WithField("device", p.ID()),
		limiter:      rate.NewLimiter(limit, burst),
		writeTimer:   newDebouncer(opts.WriteDelay),
		persistTimer: newDebouncer(opts.PersistDelay),
	}
	p.OnDisconnect(s.handleLinkLost)
	return s
}

// ID is the identity of the underlying peripheral.
func (s *Session) ID() string { return s.id }

// Name is the advertised name of the bulb.
func (s *Session) Name() string { return s.peripheral.LocalName() }

// State gives access to the cached frame.
func (s *Session) State() *core.State { return s.state }

// Status returns the current link state.
func (s *Session) Status() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetDisconnectHandler registers fn to run once each time the session drops
// to Disconnected, whether the link was lost or Disconnect was called.
func (s *Session) SetDisconnectHandler(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// Connect links to the bulb and caches its characteristics. It is a no-op
// beyond discovery when already connected, and waits instead of dialling
// again while another Connect is in flight.
func (s *Session) Connect(ctx context.Context) error {
	for {
		s.mu.Lock()
		status := s.status
		if status == Disconnected {
			s.status = Connecting
		}
		s.mu.Unlock()

		if status == Connected {
			return s.discover(ctx)
		}
		if status == Disconnected {
			break
		}

		s.log.Debug("Connect already in flight, retrying later")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.ConnectRetryDelay):
		}
	}

	s.log.Info("Connecting...")
	if err := s.peripheral.Connect(ctx); err != nil {
		s.mu.Lock()
		s.status = Disconnected
		s.mu.Unlock()
		return &TransportError{DeviceID: s.id, Op: "connect", Err: err}
	}

	s.mu.Lock()
	s.status = Connected
	s.linkCtx, s.linkCancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	s.log.Info("Connected")

	if err := s.discover(ctx); err != nil {
		s.log.WithError(err).Error("Service discovery failed")
		_ = s.Disconnect()
		return err
	}
	return nil
}

// discover finds the control characteristic once per link.
func (s *Session) discover(ctx context.Context) error {
	s.mu.Lock()
	cached := s.control != nil
	s.mu.Unlock()
	if cached {
		return nil
	}

	chars, err := s.peripheral.DiscoverCharacteristics(ctx)
	if err != nil {
		return &TransportError{DeviceID: s.id, Op: "discover characteristics", Err: err}
	}

	var control, effect, name Characteristic
	for _, c := range chars {
		switch {
		case sameUUID(c.UUID(), ControlUUID):
			control = c
		case sameUUID(c.UUID(), EffectUUID):
			effect = c
		case sameUUID(c.UUID(), NameUUID):
			name = c
		}
	}
	if control == nil {
		return &CharacteristicNotFoundError{DeviceID: s.id, UUID: ControlUUID}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Connected {
		return &NotConnectedError{DeviceID: s.id, Op: "discover"}
	}
	s.control, s.effect, s.name = control, effect, name
	return nil
}

// Disconnect drops the link. It succeeds immediately when already disconnected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.status == Disconnected {
		s.mu.Unlock()
		return nil
	}
	s.teardownLocked()
	s.mu.Unlock()

	s.log.Info("Disconnecting...")
	err := s.peripheral.Disconnect()
	s.notifyDisconnect()
	if err != nil {
		return &TransportError{DeviceID: s.id, Op: "disconnect", Err: err}
	}
	return nil
}

// handleLinkLost is the transport's disconnect callback.
func (s *Session) handleLinkLost() {
	s.mu.Lock()
	if s.status == Disconnected {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.mu.Unlock()

	s.log.Warn("Link lost")
	s.notifyDisconnect()
}

// teardownLocked requires s.mu. Pending timers are cancelled so nothing is
// written to a dead handle.
func (s *Session) teardownLocked() {
	s.status = Disconnected
	s.control, s.effect, s.name = nil, nil, nil
	if s.writeTimer.Cancel() {
		s.log.Debug("Pending write dropped")
	}
	if s.persistTimer.Cancel() {
		s.log.Debug("Pending persist dropped")
	}
	if s.pending != nil {
		s.pending <- &NotConnectedError{DeviceID: s.id, Op: "write"}
		close(s.pending)
		s.pending = nil
	}
	if s.linkCancel != nil {
		s.linkCancel()
		s.linkCancel = nil
	}
}

func (s *Session) notifyDisconnect() {
	s.mu.Lock()
	fn := s.onDisconnect
	s.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// characteristic returns a cached characteristic, failing when the session
// is not connected.
func (s *Session) characteristic(op, uuid string) (Characteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Connected {
		return nil, &NotConnectedError{DeviceID: s.id, Op: op}
	}
	var c Characteristic
	switch uuid {
	case ControlUUID:
		c = s.control
	case EffectUUID:
		c = s.effect
	case NameUUID:
		c = s.name
	}
	if c == nil {
		return nil, &CharacteristicNotFoundError{DeviceID: s.id, UUID: uuid}
	}
	return c, nil
}

func (s *Session) read(op, uuid string) ([]byte, error) {
	c, err := s.characteristic(op, uuid)
	if err != nil {
		return nil, err
	}
	raw, err := c.Read()
	if err != nil {
		return nil, &TransportError{DeviceID: s.id, Op: op, Err: err}
	}
	s.log.WithField("op", op).Debugf("Read %q", raw)
	return raw, nil
}

func (s *Session) write(op, uuid string, data []byte) error {
	c, err := s.characteristic(op, uuid)
	if err != nil {
		return err
	}
	s.log.WithField("op", op).Debugf("Write %q", data)
	if err := c.Write(data); err != nil {
		return &TransportError{DeviceID: s.id, Op: op, Err: err}
	}
	return nil
}

// Get reads the control characteristic into the State and returns the
// decoded value. An unparseable frame is not an error.
func (s *Session) Get(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := s.read("get", ControlUUID)
	if err != nil {
		return "", err
	}
	s.state.SetBuffer(raw)
	return s.state.Value(), nil
}

// Set stores value in the State and schedules the physical write. It returns
// as soon as the State is updated.
func (s *Session) Set(value string) (Flush, error) {
	if err := s.requireConnected("set"); err != nil {
		return nil, err
	}
	s.state.SetValue(value)
	return s.scheduleWrite(), nil
}

func (s *Session) requireConnected(op string) error {
	if s.Status() != Connected {
		return &NotConnectedError{DeviceID: s.id, Op: op}
	}
	return nil
}

func (s *Session) scheduleWrite() Flush {
	ch := make(chan error, 1)

	s.mu.Lock()
	if s.pending != nil {
		// superseded: the caller already got its in-memory success
		s.pending <- nil
		close(s.pending)
	}
	s.pending = ch
	s.mu.Unlock()

	s.writeTimer.Schedule(s.flush)
	return ch
}

// flush runs when the write quiet period expires.
func (s *Session) flush() {
	s.mu.Lock()
	ch := s.pending
	s.pending = nil
	ctx := s.linkCtx
	s.mu.Unlock()

	if ch == nil {
		// an earlier timer already wrote the latest frame
		return
	}
	defer close(ch)

	if ctx == nil {
		ch <- &NotConnectedError{DeviceID: s.id, Op: "write"}
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		ch <- &NotConnectedError{DeviceID: s.id, Op: "write"}
		return
	}

	frame := s.state.Buffer()
	if err := s.write("write", ControlUUID, frame); err != nil {
		s.log.WithError(err).Warn("Coalesced write failed")
		ch <- err
		return
	}
	s.persistTimer.Schedule(s.persist)
	ch <- nil
}

// persist saves the current colour as the bulb's power-on default.
func (s *Session) persist() {
	if err := s.write("persist", EffectUUID, []byte(persistDefaultColor)); err != nil {
		s.log.WithError(err).Warn("Failed to persist default colour")
		return
	}
	s.log.Debug("Persisted default colour")
}

// mutate applies fn to the State and pushes the resulting value through Set.
func (s *Session) mutate(op string, fn func(*core.State) error) (Flush, error) {
	if err := s.requireConnected(op); err != nil {
		return nil, err
	}
	if err := fn(s.state); err != nil {
		return nil, err
	}
	return s.Set(s.state.Value())
}

// refresh reads the bulb so getters report the device's value.
func (s *Session) refresh(ctx context.Context) error {
	_, err := s.Get(ctx)
	return err
}

func (s *Session) GetRGBA(ctx context.Context) (codec.RGBA, error) {
	if err := s.refresh(ctx); err != nil {
		return codec.RGBA{}, err
	}
	return s.state.RGBA(), nil
}

func (s *Session) SetRGBA(c codec.RGBA) (Flush, error) {
	return s.mutate("setRGBA", func(st *core.State) error { return st.SetRGBA(c) })
}

func (s *Session) GetRed(ctx context.Context) (int, error)   { return s.channel(ctx, 0) }
func (s *Session) GetGreen(ctx context.Context) (int, error) { return s.channel(ctx, 1) }
func (s *Session) GetBlue(ctx context.Context) (int, error)  { return s.channel(ctx, 2) }
func (s *Session) GetAlpha(ctx context.Context) (int, error) { return s.channel(ctx, 3) }

func (s *Session) channel(ctx context.Context, i int) (int, error) {
	c, err := s.GetRGBA(ctx)
	return c[i], err
}

func (s *Session) SetRed(v int) (Flush, error) {
	return s.mutate("setRed", func(st *core.State) error { return st.SetRed(v) })
}

func (s *Session) SetGreen(v int) (Flush, error) {
	return s.mutate("setGreen", func(st *core.State) error { return st.SetGreen(v) })
}

func (s *Session) SetBlue(v int) (Flush, error) {
	return s.mutate("setBlue", func(st *core.State) error { return st.SetBlue(v) })
}

func (s *Session) SetAlpha(v int) (Flush, error) {
	return s.mutate("setAlpha", func(st *core.State) error { return st.SetAlpha(v) })
}

func (s *Session) GetHSB(ctx context.Context) ([3]int, error) {
	if err := s.refresh(ctx); err != nil {
		return [3]int{}, err
	}
	return s.state.HSB(), nil
}

func (s *Session) SetHSB(hsb [3]int) (Flush, error) {
	return s.mutate("setHSB", func(st *core.State) error { return st.SetHSB(hsb) })
}

func (s *Session) GetHue(ctx context.Context) (int, error) {
	if err := s.refresh(ctx); err != nil {
		return 0, err
	}
	return s.state.Hue(), nil
}

func (s *Session) SetHue(hue int) (Flush, error) {
	return s.mutate("setHue", func(st *core.State) error { return st.SetHue(hue) })
}

func (s *Session) GetSaturation(ctx context.Context) (int, error) {
	if err := s.refresh(ctx); err != nil {
		return 0, err
	}
	return s.state.Saturation(), nil
}

func (s *Session) SetSaturation(saturation int) (Flush, error) {
	return s.mutate("setSaturation", func(st *core.State) error { return st.SetSaturation(saturation) })
}

func (s *Session) GetBrightness(ctx context.Context) (int, error) {
	if err := s.refresh(ctx); err != nil {
		return 0, err
	}
	return s.state.Brightness(), nil
}

func (s *Session) SetBrightness(brightness int) (Flush, error) {
	return s.mutate("setBrightness", func(st *core.State) error { return st.SetBrightness(brightness) })
}

// GetState reports whether the bulb is lit.
func (s *Session) GetState(ctx context.Context) (bool, error) {
	if err := s.refresh(ctx); err != nil {
		return false, err
	}
	return s.state.Power(), nil
}

func (s *Session) SetState(on bool) (Flush, error) {
	return s.mutate("setState", func(st *core.State) error {
		st.SetPower(on)
		return nil
	})
}

func (s *Session) On() (Flush, error)  { return s.SetState(true) }
func (s *Session) Off() (Flush, error) { return s.SetState(false) }

// GetGradualMode reports whether the bulb fades between colours.
func (s *Session) GetGradualMode(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	raw, err := s.read("getGradualMode", EffectUUID)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(string(raw), gradualMode), nil
}

// SetGradualMode switches between fading and immediate transitions. The
// write is not coalesced.
func (s *Session) SetGradualMode(gradual bool) error {
	payload := nonGradualMode
	if gradual {
		payload = gradualMode
	}
	return s.write("setGradualMode", EffectUUID, []byte(payload))
}

// GetName reads the name the bulb advertises.
func (s *Session) GetName(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := s.read("getName", NameUUID)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(raw), "\x00"), nil
}

// SetName renames the bulb.
func (s *Session) SetName(name string) error {
	return s.write("setName", NameUUID, []byte(name))
}
