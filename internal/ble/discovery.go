package ble

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bolt-controller/internal/core"

	"github.com/sirupsen/logrus"
)

// DiscoveryOptions configures the discovery loop.
type DiscoveryOptions struct {
	// Name is the advertised name a bulb must carry.
	Name string
	// AllowList restricts admission to these identities when non-empty.
	// Identities compare case-insensitively.
	AllowList []string
	// LoopPeriod is how often scanning is torn down and restarted.
	LoopPeriod time.Duration
	Session    SessionOptions
}

// Discovery scans for bulbs, admits the ones that answer a first read into the
// Registry and restarts itself periodically and whenever a session drops.
type Discovery struct {
	adapter  Adapter
	registry *Registry
	bus      *core.EventBus
	opts     DiscoveryOptions
	log      logrus.FieldLogger

	restart chan struct{}
	loops   atomic.Int64

	mu      sync.Mutex
	pending map[string]bool
	allowed map[string]bool
}

// NewDiscovery creates the loop. bus and logger may be nil.
func NewDiscovery(adapter Adapter, registry *Registry, bus *core.EventBus, opts DiscoveryOptions, logger logrus.FieldLogger) *Discovery {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if opts.Name == "" {
		opts.Name = AdvertisedName
	}
	if opts.LoopPeriod <= 0 {
		opts.LoopPeriod = 15 * time.Second
	}
	var allowed map[string]bool
	if len(opts.AllowList) > 0 {
		allowed = make(map[string]bool, len(opts.AllowList))
		for _, id := range opts.AllowList {
			allowed[strings.ToLower(id)] = true
		}
	}
	return &Discovery{
		adapter:  adapter,
		registry: registry,
		bus:      bus,
		opts:     opts,
		log:      logger.WithField("component", "discovery"),
		restart:  make(chan struct{}, 1),
		pending:  make(map[string]bool),
		allowed:  allowed,
	}
}

// Loops is the number of scan cycles started so far.
func (d *Discovery) Loops() int64 { return d.loops.Load() }

// Restart ends the current scan cycle early. Requests made while one is
// already queued are merged.
func (d *Discovery) Restart() {
	select {
	case d.restart <- struct{}{}:
	default:
	}
}

// Run enables the adapter and cycles scans until ctx is cancelled. Admitted
// sessions are left connected; the caller owns their shutdown.
func (d *Discovery) Run(ctx context.Context) error {
	if err := d.adapter.Enable(); err != nil {
		return &TransportError{Op: "enable adapter", Err: err}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		n := d.loops.Add(1)
		d.log.WithField("loop", n).Debug("Scanning for bulbs...")

		scanCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- d.adapter.Scan(scanCtx, d.opts.Name, func(p Peripheral) { d.found(ctx, p) })
		}()

		timer := time.NewTimer(d.opts.LoopPeriod)
		scanEnded := false
		select {
		case <-ctx.Done():
		case <-timer.C:
			d.log.WithField("loop", n).Debug("Watchdog restart")
		case <-d.restart:
			d.log.WithField("loop", n).Info("Restarting discovery")
		case err := <-done:
			scanEnded = true
			if err != nil {
				d.log.WithError(err).Warn("Scan failed")
			}
			// wait out the cycle so a failing stack is not hammered
			select {
			case <-ctx.Done():
			case <-timer.C:
			case <-d.restart:
			}
		}
		timer.Stop()
		cancel()
		if !scanEnded {
			<-done
		}
	}
}

// found filters a scan result and starts setup for new bulbs.
func (d *Discovery) found(ctx context.Context, p Peripheral) {
	id := p.ID()
	if p.LocalName() != d.opts.Name {
		return
	}
	if d.allowed != nil && !d.allowed[strings.ToLower(id)] {
		d.log.WithField("device", id).Debug("Ignoring bulb outside the allow-list")
		return
	}
	if d.registry.Has(id) {
		return
	}

	d.mu.Lock()
	if d.pending[id] {
		d.mu.Unlock()
		return
	}
	d.pending[id] = true
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.pending, id)
			d.mu.Unlock()
		}()
		d.setup(ctx, p)
	}()
}

// setup connects a new bulb and admits it once a first read succeeds.
func (d *Discovery) setup(ctx context.Context, p Peripheral) {
	log := d.log.WithField("device", p.ID())
	s := NewSession(p, d.registry.State(p.ID()), d.opts.Session, d.log)

	if err := s.Connect(ctx); err != nil {
		log.WithError(err).Warn("Failed to connect")
		d.Restart()
		return
	}
	if _, err := s.Get(ctx); err != nil {
		log.WithError(err).Warn("Readiness check failed")
		_ = s.Disconnect()
		d.Restart()
		return
	}

	s.SetDisconnectHandler(d.remove)
	if !d.registry.Add(s) {
		log.Debug("Bulb already registered")
		s.SetDisconnectHandler(nil)
		if existing, ok := d.registry.Get(p.ID()); ok {
			p.OnDisconnect(existing.handleLinkLost)
		}
		return
	}
	if s.Status() != Connected {
		// lost between the readiness check and admission
		d.remove(s)
		return
	}

	log.WithField("name", s.Name()).Info("Bulb ready")
	d.bus.Publish(core.Event{
		Type:    core.SessionReadyEvent,
		Payload: core.DeviceEvent{DeviceID: s.ID(), Name: s.Name(), State: s.State().Clone()},
	})
}

// remove is the disconnect handler of admitted sessions.
func (d *Discovery) remove(s *Session) {
	if !d.registry.Remove(s) {
		return
	}
	d.log.WithField("device", s.ID()).Info("Bulb removed")
	d.bus.Publish(core.Event{
		Type:    core.SessionRemovedEvent,
		Payload: core.DeviceEvent{DeviceID: s.ID(), Name: s.Name(), State: s.State().Clone()},
	})
	d.Restart()
}
