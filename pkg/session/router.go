package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dougsko/k4d/pkg/config"
	"github.com/dougsko/k4d/pkg/engine"
	"github.com/dougsko/k4d/pkg/events"
	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/metrics"
	"github.com/dougsko/k4d/pkg/protocol"
)

// ErrNoActiveRadio is returned by operations that need a connected radio
var ErrNoActiveRadio = fmt.Errorf("%w: no active radio", protocol.ErrNotConnected)

// Router owns the radio set and the single active session. Activation is
// serialized; readers load the active session without locking.
type Router struct {
	store    Store
	cfg      *config.Config
	bus      *events.Bus
	metrics  *metrics.Metrics
	recorder engine.CommandRecorder

	// activation serializes Activate, Deactivate and deletes of the active radio
	activation sync.Mutex
	active     atomic.Pointer[engine.Session]
	pending    atomic.Uint64
	generation atomic.Uint64

	// failed is the previous radio when it could not be restored after a
	// failed switch. It stays the active id until another activation,
	// deactivation or its deletion.
	failed atomic.Pointer[protocol.ConnectionStatus]
}

// NewRouter creates a router with no active session
func NewRouter(store Store, cfg *config.Config, bus *events.Bus, m *metrics.Metrics, rec engine.CommandRecorder) *Router {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Router{store: store, cfg: cfg, bus: bus, metrics: m, recorder: rec}
}

// Active returns the active session or nil
func (r *Router) Active() *engine.Session {
	return r.active.Load()
}

// ActiveID returns the id of the active radio, empty when none is active.
// A radio left Failed by a switch is still reported.
func (r *Router) ActiveID() string {
	if s := r.active.Load(); s != nil {
		return s.Radio().ID
	}
	if f := r.failed.Load(); f != nil {
		return f.RadioID
	}
	return ""
}

// Accepts reports whether an event generation belongs to the active
// session or to one being activated. Everything else is stale.
func (r *Router) Accepts(generation uint64) bool {
	if generation == 0 {
		return true
	}
	if p := r.pending.Load(); p != 0 && p == generation {
		return true
	}
	s := r.active.Load()
	return s != nil && s.Generation() == generation
}

// Activate tears down the current session and connects to radio id. The
// active session only changes once the new one is Connected; on failure
// the previous radio is reconnected and remains active.
func (r *Router) Activate(ctx context.Context, id string) (protocol.RadioConfig, error) {
	r.activation.Lock()
	defer r.activation.Unlock()

	rc, err := r.store.GetRadio(id)
	if err != nil {
		return protocol.RadioConfig{}, err
	}
	if !rc.Enabled {
		return rc, fmt.Errorf("%w: radio %s is disabled", protocol.ErrConfigInvariantViolation, rc.Name)
	}

	// a request that lost the race to an identical one has nothing left to do
	prev := r.active.Load()
	if prev != nil && prev.Radio().ID == id && prev.State() == protocol.StateConnected {
		return rc, nil
	}

	if prev != nil {
		prev.Stop()
	}

	next, err := r.start(ctx, rc)
	if err != nil {
		r.metrics.Activation("failed")
		logging.Error(logging.CompSession, "Activation failed", map[string]interface{}{
			"radio": rc.Name,
			"error": err.Error(),
		})
		if prev != nil {
			r.restore(prev.Radio())
		}
		return rc, err
	}

	r.active.Store(next)
	r.pending.Store(0)
	r.failed.Store(nil)
	if err := r.store.SetActiveID(id); err != nil {
		logging.Warn(logging.CompStorage, "Failed to persist active radio", map[string]interface{}{"error": err.Error()})
	}
	r.metrics.Activation("success")
	logging.Info(logging.CompSession, "Radio activated", map[string]interface{}{
		"radio":      rc.Name,
		"generation": next.Generation(),
	})
	return rc, nil
}

func (r *Router) start(ctx context.Context, rc protocol.RadioConfig) (*engine.Session, error) {
	gen := r.generation.Add(1)
	s, err := engine.NewSession(rc, engine.Options{
		Config:     r.cfg,
		Bus:        r.bus,
		Generation: gen,
		Metrics:    r.metrics,
		Recorder:   r.recorder,
		OnState:    r.stateChanged,
	})
	if err != nil {
		return nil, err
	}

	r.pending.Store(gen)
	if err := s.Start(ctx); err != nil {
		r.pending.CompareAndSwap(gen, 0)
		return nil, err
	}
	return s, nil
}

// restore reconnects the previously active radio after a failed switch.
// The old session is stopped for good, so a fresh one is built.
func (r *Router) restore(rc protocol.RadioConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ConnectTimeout()+r.cfg.AuthTimeout())
	defer cancel()

	s, err := r.start(ctx, rc)
	if err != nil {
		logging.Error(logging.CompSession, "Failed to restore previous radio", map[string]interface{}{
			"radio": rc.Name,
			"error": err.Error(),
		})
		r.active.Store(nil)
		r.failed.Store(&protocol.ConnectionStatus{
			RadioID:   rc.ID,
			RadioName: rc.Name,
			State:     protocol.StateFailed.String(),
			Indicator: protocol.StateFailed.Indicator(),
			LastError: err.Error(),
		})
		return
	}
	r.active.Store(s)
	r.pending.Store(0)
	r.failed.Store(nil)
}

func (r *Router) stateChanged(radioID string, state protocol.ConnectionState, err error) {
	if state != protocol.StateConnected {
		return
	}
	if err := r.store.MarkConnected(radioID, time.Now()); err != nil && !errors.Is(err, protocol.ErrRadioNotFound) {
		logging.Warn(logging.CompStorage, "Failed to record connection time", map[string]interface{}{
			"radio": radioID,
			"error": err.Error(),
		})
	}
}

// Deactivate stops the active session, if any
func (r *Router) Deactivate() {
	r.activation.Lock()
	defer r.activation.Unlock()
	r.deactivateLocked()
	if err := r.store.SetActiveID(""); err != nil {
		logging.Warn(logging.CompStorage, "Failed to clear active radio", map[string]interface{}{"error": err.Error()})
	}
}

func (r *Router) deactivateLocked() {
	r.failed.Store(nil)
	if s := r.active.Swap(nil); s != nil {
		s.Stop()
		logging.Info(logging.CompSession, "Radio deactivated", map[string]interface{}{"radio": s.Radio().Name})
	}
}

// Restore activates the stored active radio, the configured one or the first
// enabled radio, in that order
func (r *Router) Restore(ctx context.Context) error {
	id := r.cfg.Radio.ActiveID
	if id == "" {
		stored, err := r.store.ActiveID()
		if err != nil {
			return err
		}
		id = stored
	}
	if id == "" {
		radios, err := r.store.ListRadios()
		if err != nil {
			return err
		}
		for _, rc := range radios {
			if rc.Enabled {
				id = rc.ID
				break
			}
		}
	}
	if id == "" {
		return ErrNoActiveRadio
	}
	_, err := r.Activate(ctx, id)
	return err
}

// Close stops the active session without forgetting which radio was active
func (r *Router) Close() {
	r.activation.Lock()
	defer r.activation.Unlock()
	r.deactivateLocked()
}

// Radios returns every configured radio
func (r *Router) Radios() ([]protocol.RadioConfig, error) {
	return r.store.ListRadios()
}

// Radio returns one radio
func (r *Router) Radio(id string) (protocol.RadioConfig, error) {
	return r.store.GetRadio(id)
}

// AddRadio validates and stores a new radio, assigning an id when missing
func (r *Router) AddRadio(rc protocol.RadioConfig) (protocol.RadioConfig, error) {
	if rc.Port == 0 {
		rc.Port = 9205
	}
	if err := ValidateRadio(rc); err != nil {
		return rc, err
	}
	if rc.ID == "" {
		rc.ID = uuid.NewString()
	}
	rc.LastConnected = nil
	if err := r.store.CreateRadio(rc); err != nil {
		return rc, err
	}
	logging.Info(logging.CompSession, "Radio added", map[string]interface{}{"radio": rc.Name, "id": rc.ID})
	return rc, nil
}

// UpdateRadio replaces a radio's settings. The active session keeps its
// connection until the radio is activated again.
func (r *Router) UpdateRadio(rc protocol.RadioConfig) (protocol.RadioConfig, error) {
	existing, err := r.store.GetRadio(rc.ID)
	if err != nil {
		return rc, err
	}
	if err := ValidateRadio(rc); err != nil {
		return rc, err
	}
	rc.LastConnected = existing.LastConnected
	if err := r.store.UpdateRadio(rc); err != nil {
		return rc, err
	}
	return rc, nil
}

// DeleteRadio removes a radio, deactivating it first when it is active.
// Removing the only radio is rejected and leaves everything unchanged.
func (r *Router) DeleteRadio(id string) error {
	r.activation.Lock()
	defer r.activation.Unlock()

	radios, err := r.store.ListRadios()
	if err != nil {
		return err
	}
	found := false
	for _, rc := range radios {
		if rc.ID == id {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", protocol.ErrRadioNotFound, id)
	}
	if len(radios) == 1 {
		return fmt.Errorf("%w: cannot delete the only configured radio", protocol.ErrConfigInvariantViolation)
	}

	if r.ActiveID() == id {
		r.deactivateLocked()
	}
	return r.store.DeleteRadio(id)
}

// Status summarises the router for the status API
func (r *Router) Status() protocol.Status {
	st := protocol.Status{
		Connection: protocol.ConnectionStatus{
			State:     protocol.StateIdle.String(),
			Indicator: protocol.StateIdle.Indicator(),
		},
	}
	if s := r.active.Load(); s != nil {
		st.ActiveRadio = s.Radio().ID
		st.Connection = s.ConnectionStatus()
		st.PTT = s.PTTActive()
		st.AudioMode = s.AudioMode().Encoding
	} else if f := r.failed.Load(); f != nil {
		st.ActiveRadio = f.RadioID
		st.Connection = *f
	}
	return st
}
