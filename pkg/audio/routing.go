package audio

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dougsko/k4d/pkg/config"
)

// Routing picks what each output channel carries, written left.right where
// a is the main receiver, b the sub receiver, ab their average and -a the
// inverted main receiver
type Routing string

const (
	RouteAB       Routing = "a.b"
	RouteMix      Routing = "ab.ab"
	RouteBinaural Routing = "a.-a"
	RouteAMix     Routing = "a.ab"
	RouteMixB     Routing = "ab.b"
	RouteMixA     Routing = "ab.a"
	RouteBMix     Routing = "b.ab"
	RouteBB       Routing = "b.b"
	RouteBA       Routing = "b.a"
	RouteAA       Routing = "a.a"
)

// Routings lists every supported pattern
var Routings = []Routing{RouteAB, RouteMix, RouteBinaural, RouteAMix, RouteMixB, RouteMixA, RouteBMix, RouteBB, RouteBA, RouteAA}

// ParseRouting validates a routing pattern
func ParseRouting(s string) (Routing, error) {
	r := Routing(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Routings {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown audio routing %q", s)
}

func pick(sel string, main, sub float32) float32 {
	switch sel {
	case "a":
		return main
	case "b":
		return sub
	case "ab":
		return (main + sub) / 2
	case "-a":
		return -main
	default:
		return main
	}
}

// Route returns the left and right samples for one main/sub sample pair
func Route(r Routing, main, sub float32) (left, right float32) {
	l, rt, ok := strings.Cut(string(r), ".")
	if !ok {
		return main, sub
	}
	return pick(l, main, sub), pick(rt, main, sub)
}

// RoutingState is an immutable snapshot of the listener's audio settings.
// Volumes are 0-100.
type RoutingState struct {
	SubEnabled   bool    `json:"sub_enabled"`
	Routing      Routing `json:"audio_routing"`
	MainVolume   int     `json:"main_volume"`
	SubVolume    int     `json:"sub_volume"`
	MasterVolume int     `json:"master_volume"`
}

// MainGain maps the main volume to a multiplier, 100 => 2.0
func (s RoutingState) MainGain() float32 { return float32(s.MainVolume) / 100 * 2 }

// SubGain maps the sub volume to a multiplier, 100 => 2.0
func (s RoutingState) SubGain() float32 { return float32(s.SubVolume) / 100 * 2 }

// MasterGain maps the master volume to a multiplier, 100 => 3.0
func (s RoutingState) MasterGain() float32 { return float32(s.MasterVolume) / 100 * 3 }

// DefaultRoutingState builds the startup snapshot from configuration
func DefaultRoutingState(cfg *config.Config) RoutingState {
	r, err := ParseRouting(cfg.Audio.Routing)
	if err != nil {
		r = RouteAB
	}
	return RoutingState{
		SubEnabled:   cfg.Audio.SubEnabled,
		Routing:      r,
		MainVolume:   cfg.Audio.MainVolume,
		SubVolume:    cfg.Audio.SubVolume,
		MasterVolume: cfg.Audio.MasterVolume,
	}
}

// Controls holds the authoritative routing state of one session. Readers
// load the current snapshot without locking; writers publish a new one.
type Controls struct {
	mu      sync.Mutex
	current atomic.Pointer[RoutingState]
}

// NewControls creates controls starting at the given state
func NewControls(initial RoutingState) *Controls {
	c := &Controls{}
	c.current.Store(&initial)
	return c
}

// Load returns the current snapshot
func (c *Controls) Load() RoutingState {
	return *c.current.Load()
}

func (c *Controls) update(fn func(*RoutingState) error) (RoutingState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := *c.current.Load()
	if err := fn(&next); err != nil {
		return *c.current.Load(), err
	}
	c.current.Store(&next)
	return next, nil
}

func checkVolume(name string, v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%s must be 0-100, got %d", name, v)
	}
	return nil
}

// SetMainVolume sets the main receiver volume
func (c *Controls) SetMainVolume(v int) (RoutingState, error) {
	return c.update(func(s *RoutingState) error {
		if err := checkVolume("main volume", v); err != nil {
			return err
		}
		s.MainVolume = v
		return nil
	})
}

// SetSubVolume sets the sub receiver volume
func (c *Controls) SetSubVolume(v int) (RoutingState, error) {
	return c.update(func(s *RoutingState) error {
		if err := checkVolume("sub volume", v); err != nil {
			return err
		}
		s.SubVolume = v
		return nil
	})
}

// SetMasterVolume sets the output volume applied after routing
func (c *Controls) SetMasterVolume(v int) (RoutingState, error) {
	return c.update(func(s *RoutingState) error {
		if err := checkVolume("master volume", v); err != nil {
			return err
		}
		s.MasterVolume = v
		return nil
	})
}

// SetSubEnabled turns sub receiver audio on or off
func (c *Controls) SetSubEnabled(on bool) (RoutingState, error) {
	return c.update(func(s *RoutingState) error {
		s.SubEnabled = on
		return nil
	})
}

// SetRouting changes the routing pattern
func (c *Controls) SetRouting(pattern string) (RoutingState, error) {
	return c.update(func(s *RoutingState) error {
		r, err := ParseRouting(pattern)
		if err != nil {
			return err
		}
		s.Routing = r
		return nil
	})
}

// Apply routes one interleaved radio block (even main, odd sub) into an
// interleaved left/right block, applying every gain. out may alias in.
func (s RoutingState) Apply(in, out []float32) []float32 {
	n := len(in) / 2
	if cap(out) < n*2 {
		out = make([]float32, n*2)
	}
	out = out[:n*2]

	mg, sg, master := s.MainGain(), s.SubGain(), s.MasterGain()
	var peak float32
	for i := 0; i < n; i++ {
		main := in[2*i] * mg
		sub := in[2*i+1] * sg
		if !s.SubEnabled {
			sub = main
		}
		l, r := Route(s.Routing, main, sub)
		l, r = l*master, r*master
		out[2*i], out[2*i+1] = l, r
		peak = maxAbs(peak, l, r)
	}

	// scale a clipping block back into range
	if peak > 1 {
		for i := range out {
			out[i] /= peak
		}
	}
	return out
}

func maxAbs(m float32, vals ...float32) float32 {
	for _, v := range vals {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}
