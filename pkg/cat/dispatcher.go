package cat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dougsko/k4d/pkg/events"
	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/metrics"
	"github.com/dougsko/k4d/pkg/protocol"
	"github.com/dougsko/k4d/pkg/verbose"
)

// Writer sends framed bytes to the radio
type Writer interface {
	Write(ctx context.Context, data []byte) error
}

// Message is the payload published for every decoded Text frame
type Message struct {
	Text    string                 `json:"text"`
	Updates map[string]interface{} `json:"updates"`
	List    []Update               `json:"-"`
}

// initialQueries pull the radio's current state after connect, in order
var initialQueries = []Invocation{
	Get("FA", VFOMain), Get("FB", VFOMain),
	Get("MD", VFOMain), Get("MD", VFOSub),
	Get("BW", VFOMain), Get("BW", VFOSub),
	Get("IS", VFOMain), Get("IS", VFOSub),
	Get("FP", VFOMain), Get("FP", VFOSub),
	Get("NB", VFOMain), Get("NB", VFOSub),
	Get("NR", VFOMain), Get("NR", VFOSub),
	Get("SB", VFOMain),
	Get("#SPN", VFOMain), Get("#REF", VFOMain), Get("#AVG", VFOMain),
	Get("AG", VFOMain), Get("AG", VFOSub),
	Get("PC", VFOMain),
	Get("SQ", VFOMain), Get("SQ", VFOSub),
}

// Dispatcher validates and writes outgoing commands and decodes incoming
// Text frames. Sends never wait for a reply.
type Dispatcher struct {
	registry *Registry
	writer   Writer
	pub      *events.Publisher
	metrics  *metrics.Metrics
	unknown  *logging.Sampler
}

// NewDispatcher creates a dispatcher; pub and m may be nil
func NewDispatcher(reg *Registry, w Writer, pub *events.Publisher, m *metrics.Metrics) *Dispatcher {
	if reg == nil {
		reg = DefaultRegistry
	}
	return &Dispatcher{
		registry: reg,
		writer:   w,
		pub:      pub,
		metrics:  m,
		unknown:  logging.Every(50),
	}
}

// Registry returns the registry in use
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Send validates, encodes and writes one invocation
func (d *Dispatcher) Send(ctx context.Context, inv Invocation) (string, error) {
	text, err := d.encode(inv)
	if err != nil {
		return "", err
	}
	return text, d.write(ctx, text)
}

// SendAll encodes every invocation before writing any of them, so one bad
// value leaves the socket untouched
func (d *Dispatcher) SendAll(ctx context.Context, invs ...Invocation) (string, error) {
	var b strings.Builder
	for _, inv := range invs {
		text, err := d.encode(inv)
		if err != nil {
			return "", err
		}
		b.WriteString(text)
	}
	if b.Len() == 0 {
		return "", nil
	}
	return b.String(), d.write(ctx, b.String())
}

// SendRaw parses client text like "FA00014074000;MD2;" and sends it
func (d *Dispatcher) SendRaw(ctx context.Context, raw string) (string, error) {
	invs, err := d.registry.ParseCommands(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownCommand) {
			d.metrics.UnknownCommand()
		}
		return "", err
	}
	return d.SendAll(ctx, invs...)
}

// Startup configures the protocol session and queries the radio's state.
// Only session settings are written; radio parameters are read, never pushed.
func (d *Dispatcher) Startup(ctx context.Context, mode protocol.AudioMode) error {
	setup := []Invocation{
		Set("K4", VFOMain, "1"),
		Set("EM", VFOMain, strconv.Itoa(int(mode))),
		Set("AI", VFOMain, "4"),
		Set("ER", VFOMain, "1"),
	}
	for _, inv := range append(setup, initialQueries...) {
		if _, err := d.Send(ctx, inv); err != nil {
			return fmt.Errorf("startup %s: %w", inv.Mnemonic, err)
		}
	}
	logging.Info(logging.CompCAT, "Startup queries sent", map[string]interface{}{
		"queries": len(initialQueries),
		"mode":    mode.String(),
	})
	return nil
}

// Handle decodes a Text frame, publishes the result and returns the updates
func (d *Dispatcher) Handle(text string) []Update {
	verbose.Printf(verbose.CAT, "RX: %s", text)

	updates, unknown := d.registry.Decode(text)
	for _, cmd := range unknown {
		d.metrics.UnknownCommand()
		if d.unknown.Allow() {
			logging.Debug(logging.CompCAT, "Unknown command dropped", map[string]interface{}{
				"command": cmd,
				"seen":    d.unknown.Count(),
			})
		}
	}

	if d.pub != nil {
		d.pub.Publish(events.KindCAT, Message{Text: text, Updates: Updates(updates), List: updates})
	}
	return updates
}

func (d *Dispatcher) encode(inv Invocation) (string, error) {
	text, err := d.registry.Encode(inv)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrInvalidCommandValue):
			d.metrics.InvalidValue()
		case errors.Is(err, protocol.ErrUnknownCommand):
			d.metrics.UnknownCommand()
		}
		logging.Warn(logging.CompCAT, "Command rejected", map[string]interface{}{
			"mnemonic": inv.Mnemonic,
			"value":    inv.Value,
			"error":    err.Error(),
		})
		return "", err
	}
	return text, nil
}

func (d *Dispatcher) write(ctx context.Context, text string) error {
	if d.writer == nil {
		return protocol.ErrNotConnected
	}
	if err := d.writer.Write(ctx, protocol.EncodeCAT(text)); err != nil {
		return fmt.Errorf("failed to write %s: %w", text, err)
	}
	d.metrics.CommandSent()
	verbose.Printf(verbose.CAT, "TX: %s", text)
	return nil
}
