// Package gateway serves UI clients over websockets. Each client gets a
// read loop and a write loop; session events are fanned out to every
// client and client intents are forwarded to the active session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/dougsko/k4d/pkg/audio"
	"github.com/dougsko/k4d/pkg/config"
	"github.com/dougsko/k4d/pkg/engine"
	"github.com/dougsko/k4d/pkg/events"
	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/metrics"
	"github.com/dougsko/k4d/pkg/panadapter"
	"github.com/dougsko/k4d/pkg/protocol"
)

// commandTimeout bounds how long one client intent may wait on the radio
const commandTimeout = 3 * time.Second

// Sessions is the view of the session router the gateway needs
type Sessions interface {
	Active() *engine.Session
	Accepts(generation uint64) bool
}

// Gateway is the websocket hub
type Gateway struct {
	sessions Sessions
	bus      *events.Bus
	metrics  *metrics.Metrics
	queue    int
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	clients map[string]*client

	dropLog  *logging.Sampler
	audioLog *logging.Sampler
}

// New creates a gateway. Run must be started for events to reach clients.
func New(sessions Sessions, bus *events.Bus, m *metrics.Metrics, cfg *config.Config) *Gateway {
	queue := 256
	if cfg != nil && cfg.Web.ClientQueue > 0 {
		queue = cfg.Web.ClientQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		sessions: sessions,
		bus:      bus,
		metrics:  m,
		queue:    queue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16384,
			CheckOrigin: func(r *http.Request) bool {
				return true // UI may be served from another origin
			},
		},
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[string]*client),
		dropLog:  logging.Every(500),
		audioLog: logging.Every(200),
	}
}

// Run fans bus events out to clients until ctx is cancelled or the
// gateway is closed
func (g *Gateway) Run(ctx context.Context) error {
	sub := g.bus.Subscribe(1024)
	defer sub.Close()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			g.dispatch(ev)
		case <-ctx.Done():
			return ctx.Err()
		case <-g.ctx.Done():
			return nil
		}
	}
}

// Close disconnects every client
func (g *Gateway) Close() {
	g.cancel()
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.clients {
		c.close()
	}
}

// Clients returns the number of connected clients
func (g *Gateway) Clients() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// ServeHTTP upgrades the request and serves the client until it leaves
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnf(logging.CompGateway, "WebSocket upgrade failed: %v", err)
		return
	}

	c := newClient(uuid.NewString(), conn, g, g.queue)
	g.register(c, r.RemoteAddr)
	defer g.unregister(c)

	g.welcome(c)

	grp, gctx := errgroup.WithContext(g.ctx)
	grp.Go(func() error { return c.writeLoop(gctx) })
	grp.Go(func() error { return c.readLoop(gctx) })
	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logging.Debug(logging.CompGateway, "Client loop ended", map[string]interface{}{
			"client": c.id,
			"error":  err.Error(),
		})
	}
}

func (g *Gateway) register(c *client, remote string) {
	g.mu.Lock()
	g.clients[c.id] = c
	n := len(g.clients)
	g.mu.Unlock()

	g.metrics.Clients(n)
	logging.Info(logging.CompGateway, "Client connected", map[string]interface{}{
		"client":  c.id,
		"remote":  remote,
		"clients": n,
	})
}

func (g *Gateway) unregister(c *client) {
	c.close()

	g.mu.Lock()
	delete(g.clients, c.id)
	n := len(g.clients)
	g.mu.Unlock()

	if s := g.sessions.Active(); s != nil {
		s.ClientGone(c.id)
	}

	g.metrics.Clients(n)
	logging.Info(logging.CompGateway, "Client disconnected", map[string]interface{}{
		"client":   c.id,
		"clients":  n,
		"dropped":  c.dropped.Load(),
		"duration": time.Since(c.joined).Round(time.Second).String(),
	})
}

// welcome sends a joining client the current state
func (g *Gateway) welcome(c *client) {
	s := g.sessions.Active()
	if s == nil {
		c.push(protocol.MsgConnectionStatus, protocol.ConnectionStatus{
			State:     protocol.StateIdle.String(),
			Indicator: protocol.StateIdle.Indicator(),
		})
		return
	}

	c.push(protocol.MsgConnectionStatus, s.ConnectionStatus())
	c.push(protocol.MsgAudioMode, s.AudioMode())
	c.push(protocol.MsgAudioSettings, settingsMessage{Settings: s.AudioSettings()})

	spectrum := s.Spectrum()
	if b, ok := spectrum.Boundary(); ok {
		c.push(protocol.MsgBoundaryUpdate, b)
	}
	for _, m := range filterMessages(spectrum.Filters()) {
		c.push(protocol.MsgFilterUpdate, m)
	}
	c.push(protocol.MsgWaterfall, waterfallMessage{Lines: spectrum.History()})
}

// handleText processes one text message. It returns false when the
// client asked to disconnect.
func (g *Gateway) handleText(ctx context.Context, c *client, data []byte) bool {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		c.reply(protocol.NewErrorResponse(protocol.MsgError, err.Error()))
		return true
	}
	if msg.Type == protocol.MsgDisconnect {
		return false
	}

	s := g.sessions.Active()
	if s == nil {
		c.reply(protocol.NewErrorResponse(protocol.MsgError, "no active radio"))
		return true
	}

	reqCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	c.reply(s.HandleClientMessage(reqCtx, c.id, msg))
	return true
}

// handleAudio forwards one microphone block to the active session
func (g *Gateway) handleAudio(c *client, data []byte) {
	s := g.sessions.Active()
	if s == nil {
		return
	}
	if err := s.PushAudio(c.id, data); err != nil && g.audioLog.Allow() {
		logging.Debug(logging.CompGateway, "Dropped client audio", map[string]interface{}{
			"client": c.id,
			"error":  err.Error(),
			"count":  g.audioLog.Count(),
		})
	}
}

// dispatch encodes an event once and queues it on every client
func (g *Gateway) dispatch(ev events.Event) {
	if !g.sessions.Accepts(ev.Generation) {
		return
	}
	msgs, err := encodeEvent(ev)
	if err != nil {
		logging.Warnf(logging.CompGateway, "failed to encode %s event: %v", ev.Kind, err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.clients {
		for _, m := range msgs {
			if c.enqueue(m) {
				continue
			}
			if m.kind == websocket.BinaryMessage {
				g.metrics.AudioOverrun("client")
			}
			if g.dropLog.Allow() {
				logging.Warn(logging.CompGateway, "Client queue full, dropping messages", map[string]interface{}{
					"client":  c.id,
					"dropped": c.dropped.Load(),
				})
			}
		}
	}
}

type settingsMessage struct {
	Settings interface{} `json:"settings"`
}

type filterMessage struct {
	VFO    string                  `json:"vfo"`
	Filter panadapter.FilterValues `json:"filter_data"`
}

type waterfallMessage struct {
	Lines []panadapter.Line `json:"lines"`
}

var eventTypes = map[events.Kind]string{
	events.KindCAT:        protocol.MsgCAT,
	events.KindConnection: protocol.MsgConnectionStatus,
	events.KindSpectrum:   protocol.MsgSpectrum,
	events.KindBoundary:   protocol.MsgBoundaryUpdate,
	events.KindAudioMode:  protocol.MsgAudioMode,
}

// encodeEvent turns a session event into the messages sent to clients
func encodeEvent(ev events.Event) ([]outbound, error) {
	switch ev.Kind {
	case events.KindAudio:
		f, ok := ev.Payload.(audio.Frame)
		if !ok {
			return nil, fmt.Errorf("unexpected audio payload %T", ev.Payload)
		}
		return []outbound{{kind: websocket.BinaryMessage, data: f.Bytes()}}, nil

	case events.KindSettings:
		data, err := encode(protocol.MsgAudioSettings, settingsMessage{Settings: ev.Payload})
		if err != nil {
			return nil, err
		}
		return []outbound{text(data)}, nil

	case events.KindFilter:
		update, ok := ev.Payload.(map[string]panadapter.FilterValues)
		if !ok {
			return nil, fmt.Errorf("unexpected filter payload %T", ev.Payload)
		}
		var out []outbound
		for _, m := range filterMessages(update) {
			data, err := encode(protocol.MsgFilterUpdate, m)
			if err != nil {
				return nil, err
			}
			out = append(out, text(data))
		}
		return out, nil

	case events.KindPTT:
		data, _ := ev.Payload.(map[string]interface{})
		resp := protocol.NewSuccessResponse(protocol.MsgPTTResponse, data)
		b, err := json.Marshal(resp)
		if err != nil {
			return nil, err
		}
		return []outbound{text(b)}, nil
	}

	msgType, ok := eventTypes[ev.Kind]
	if !ok {
		return nil, nil
	}
	data, err := encode(msgType, ev.Payload)
	if err != nil {
		return nil, err
	}
	return []outbound{text(data)}, nil
}

func filterMessages(update map[string]panadapter.FilterValues) []filterMessage {
	vfos := make([]string, 0, len(update))
	for vfo := range update {
		vfos = append(vfos, vfo)
	}
	sort.Strings(vfos)

	out := make([]filterMessage, 0, len(vfos))
	for _, vfo := range vfos {
		out = append(out, filterMessage{VFO: vfo, Filter: update[vfo]})
	}
	return out
}

func text(data []byte) outbound {
	return outbound{kind: websocket.TextMessage, data: data}
}

// encode marshals payload as a flat JSON object carrying a "type" field.
// Payloads that are not objects are wrapped under "data".
func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return json.Marshal(map[string]interface{}{"type": msgType, "data": payload})
	}
	t, err := json.Marshal(msgType)
	if err != nil {
		return nil, err
	}
	fields["type"] = t
	return json.Marshal(fields)
}
