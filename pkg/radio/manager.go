package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/dougsko/k4d/pkg/config"
	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/metrics"
	"github.com/dougsko/k4d/pkg/protocol"
	"github.com/dougsko/k4d/pkg/verbose"
)

var (
	pingFrame = protocol.EncodeCAT("PING;")
	readyCmd  = protocol.EncodeCAT("RDY;")
	rxCmd     = protocol.EncodeCAT("RX;")
)

// Options tune the connection lifecycle
type Options struct {
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
	KeepAlive      time.Duration
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	WriteQueue     int

	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
}

// DefaultOptions returns the options of a default configuration
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig extracts the radio section of the configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ConnectTimeout:    cfg.ConnectTimeout(),
		AuthTimeout:       cfg.AuthTimeout(),
		KeepAlive:         cfg.KeepAliveInterval(),
		IdleTimeout:       cfg.IdleTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		WriteQueue:        cfg.Radio.WriteQueue,
		ReconnectInitial:  time.Duration(cfg.Radio.ReconnectInitial) * time.Millisecond,
		ReconnectMax:      time.Duration(cfg.Radio.ReconnectMaxInterval) * time.Millisecond,
		ReconnectAttempts: cfg.Radio.ReconnectAttempts,
	}
}

// Handler receives everything the connection produces. Both methods are
// called from connection goroutines and must not block for long.
type Handler interface {
	HandleFrame(frame protocol.Frame)
	HandleState(state protocol.ConnectionState, err error)
}

// HandlerFuncs adapts plain functions to Handler; nil fields are skipped
type HandlerFuncs struct {
	OnFrame func(protocol.Frame)
	OnState func(protocol.ConnectionState, error)
}

// HandleFrame calls OnFrame
func (h HandlerFuncs) HandleFrame(f protocol.Frame) {
	if h.OnFrame != nil {
		h.OnFrame(f)
	}
}

// HandleState calls OnState
func (h HandlerFuncs) HandleState(s protocol.ConnectionState, err error) {
	if h.OnState != nil {
		h.OnState(s, err)
	}
}

type writeReq struct {
	data  []byte
	done  chan struct{}
	final bool // nothing is written after this request
}

// Manager owns the TCP session to one radio: dial, authentication, the
// read loop feeding the parser, a single writer and the reconnect policy.
type Manager struct {
	radio   protocol.RadioConfig
	opts    Options
	handler Handler
	metrics *metrics.Metrics
	idleLog *logging.Sampler

	mu        sync.Mutex
	state     protocol.ConnectionState
	lastErr   error
	writes    chan writeReq
	runCtx    context.Context
	runCancel context.CancelFunc
	explicit  bool

	// loops tracks every connection supervisor so Disconnect can wait for them
	loops sync.WaitGroup
}

// NewManager creates an idle manager; m may be nil
func NewManager(radio protocol.RadioConfig, opts Options, h Handler, m *metrics.Metrics) *Manager {
	if h == nil {
		h = HandlerFuncs{}
	}
	if opts.WriteQueue < 1 {
		opts.WriteQueue = 64
	}
	return &Manager{
		radio:   radio,
		opts:    opts,
		handler: h,
		metrics: m,
		idleLog: logging.Every(6),
	}
}

// Radio returns the configuration the manager dials
func (m *Manager) Radio() protocol.RadioConfig {
	return m.radio
}

// State returns the current connection state
func (m *Manager) State() protocol.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error behind the most recent failure, if any
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect dials and authenticates, returning once the radio has sent its
// first frame. A failed first attempt does not start the reconnect policy.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.runCancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("connection to %s already started", m.radio.Address())
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.runCtx, m.runCancel = runCtx, cancel
	m.explicit = false
	m.mu.Unlock()

	dialCtx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(runCtx, stop)
	defer unlink()

	if err := m.establish(dialCtx); err != nil {
		cancel()
		m.mu.Lock()
		m.runCancel = nil
		explicit := m.explicit
		m.mu.Unlock()
		if !explicit {
			m.setState(protocol.StateFailed, err)
		}
		return err
	}
	return nil
}

// Disconnect sends RX; so the radio never stays keyed, closes the socket,
// cancels any pending reconnect and waits for every loop to exit.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.explicit = true
	cancel := m.runCancel
	m.runCancel = nil
	writes := m.writes
	connected := m.state == protocol.StateConnected
	m.mu.Unlock()

	if connected && writes != nil {
		req := writeReq{data: rxCmd, done: make(chan struct{}), final: true}
		timer := time.NewTimer(m.opts.WriteTimeout)
		select {
		case writes <- req:
			select {
			case <-req.done:
			case <-timer.C:
			}
		case <-timer.C:
		}
		timer.Stop()
	}

	if cancel != nil {
		cancel()
	}
	m.loops.Wait()

	m.mu.Lock()
	m.writes = nil
	m.mu.Unlock()
	m.setState(protocol.StateIdle, nil)
	logging.Info(logging.CompRadio, "Disconnected", map[string]interface{}{"radio": m.radio.Name})
}

// Write queues framed bytes for the writer, waiting up to the write timeout
// for queue space
func (m *Manager) Write(ctx context.Context, data []byte) error {
	writes, err := m.queue()
	if err != nil {
		return err
	}
	timer := time.NewTimer(m.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case writes <- writeReq{data: data}:
		return nil
	case <-timer.C:
		return fmt.Errorf("write queue to %s full", m.radio.Name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryWrite queues data only if there is room, for traffic that should be
// dropped rather than delayed
func (m *Manager) TryWrite(data []byte) bool {
	writes, err := m.queue()
	if err != nil {
		return false
	}
	select {
	case writes <- writeReq{data: data}:
		return true
	default:
		return false
	}
}

func (m *Manager) queue() (chan writeReq, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != protocol.StateConnected || m.writes == nil {
		return nil, protocol.ErrNotConnected
	}
	return m.writes, nil
}

func (m *Manager) setState(state protocol.ConnectionState, err error) {
	m.mu.Lock()
	m.state = state
	if err != nil {
		m.lastErr = err
	} else if state == protocol.StateConnected {
		m.lastErr = nil
	}
	m.mu.Unlock()

	m.metrics.ConnectionState(int(state))
	m.handler.HandleState(state, err)
}

// establish runs one dial + authentication attempt and starts the loops
func (m *Manager) establish(ctx context.Context) error {
	addr := m.radio.Address()
	m.setState(protocol.StateConnecting, nil)
	logging.Info(logging.CompRadio, "Connecting", map[string]interface{}{"radio": m.radio.Name, "address": addr})

	dialer := net.Dialer{Timeout: m.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyDialError(addr, err)
	}

	m.setState(protocol.StateAuthenticating, nil)
	parser := protocol.NewParser()
	first, err := m.authenticate(ctx, conn, parser)
	if err != nil {
		conn.Close()
		return err
	}

	// Registering with loops under the lock orders this against Disconnect
	writes := make(chan writeReq, m.opts.WriteQueue)
	m.mu.Lock()
	runCtx := m.runCtx
	if m.explicit || runCtx == nil || runCtx.Err() != nil {
		m.mu.Unlock()
		conn.Close()
		return context.Canceled
	}
	m.writes = writes
	m.loops.Add(1)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	closeOnCancel := context.AfterFunc(gctx, func() { conn.Close() })

	m.setState(protocol.StateConnected, nil)
	logging.Info(logging.CompRadio, "Connected", map[string]interface{}{"radio": m.radio.Name, "address": addr})
	for _, f := range first {
		m.dispatch(f)
	}

	g.Go(func() error { return m.readLoop(gctx, conn, parser) })
	g.Go(func() error { return m.writeLoop(gctx, conn, writes) })
	g.Go(func() error { return m.keepAlive(gctx, writes) })

	go func() {
		defer m.loops.Done()
		err := g.Wait()
		closeOnCancel()
		conn.Close()
		m.connectionLost(err)
	}()
	return nil
}

// authenticate sends the password token and RDY; then waits for the first
// complete frame. The K4 answers a bad password by closing the socket.
func (m *Manager) authenticate(ctx context.Context, conn net.Conn, parser *protocol.Parser) ([]protocol.Frame, error) {
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	if m.radio.Password != "" {
		if _, err := conn.Write(protocol.AuthToken(m.radio.Password)); err != nil {
			return nil, fmt.Errorf("%w: sending token: %v", protocol.ErrAuthenticationFailed, err)
		}
	}
	if _, err := conn.Write(readyCmd); err != nil {
		return nil, fmt.Errorf("%w: sending RDY: %v", protocol.ErrAuthenticationFailed, err)
	}

	conn.SetReadDeadline(time.Now().Add(m.opts.AuthTimeout))
	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if frames := parser.Feed(buf[:n]); len(frames) > 0 {
				conn.SetDeadline(time.Time{})
				return frames, nil
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, fmt.Errorf("%w: no response from %s within %v", protocol.ErrConnectionTimeout, m.radio.Address(), m.opts.AuthTimeout)
			}
			return nil, fmt.Errorf("%w: %s closed the connection: %v", protocol.ErrAuthenticationFailed, m.radio.Address(), err)
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn net.Conn, parser *protocol.Parser) error {
	parser.OnDesync = func(err error) {
		m.metrics.Desync()
		logging.Warn(logging.CompRadio, "Resynchronising stream", map[string]interface{}{"error": err.Error()})
	}

	buf := make([]byte, 64*1024)
	for {
		conn.SetReadDeadline(time.Now().Add(m.opts.IdleTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			verbose.Hex(verbose.Network, "RX", buf[:n], 32)
			for _, f := range parser.Feed(buf[:n]) {
				m.dispatch(f)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if m.idleLog.Allow() {
					logging.Warn(logging.CompRadio, "No data from radio", map[string]interface{}{
						"radio": m.radio.Name,
						"idle":  m.opts.IdleTimeout.String(),
					})
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("radio closed the connection")
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (m *Manager) writeLoop(ctx context.Context, conn net.Conn, writes <-chan writeReq) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-writes:
			conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
			_, err := conn.Write(req.data)
			if req.done != nil {
				close(req.done)
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("write: %w", err)
			}
			verbose.Hex(verbose.Network, "TX", req.data, 32)
			if req.final {
				return nil
			}
		}
	}
}

func (m *Manager) keepAlive(ctx context.Context, writes chan<- writeReq) error {
	if m.opts.KeepAlive <= 0 {
		return nil
	}
	ticker := time.NewTicker(m.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case writes <- writeReq{data: pingFrame}:
			default:
			}
		}
	}
}

// dispatch hands a frame to the handler; a panic while handling one frame is
// logged and the stream continues
func (m *Manager) dispatch(f protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(logging.CompRadio, "Frame handler failed", map[string]interface{}{
				"kind":  f.Kind.String(),
				"panic": fmt.Sprint(r),
			})
		}
	}()
	m.metrics.Frame(f.Kind.String())
	m.handler.HandleFrame(f)
}

// connectionLost runs after every loop of a connection has exited
func (m *Manager) connectionLost(cause error) {
	m.mu.Lock()
	m.writes = nil
	explicit := m.explicit
	runCtx := m.runCtx
	m.mu.Unlock()

	if explicit || runCtx == nil || runCtx.Err() != nil {
		return
	}
	if cause == nil {
		cause = errors.New("connection closed")
	}
	logging.Warn(logging.CompRadio, "Connection lost", map[string]interface{}{
		"radio": m.radio.Name,
		"error": cause.Error(),
	})
	m.reconnect(runCtx, cause)
}

// reconnect retries with exponential backoff. No lock is held while waiting.
func (m *Manager) reconnect(ctx context.Context, cause error) {
	m.setState(protocol.StateReconnecting, cause)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.ReconnectInitial
	policy.MaxInterval = m.opts.ReconnectMax
	policy.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(policy, uint64(m.opts.ReconnectAttempts))
	b.Reset()

	lastErr := cause
	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			m.mu.Lock()
			cancel := m.runCancel
			m.runCancel = nil
			m.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			m.setState(protocol.StateFailed, lastErr)
			logging.Error(logging.CompRadio, "Giving up on radio", map[string]interface{}{
				"radio":    m.radio.Name,
				"attempts": attempt - 1,
				"error":    lastErr.Error(),
			})
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.metrics.Reconnect()
		err := m.establish(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		m.setState(protocol.StateReconnecting, err)
		logging.Warnf(logging.CompRadio, "Reconnect attempt %d failed: %v", attempt, err)
	}
}

func classifyDialError(addr string, err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %s", protocol.ErrConnectionRefused, addr)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: dialing %s", protocol.ErrConnectionTimeout, addr)
	}
	return fmt.Errorf("failed to connect to %s: %w", addr, err)
}
