package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dougsko/k4d/pkg/audio"
	"github.com/dougsko/k4d/pkg/cat"
	"github.com/dougsko/k4d/pkg/config"
	"github.com/dougsko/k4d/pkg/events"
	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/metrics"
	"github.com/dougsko/k4d/pkg/panadapter"
	"github.com/dougsko/k4d/pkg/protocol"
	"github.com/dougsko/k4d/pkg/radio"
)

// startupTimeout bounds the setup writes after a (re)connect
const startupTimeout = 5 * time.Second

// CommandRecorder stores CAT commands sent on behalf of clients
type CommandRecorder interface {
	RecordCommand(radioID, clientID, command string) error
}

// Options wires a session into the rest of the daemon
type Options struct {
	Config     *config.Config
	Bus        *events.Bus
	Generation uint64
	Metrics    *metrics.Metrics
	Recorder   CommandRecorder
	// OnState is called after every connection state change
	OnState func(radioID string, state protocol.ConnectionState, err error)
}

// AudioSettings is broadcast whenever a client changes the audio controls
type AudioSettings struct {
	audio.RoutingState
	MicGain int `json:"mic_gain"`
}

// AudioModeInfo describes the RX/TX audio encoding in use
type AudioModeInfo struct {
	Mode     int    `json:"mode"`
	Encoding string `json:"encoding"`
	Opus     bool   `json:"opus_available"`
}

// Session is one connection to one radio together with everything that
// consumes its frames. A session is started once and stopped once; the
// router builds a new one, with a new generation, for every activation.
type Session struct {
	cfg       *config.Config
	radio     protocol.RadioConfig
	pub       *events.Publisher
	metrics   *metrics.Metrics
	recorder  CommandRecorder
	onState   func(string, protocol.ConnectionState, error)
	mode      protocol.AudioMode
	startTime time.Time

	manager    *radio.Manager
	dispatcher *cat.Dispatcher
	controls   *audio.Controls
	rx         *audio.RX
	tx         *audio.TX
	rxMonitor  *audio.LevelMonitor
	txMonitor  *audio.LevelMonitor
	spectrum   *panadapter.Processor

	mu      sync.Mutex
	running bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	frameLog *logging.Sampler
}

// NewSession creates an idle session for rc
func NewSession(rc protocol.RadioConfig, opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	mode := audio.EffectiveMode(protocol.AudioMode(cfg.Audio.EncodeMode))
	if mode != protocol.AudioMode(cfg.Audio.EncodeMode) {
		logging.Warn(logging.CompAudio, "Opus not available, using raw 16 bit audio", map[string]interface{}{
			"requested": protocol.AudioMode(cfg.Audio.EncodeMode).String(),
		})
	}
	encoder, err := audio.NewEncoder(mode, cfg.Audio.OpusBitrate, cfg.Audio.OpusComplexity)
	if err != nil {
		return nil, fmt.Errorf("failed to create TX encoder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		radio:     rc,
		pub:       events.NewPublisher(opts.Bus, rc.ID, opts.Generation),
		metrics:   opts.Metrics,
		recorder:  opts.Recorder,
		onState:   opts.OnState,
		mode:      mode,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		frameLog:  logging.Every(100),
	}

	s.controls = audio.NewControls(audio.DefaultRoutingState(cfg))
	s.rxMonitor = audio.NewLevelMonitor(audio.RadioSampleRate, cfg.Audio.MonitorFFTSize)
	s.txMonitor = audio.NewLevelMonitor(audio.RadioSampleRate, cfg.Audio.MonitorFFTSize)
	s.rx = audio.NewRX(s.controls, cfg.Audio.RXQueueDepth, s.rxMonitor, s.metrics)
	s.spectrum = panadapter.NewProcessor(panadapter.OptionsFromConfig(cfg), s.pub, s.metrics)

	s.manager = radio.NewManager(rc, radio.OptionsFromConfig(cfg), radio.HandlerFuncs{
		OnFrame: s.handleFrame,
		OnState: s.handleState,
	}, s.metrics)
	s.dispatcher = cat.NewDispatcher(cat.DefaultRegistry, s.manager, s.pub, s.metrics)

	s.tx = audio.NewTX(audio.TXOptions{
		InputSampleRate: cfg.Audio.InputSampleRate,
		MicGain:         cfg.Audio.MicGain,
		Timeout:         cfg.PTTTimeout(),
		Encoder:         encoder,
		Send:            s.manager.TryWrite,
		OnTimeout:       s.pttTimedOut,
		Monitor:         s.txMonitor,
		Metrics:         s.metrics,
	})
	return s, nil
}

// Start connects to the radio and returns once it is Connected. The setup
// commands and state queries follow asynchronously.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("session for %s already used", s.radio.Name)
	}
	s.running = true
	s.mu.Unlock()

	if err := s.manager.Connect(ctx); err != nil {
		s.Stop()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.wg.Add(1)
		go s.pumpAudio()
	}
	return nil
}

// Stop releases the transmitter, disconnects and waits for every loop
// this session started. No event is published after Stop returns.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.tx.Stop("")
	s.manager.Disconnect()
	s.cancel()
	s.wg.Wait()

	logging.Info(logging.CompSession, "Session stopped", map[string]interface{}{
		"radio":      s.radio.Name,
		"generation": s.pub.Generation(),
	})
}

// handleFrame routes one parsed frame to its consumer
func (s *Session) handleFrame(f protocol.Frame) {
	var err error
	switch f.Kind {
	case protocol.FrameText:
		updates := s.dispatcher.Handle(f.Text)
		s.spectrum.HandleUpdates(updates)
	case protocol.FrameAudio:
		err = s.rx.Process(f.Payload)
	case protocol.FrameSpectrum:
		err = s.spectrum.Process(f.Payload)
	}
	if err != nil && s.frameLog.Allow() {
		logging.Warn(logging.CompSession, "Frame dropped", map[string]interface{}{
			"kind":    f.Kind.String(),
			"error":   err.Error(),
			"dropped": s.frameLog.Count(),
		})
	}
}

func (s *Session) handleState(state protocol.ConnectionState, err error) {
	s.pub.Publish(events.KindConnection, s.statusFor(state, err))

	switch state {
	case protocol.StateConnected:
		s.pub.Publish(events.KindAudioMode, s.AudioMode())
		s.mu.Lock()
		if !s.stopped {
			s.wg.Add(1)
			go s.startup()
		}
		s.mu.Unlock()
	case protocol.StateReconnecting, protocol.StateFailed:
		if s.tx.Active() {
			s.tx.Stop("")
			s.pub.Publish(events.KindPTT, map[string]interface{}{"active": false, "reason": state.String()})
		}
	}

	if s.onState != nil {
		s.onState(s.radio.ID, state, err)
	}
}

func (s *Session) startup() {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.ctx, startupTimeout)
	defer cancel()
	if err := s.dispatcher.Startup(ctx, s.mode); err != nil && s.ctx.Err() == nil {
		logging.Error(logging.CompSession, "Session setup failed", map[string]interface{}{
			"radio": s.radio.Name,
			"error": err.Error(),
		})
	}
}

// pumpAudio publishes routed RX frames until the session stops
func (s *Session) pumpAudio() {
	defer s.wg.Done()
	frames := s.rx.Frames()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-frames:
			s.pub.Publish(events.KindAudio, f)
		}
	}
}

func (s *Session) statusFor(state protocol.ConnectionState, err error) protocol.ConnectionStatus {
	st := protocol.ConnectionStatus{
		RadioID:   s.radio.ID,
		RadioName: s.radio.Name,
		State:     state.String(),
		Indicator: state.Indicator(),
	}
	if err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Radio returns the configuration this session was built for
func (s *Session) Radio() protocol.RadioConfig {
	return s.radio
}

// Generation identifies this session instance on the event bus
func (s *Session) Generation() uint64 {
	return s.pub.Generation()
}

// State returns the connection state
func (s *Session) State() protocol.ConnectionState {
	return s.manager.State()
}

// ConnectionStatus returns the current state as broadcast to clients
func (s *Session) ConnectionStatus() protocol.ConnectionStatus {
	return s.statusFor(s.manager.State(), s.manager.LastError())
}

// AudioMode returns the negotiated audio encoding
func (s *Session) AudioMode() AudioModeInfo {
	return AudioModeInfo{Mode: int(s.mode), Encoding: s.mode.String(), Opus: audio.OpusAvailable}
}

// AudioSettings returns the routing state and mic gain
func (s *Session) AudioSettings() AudioSettings {
	return AudioSettings{RoutingState: s.controls.Load(), MicGain: s.tx.MicGain()}
}

// Spectrum returns the panadapter processor
func (s *Session) Spectrum() *panadapter.Processor {
	return s.spectrum
}

// Dispatcher returns the CAT dispatcher
func (s *Session) Dispatcher() *cat.Dispatcher {
	return s.dispatcher
}

// PTTActive reports whether a TX stream is open
func (s *Session) PTTActive() bool {
	return s.tx.Active()
}

// Status returns session details for the status API
func (s *Session) Status() map[string]interface{} {
	return map[string]interface{}{
		"radio":      s.radio,
		"generation": s.pub.Generation(),
		"connection": s.ConnectionStatus(),
		"audio_mode": s.AudioMode(),
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"rx":         s.rx.Stats(),
		"tx":         s.tx.Stats(),
		"spectrum":   s.spectrum.State(),
	}
}

// AudioStatus returns pipeline counters and level monitors
func (s *Session) AudioStatus() map[string]interface{} {
	return map[string]interface{}{
		"settings":   s.AudioSettings(),
		"audio_mode": s.AudioMode(),
		"rx":         s.rx.Stats(),
		"tx":         s.tx.Stats(),
		"rx_levels":  s.rxMonitor.Visualization(),
		"tx_levels":  s.txMonitor.Visualization(),
		"buffers":    audio.SharedPool().Statistics(),
	}
}
