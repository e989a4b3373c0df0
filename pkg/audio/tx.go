package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/metrics"
	"github.com/dougsko/k4d/pkg/protocol"
)

const (
	txHeaderLen = 8
	// txAttenuation keeps the radio's modulator out of compression
	txAttenuation = 4
)

var (
	ErrEmptyBlock = errors.New("empty TX audio block")
	ErrStaleBlock = errors.New("stale TX audio block")
	ErrTXInactive = errors.New("transmit stream not active")
)

// TXOptions configures the TX pipeline
type TXOptions struct {
	InputSampleRate int
	MicGain         int
	Timeout         time.Duration
	Encoder         Encoder
	// Send queues one framed packet without blocking
	Send func(frame []byte) bool
	// OnTimeout runs after the stream was stopped for inactivity
	OnTimeout func(owner string)
	Monitor   *LevelMonitor
	Metrics   *metrics.Metrics
}

// TX turns microphone blocks from a single owning client into radio packets
type TX struct {
	mu   sync.Mutex
	opts TXOptions

	ratio   int
	micGain atomic.Int32

	active       bool
	owner        string
	lastTS       uint64
	haveTS       bool
	pending      []float32
	seq          byte
	lastActivity time.Time
	timer        *time.Timer
	epoch        uint64

	sent    uint64
	dropped uint64
}

// NewTX creates a TX pipeline
func NewTX(opts TXOptions) *TX {
	if opts.InputSampleRate <= 0 {
		opts.InputSampleRate = 48000
	}
	if opts.Encoder == nil {
		opts.Encoder = Raw16Encoder{}
	}
	ratio := opts.InputSampleRate / RadioSampleRate
	if ratio < 1 {
		ratio = 1
	}
	t := &TX{opts: opts, ratio: ratio}
	t.micGain.Store(int32(opts.MicGain))
	return t
}

// BlockSamples is the number of input samples that make one radio packet
func (t *TX) BlockSamples() int {
	return TXFrameSize * t.ratio
}

// SetMicGain sets the 0-100 microphone gain
func (t *TX) SetMicGain(v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("mic gain must be 0-100, got %d", v)
	}
	t.micGain.Store(int32(v))
	return nil
}

// MicGain returns the current microphone gain
func (t *TX) MicGain() int {
	return int(t.micGain.Load())
}

// Start opens the TX stream for owner. Starting an already owned stream
// is a no-op for the owner and ErrTXBusy for anyone else.
func (t *TX) Start(owner string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		if t.owner == owner {
			return nil
		}
		return protocol.ErrTXBusy
	}
	t.active = true
	t.owner = owner
	t.haveTS = false
	t.pending = t.pending[:0]
	t.lastActivity = time.Now()
	t.epoch++
	if t.opts.Timeout > 0 {
		t.arm(t.opts.Timeout)
	}

	logging.Info(logging.CompAudio, "TX stream started", map[string]interface{}{"owner": owner})
	return nil
}

// Stop closes the TX stream, discarding a partial block. An empty owner
// stops the stream regardless of who holds it.
func (t *TX) Stop(owner string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil
	}
	if owner != "" && owner != t.owner {
		return protocol.ErrTXBusy
	}
	t.stopLocked("stop")
	return nil
}

func (t *TX) stopLocked(reason string) {
	discarded := len(t.pending)
	t.active = false
	t.pending = t.pending[:0]
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	logging.Info(logging.CompAudio, "TX stream stopped", map[string]interface{}{
		"owner":     t.owner,
		"reason":    reason,
		"discarded": discarded,
	})
	t.owner = ""
}

func (t *TX) arm(d time.Duration) {
	epoch := t.epoch
	t.timer = time.AfterFunc(d, func() { t.expire(epoch) })
}

func (t *TX) expire(epoch uint64) {
	t.mu.Lock()
	if !t.active || t.epoch != epoch {
		t.mu.Unlock()
		return
	}
	if idle := time.Since(t.lastActivity); idle < t.opts.Timeout {
		t.arm(t.opts.Timeout - idle)
		t.mu.Unlock()
		return
	}
	owner := t.owner
	t.stopLocked("timeout")
	t.mu.Unlock()

	logging.Warn(logging.CompAudio, "TX stream timed out without audio", map[string]interface{}{
		"owner":   owner,
		"timeout": t.opts.Timeout.String(),
	})
	if t.opts.OnTimeout != nil {
		t.opts.OnTimeout(owner)
	}
}

// Active reports whether a TX stream is open
func (t *TX) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Owner returns the client holding the stream, if any
func (t *TX) Owner() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

// Push accepts one client block: a u64 LE microsecond timestamp followed
// by float32 LE mono samples. Complete radio packets are sent as soon as
// enough samples are buffered.
func (t *TX) Push(owner string, data []byte) error {
	if len(data) <= txHeaderLen {
		return ErrEmptyBlock
	}
	body := data[txHeaderLen:]
	if len(body)%4 != 0 {
		return fmt.Errorf("TX audio length %d is not a multiple of 4", len(body))
	}
	ts := binary.LittleEndian.Uint64(data[:txHeaderLen])

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active || t.owner != owner {
		return ErrTXInactive
	}
	if t.haveTS && ts <= t.lastTS {
		t.dropped++
		return ErrStaleBlock
	}
	t.lastTS, t.haveTS = ts, true
	t.lastActivity = time.Now()

	for i := 0; i < len(body); i += 4 {
		t.pending = append(t.pending, math.Float32frombits(binary.LittleEndian.Uint32(body[i:])))
	}

	block := t.BlockSamples()
	for len(t.pending) >= block {
		if err := t.sendBlock(t.pending[:block]); err != nil {
			return err
		}
		n := copy(t.pending, t.pending[block:])
		t.pending = t.pending[:n]
	}
	return nil
}

// Decimate averages every ratio input samples into one output sample
func Decimate(in []float32, ratio int, out []float32) []float32 {
	n := len(in) / ratio
	out = grow(out, n)
	for i := 0; i < n; i++ {
		var sum float32
		for _, s := range in[i*ratio : (i+1)*ratio] {
			sum += s
		}
		out[i] = sum / float32(ratio)
	}
	return out
}

func (t *TX) sendBlock(in []float32) error {
	mono := SharedPool().Get(TXFrameSize)
	defer mono.Release()
	stereo := SharedPool().Get(TXFrameSize * 2)
	defer stereo.Release()

	Decimate(in, t.ratio, mono.Data)
	gain := float32(t.MicGain()) / 100 / txAttenuation
	for i, s := range mono.Data {
		v := s * gain
		stereo.Data[2*i], stereo.Data[2*i+1] = v, v
	}
	if t.opts.Monitor != nil {
		t.opts.Monitor.ProcessSamples(mono.Data)
	}

	data, err := t.opts.Encoder.Encode(stereo.Data)
	if err != nil {
		return fmt.Errorf("failed to encode TX audio: %w", err)
	}
	frame := protocol.EncodeAudio(protocol.AudioPacket{
		Seq:        t.seq,
		Mode:       t.opts.Encoder.Mode(),
		FrameSize:  TXFrameSize,
		SampleRate: RadioSampleRate,
		Data:       data,
	})
	t.seq++

	if t.opts.Send == nil || !t.opts.Send(frame) {
		t.dropped++
		t.opts.Metrics.AudioOverrun("tx")
		return nil
	}
	t.sent++
	t.opts.Metrics.AudioFrame("tx")
	return nil
}

// Stats returns pipeline counters
func (t *TX) Stats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]interface{}{
		"active":   t.active,
		"owner":    t.owner,
		"sent":     t.sent,
		"dropped":  t.dropped,
		"mic_gain": t.MicGain(),
		"encoding": t.opts.Encoder.Mode().String(),
	}
}
