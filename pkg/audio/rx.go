package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/metrics"
	"github.com/dougsko/k4d/pkg/protocol"
	"github.com/dougsko/k4d/pkg/verbose"
)

// Frame is one routed stereo block ready for listeners
type Frame struct {
	Seq        byte
	Mode       protocol.AudioMode
	SampleRate int
	Timestamp  time.Time
	// Samples are interleaved left/right in -1..1
	Samples []float32
}

// Bytes encodes the samples as little-endian float32
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*4)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// RX decodes radio audio, routes it per the current controls and queues
// it for delivery. Process must be called from a single goroutine.
type RX struct {
	decoder  Decoder
	controls *Controls
	monitor  *LevelMonitor
	metrics  *metrics.Metrics

	queue   chan Frame
	dropMu  sync.Mutex
	scratch []float32

	lastSeq  int
	frames   uint64
	overruns uint64
	errors   uint64
	errLog   *logging.Sampler
	gapLog   *logging.Sampler
}

// NewRX creates an RX pipeline with a queue of depth frames
func NewRX(controls *Controls, depth int, monitor *LevelMonitor, m *metrics.Metrics) *RX {
	if depth <= 0 {
		depth = 8
	}
	return &RX{
		decoder:  NewModeDecoder(),
		controls: controls,
		monitor:  monitor,
		metrics:  m,
		queue:    make(chan Frame, depth),
		lastSeq:  -1,
		errLog:   logging.Every(100),
		gapLog:   logging.Every(100),
	}
}

// Frames is the delivery queue
func (r *RX) Frames() <-chan Frame {
	return r.queue
}

// Process handles one audio frame payload from the radio
func (r *RX) Process(payload []byte) error {
	pkt, err := protocol.DecodeAudio(payload)
	if err != nil {
		return err
	}
	return r.ProcessPacket(pkt)
}

// ProcessPacket decodes, routes and enqueues one packet
func (r *RX) ProcessPacket(pkt protocol.AudioPacket) error {
	if r.lastSeq >= 0 && byte(r.lastSeq+1) != pkt.Seq && r.gapLog.Allow() {
		verbose.Printf(verbose.Audio, "RX sequence gap: expected %d got %d", byte(r.lastSeq+1), pkt.Seq)
	}
	r.lastSeq = int(pkt.Seq)

	decoded, err := r.decoder.Decode(pkt, r.scratch)
	if err != nil {
		atomic.AddUint64(&r.errors, 1)
		if r.errLog.Allow() {
			logging.Warn(logging.CompAudio, "Failed to decode RX audio", map[string]interface{}{
				"mode":  pkt.Mode.String(),
				"bytes": len(pkt.Data),
				"error": err.Error(),
			})
		}
		return err
	}
	r.scratch = decoded

	state := r.controls.Load()
	samples := state.Apply(decoded, make([]float32, len(decoded)))

	if r.monitor != nil {
		r.monitor.ProcessInterleaved(samples)
	}

	r.enqueue(Frame{
		Seq:        pkt.Seq,
		Mode:       pkt.Mode,
		SampleRate: pkt.SampleRate,
		Timestamp:  time.Now(),
		Samples:    samples,
	})
	atomic.AddUint64(&r.frames, 1)
	r.metrics.AudioFrame("rx")
	return nil
}

// enqueue never blocks: a full queue loses its oldest frame
func (r *RX) enqueue(f Frame) {
	select {
	case r.queue <- f:
		return
	default:
	}

	r.dropMu.Lock()
	defer r.dropMu.Unlock()
	for {
		select {
		case r.queue <- f:
			return
		default:
		}
		select {
		case <-r.queue:
			atomic.AddUint64(&r.overruns, 1)
			r.metrics.AudioOverrun("rx")
		default:
		}
	}
}

// Stats returns pipeline counters
func (r *RX) Stats() map[string]interface{} {
	return map[string]interface{}{
		"frames":   atomic.LoadUint64(&r.frames),
		"overruns": atomic.LoadUint64(&r.overruns),
		"errors":   atomic.LoadUint64(&r.errors),
		"queued":   len(r.queue),
	}
}

// Overruns returns how many frames were dropped for a full queue
func (r *RX) Overruns() uint64 {
	return atomic.LoadUint64(&r.overruns)
}
