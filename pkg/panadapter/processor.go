// Package panadapter turns K4 PAN frames into spectrum snapshots, keeps the
// waterfall history and tracks the span, reference level and filter state
// reported over CAT.
package panadapter

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dougsko/k4d/pkg/cat"
	"github.com/dougsko/k4d/pkg/config"
	"github.com/dougsko/k4d/pkg/events"
	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/metrics"
	"github.com/dougsko/k4d/pkg/protocol"
	"github.com/dougsko/k4d/pkg/verbose"
)

const (
	MinSpan           = 6000
	MaxSpan           = 368000
	MinReferenceLevel = -200
	MaxReferenceLevel = 60

	// trimming only applies to full resolution frames
	trimThreshold = 100
)

// Options configures a Processor
type Options struct {
	WaterfallLines   int
	WaterfallHistory int
	FrameRate        int
	LocalAveraging   int
	MinBins          int
}

// OptionsFromConfig reads the panadapter section
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WaterfallLines:   cfg.Panadapter.WaterfallLines,
		WaterfallHistory: cfg.Panadapter.WaterfallHistory,
		FrameRate:        cfg.Panadapter.FrameRate,
		LocalAveraging:   cfg.Panadapter.LocalAveraging,
		MinBins:          cfg.Panadapter.MinBins,
	}
}

// Snapshot is one processed spectrum frame
type Snapshot struct {
	CenterHz       int64     `json:"center_frequency"`
	SpanHz         int64     `json:"span"`
	SampleRate     int32     `json:"sample_rate"`
	NoiseFloor     int32     `json:"noise_floor"`
	ReferenceLevel int       `json:"reference_level"`
	Bins           []float64 `json:"spectrum_data"`
	BinCount       int       `json:"bins"`
	StartHz        float64   `json:"actual_start_freq"`
	EndHz          float64   `json:"actual_end_freq"`
	HasBounds      bool      `json:"-"`
	DeviceSpan     int64     `json:"k4_actual_span"`
	RequestedSpan  int64     `json:"requested_span"`
	DeviceAveraged bool      `json:"device_averaging"`
	Timestamp      int64     `json:"timestamp"`
}

// Bounds returns the frequency range covered by the bins. Reported
// bounds win over the center and span; the two are never mixed.
func (s Snapshot) Bounds() (start, end float64) {
	if s.HasBounds {
		return s.StartHz, s.EndHz
	}
	half := float64(s.SpanHz) / 2
	return float64(s.CenterHz) - half, float64(s.CenterHz) + half
}

// HzPerBin is the frequency width of one bin
func (s Snapshot) HzPerBin() float64 {
	if len(s.Bins) == 0 {
		return 0
	}
	start, end := s.Bounds()
	return (end - start) / float64(len(s.Bins))
}

// PositionToFrequency maps a bin position to Hz
func (s Snapshot) PositionToFrequency(x float64) float64 {
	start, _ := s.Bounds()
	return start + x*s.HzPerBin()
}

// FrequencyToPosition maps Hz to a bin position
func (s Snapshot) FrequencyToPosition(hz float64) float64 {
	step := s.HzPerBin()
	if step == 0 {
		return 0
	}
	start, _ := s.Bounds()
	return (hz - start) / step
}

// Boundary is the display range announced to clients when it changes
type Boundary struct {
	CenterHz           int64   `json:"center_frequency"`
	SpanHz             int64   `json:"span"`
	StartHz            float64 `json:"actual_start_freq"`
	EndHz              float64 `json:"actual_end_freq"`
	ExpectedSampleRate int     `json:"expected_sample_rate"`
	Timestamp          int64   `json:"timestamp"`
}

// State is the processor's view for the status API
type State struct {
	HasData        bool                    `json:"has_data"`
	CenterHz       int64                   `json:"center_frequency"`
	SpanHz         int64                   `json:"span"`
	ReferenceLevel int                     `json:"reference_level"`
	NoiseFloor     int32                   `json:"noise_floor"`
	Averaging      int                     `json:"averaging"`
	VFOA           int64                   `json:"vfo_a_frequency"`
	VFOB           int64                   `json:"vfo_b_frequency"`
	WaterfallLines int                     `json:"waterfall_lines"`
	Frames         uint64                  `json:"frames"`
	Filters        map[string]FilterValues `json:"filter_state"`
}

// expectedSampleRate is the PAN rate tier the radio uses for a span, in kHz
func expectedSampleRate(spanHz int64) int {
	switch khz := spanHz / 1000; {
	case khz <= 19:
		return 24
	case khz <= 36:
		return 48
	case khz <= 82:
		return 96
	case khz <= 172:
		return 192
	default:
		return 384
	}
}

// Processor is the spectrum state of one radio session
type Processor struct {
	opts      Options
	pub       *events.Publisher
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	waterfall *Waterfall
	skipLog   *logging.Sampler

	mu         sync.Mutex
	center     int64
	span       int64
	lastSpan   int64
	refLevel   int
	deviceAvg  int
	noiseFloor int32
	vfoA       int64
	vfoB       int64
	filters    [2]filterState
	history    [][]float64
	last       *Snapshot
	frames     uint64
}

// NewProcessor creates a processor publishing through pub
func NewProcessor(opts Options, pub *events.Publisher, m *metrics.Metrics) *Processor {
	if opts.MinBins <= 0 {
		opts.MinBins = 50
	}
	if opts.WaterfallHistory <= 0 {
		opts.WaterfallHistory = 50
	}
	limit := rate.Inf
	if opts.FrameRate > 0 {
		limit = rate.Limit(opts.FrameRate)
	}
	return &Processor{
		opts:      opts,
		pub:       pub,
		metrics:   m,
		limiter:   rate.NewLimiter(limit, 1),
		waterfall: NewWaterfall(opts.WaterfallLines),
		skipLog:   logging.Every(500),
		filters:   [2]filterState{newFilterState(), newFilterState()},
	}
}

// Process decodes and handles one PAN frame payload
func (p *Processor) Process(payload []byte) error {
	pkt, err := protocol.DecodePAN(payload)
	if err != nil {
		return err
	}
	p.ProcessPacket(pkt)
	return nil
}

// ProcessPacket handles a decoded PAN packet. It returns the snapshot and
// whether it was emitted; rate-limited snapshots still feed the waterfall.
func (p *Processor) ProcessPacket(pkt protocol.PanPacket) (Snapshot, bool) {
	if pkt.Mini || pkt.Receiver != 0 || len(pkt.Bins) == 0 {
		p.metrics.Spectrum("skipped")
		if p.skipLog.Allow() {
			verbose.Printf(verbose.Spectrum, "Skipping PAN packet: mini=%v receiver=%d bins=%d", pkt.Mini, pkt.Receiver, len(pkt.Bins))
		}
		return Snapshot{}, false
	}

	p.mu.Lock()
	snap, boundaryChanged := p.buildLocked(pkt)
	var boundary Boundary
	if boundaryChanged {
		boundary = p.boundaryLocked()
	}
	p.mu.Unlock()

	p.waterfall.Push(Line{Timestamp: time.UnixMilli(snap.Timestamp), Bins: snap.Bins})

	if boundaryChanged {
		logging.Debug(logging.CompSpectrum, "Display boundaries changed", map[string]interface{}{
			"center": boundary.CenterHz,
			"span":   boundary.SpanHz,
		})
		p.pub.Publish(events.KindBoundary, boundary)
	}

	if !p.limiter.Allow() {
		p.metrics.Spectrum("dropped")
		return snap, false
	}
	p.metrics.Spectrum("emitted")
	p.pub.Publish(events.KindSpectrum, snap)
	return snap, true
}

func (p *Processor) buildLocked(pkt protocol.PanPacket) (Snapshot, bool) {
	oldCenter := p.center
	p.center = pkt.CenterHz
	p.noiseFloor = pkt.NoiseFloor
	p.frames++

	deviceSpan := pkt.SpanHz()
	if deviceSpan <= 0 {
		deviceSpan = p.span
	}

	bins := pkt.Bins
	effective := deviceSpan
	if p.span > 0 && deviceSpan > p.span && len(bins) > trimThreshold {
		total := len(bins)
		keep := int(p.span * int64(total) / deviceSpan)
		if keep < p.opts.MinBins {
			keep = p.opts.MinBins
		}
		if keep > total {
			keep = total
		}
		start := (total - keep) / 2
		bins = bins[start : start+keep]
		effective = deviceSpan * int64(keep) / int64(total)
	}
	bins = p.averageLocked(bins)

	half := float64(effective) / 2
	snap := Snapshot{
		CenterHz:       pkt.CenterHz,
		SpanHz:         effective,
		SampleRate:     pkt.SampleRate,
		NoiseFloor:     pkt.NoiseFloor,
		ReferenceLevel: p.refLevel,
		Bins:           bins,
		BinCount:       len(bins),
		StartHz:        float64(pkt.CenterHz) - half,
		EndHz:          float64(pkt.CenterHz) + half,
		HasBounds:      true,
		DeviceSpan:     deviceSpan,
		RequestedSpan:  p.span,
		DeviceAveraged: p.deviceAvg > 1,
		Timestamp:      time.Now().UnixMilli(),
	}

	changed := oldCenter != pkt.CenterHz || p.lastSpan != effective
	p.lastSpan = effective
	p.last = &snap
	return snap, changed
}

// averageLocked smooths over the last LocalAveraging frames unless the
// radio already averages
func (p *Processor) averageLocked(bins []float64) []float64 {
	n := p.opts.LocalAveraging
	if p.deviceAvg > 1 || n <= 1 {
		p.history = nil
		return bins
	}
	if len(p.history) > 0 && len(p.history[0]) != len(bins) {
		p.history = nil
	}

	frame := make([]float64, len(bins))
	copy(frame, bins)
	p.history = append(p.history, frame)
	if len(p.history) > n {
		p.history = p.history[len(p.history)-n:]
	}

	out := make([]float64, len(bins))
	for _, h := range p.history {
		for i, v := range h {
			out[i] += v
		}
	}
	for i := range out {
		out[i] /= float64(len(p.history))
	}
	return out
}

func (p *Processor) boundaryLocked() Boundary {
	half := float64(p.lastSpan) / 2
	return Boundary{
		CenterHz:           p.center,
		SpanHz:             p.lastSpan,
		StartHz:            float64(p.center) - half,
		EndHz:              float64(p.center) + half,
		ExpectedSampleRate: expectedSampleRate(p.lastSpan),
		Timestamp:          time.Now().UnixMilli(),
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func intValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

// HandleUpdates applies CAT updates that affect the display and publishes
// a filter update for receivers whose filter changed
func (p *Processor) HandleUpdates(ups []cat.Update) {
	var changed [2]bool

	p.mu.Lock()
	for _, u := range ups {
		v, ok := intValue(u.Value)
		if !ok {
			continue
		}
		rx := int(u.VFO)
		switch u.Mnemonic {
		case "#SPN":
			if u.VFO == cat.VFOMain && v > 0 {
				p.span = int64(clampInt(v, MinSpan, MaxSpan))
			}
		case "#REF":
			if u.VFO == cat.VFOMain {
				p.refLevel = clampInt(v, MinReferenceLevel, MaxReferenceLevel)
			}
		case "#AVG":
			if u.VFO == cat.VFOMain {
				p.deviceAvg = v
			}
		case "FA":
			p.vfoA = int64(v)
		case "FB":
			p.vfoB = int64(v)
		case "FI":
			p.center = int64(v)
		case "BW":
			p.filters[rx].bw = v
			changed[rx] = true
		case "IS":
			p.filters[rx].shift = v
			changed[rx] = true
		case "FP":
			p.filters[rx].preset = v
			changed[rx] = true
		case "CW":
			p.filters[rx].pitch = v
			changed[rx] = true
		}
	}

	update := make(map[string]FilterValues)
	for rx, c := range changed {
		if c {
			update[vfoKey(rx)] = p.filters[rx].values()
		}
	}
	p.mu.Unlock()

	if len(update) > 0 {
		p.pub.Publish(events.KindFilter, update)
	}
}

func vfoKey(rx int) string {
	if rx == int(cat.VFOSub) {
		return "B"
	}
	return "A"
}

// Boundary returns the current display range, or false while the radio
// has not yet reported a center and span
func (p *Processor) Boundary() (Boundary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.center == 0 || p.lastSpan == 0 {
		return Boundary{}, false
	}
	return p.boundaryLocked(), true
}

// Latest returns the most recent snapshot
func (p *Processor) Latest() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Snapshot{}, false
	}
	return *p.last, true
}

// History returns the rows sent to a joining client, newest first
func (p *Processor) History() []Line {
	return p.waterfall.Lines(p.opts.WaterfallHistory)
}

// Waterfall exposes the full history
func (p *Processor) Waterfall() *Waterfall {
	return p.waterfall
}

// Filters returns both receivers' filter values
func (p *Processor) Filters() map[string]FilterValues {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]FilterValues{"A": p.filters[0].values(), "B": p.filters[1].values()}
}

// State returns a status view
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		HasData:        p.last != nil,
		CenterHz:       p.center,
		SpanHz:         p.span,
		ReferenceLevel: p.refLevel,
		NoiseFloor:     p.noiseFloor,
		Averaging:      p.deviceAvg,
		VFOA:           p.vfoA,
		VFOB:           p.vfoB,
		WaterfallLines: p.waterfall.Len(),
		Frames:         p.frames,
		Filters:        map[string]FilterValues{"A": p.filters[0].values(), "B": p.filters[1].values()},
	}
}
