package audio

import (
	"math"
	"sync"
	"time"

	"github.com/mjibson/go-dsp/fft"
)

const (
	silenceDB     = -100.0
	clipThreshold = 0.98
	peakHoldTime  = 2 * time.Second
)

// LevelData is one level reading of a stream
type LevelData struct {
	Timestamp int64   `json:"timestamp"`
	RMSLevel  float32 `json:"rms"`  // dBFS
	PeakLevel float32 `json:"peak"` // dBFS
	PeakHold  float32 `json:"peak_hold"`
	Clipping  bool    `json:"clipping"`
}

// SpectrumData is the magnitude spectrum of the most recent window
type SpectrumData struct {
	Timestamp  int64     `json:"timestamp"`
	SampleRate int       `json:"sample_rate"`
	Spectrum   []float32 `json:"spectrum"`  // dB
	FreqStep   float32   `json:"freq_step"` // Hz per bin
}

// VisualizationData combines level and spectrum data
type VisualizationData struct {
	LevelData
	SpectrumData
}

// LevelMonitor tracks levels and the spectrum of a mono float stream
type LevelMonitor struct {
	mutex sync.RWMutex

	sampleRate int
	fftSize    int

	currentRMS   float32
	currentPeak  float32
	peakHold     float32
	peakHoldTime time.Time
	isClipping   bool

	spectrum     []float32
	spectrumTime time.Time

	sampleBuffer []float32
	fftBuffer    []complex128
	window       []float64

	sampleCount int64
	clipCount   int64
}

// NewLevelMonitor creates a monitor; fftSize is rounded up to a power of two
func NewLevelMonitor(sampleRate, fftSize int) *LevelMonitor {
	size := 1
	for size < fftSize {
		size <<= 1
	}
	if size < 16 {
		size = 16
	}
	return &LevelMonitor{
		sampleRate:  sampleRate,
		fftSize:     size,
		currentRMS:  silenceDB,
		currentPeak: silenceDB,
		peakHold:    silenceDB,
		spectrum:    make([]float32, size/2),
		fftBuffer:   make([]complex128, size),
		window:      makeHannWindow(size),
	}
}

func makeHannWindow(size int) []float64 {
	window := make([]float64, size)
	for i := 0; i < size; i++ {
		window[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(size-1)))
	}
	return window
}

// ProcessSamples feeds samples in the -1..1 range
func (m *LevelMonitor) ProcessSamples(samples []float32) {
	if len(samples) == 0 {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.calculateLevels(samples)

	m.sampleBuffer = append(m.sampleBuffer, samples...)
	if len(m.sampleBuffer) >= m.fftSize {
		// keep only the newest window
		if len(m.sampleBuffer) > m.fftSize {
			copy(m.sampleBuffer, m.sampleBuffer[len(m.sampleBuffer)-m.fftSize:])
			m.sampleBuffer = m.sampleBuffer[:m.fftSize]
		}
		m.calculateSpectrum()
	}

	m.sampleCount += int64(len(samples))
}

// ProcessInterleaved feeds a stereo block, monitoring the average of both channels
func (m *LevelMonitor) ProcessInterleaved(stereo []float32) {
	n := len(stereo) / 2
	if n == 0 {
		return
	}
	buf := SharedPool().Get(n)
	defer buf.Release()
	for i := 0; i < n; i++ {
		buf.Data[i] = (stereo[2*i] + stereo[2*i+1]) / 2
	}
	m.ProcessSamples(buf.Data)
}

func toDB(v float64) float32 {
	if v <= 0 {
		return silenceDB
	}
	return float32(20.0 * math.Log10(v))
}

func (m *LevelMonitor) calculateLevels(samples []float32) {
	var sumSquares float64
	var peak float64
	clipping := false

	for _, s := range samples {
		v := math.Abs(float64(s))
		if v > peak {
			peak = v
		}
		if v >= clipThreshold {
			clipping = true
			m.clipCount++
		}
		sumSquares += v * v
	}

	m.currentRMS = toDB(math.Sqrt(sumSquares / float64(len(samples))))
	m.currentPeak = toDB(peak)

	now := time.Now()
	if m.currentPeak > m.peakHold || now.Sub(m.peakHoldTime) > peakHoldTime {
		m.peakHold = m.currentPeak
		m.peakHoldTime = now
	}
	m.isClipping = clipping
}

func (m *LevelMonitor) calculateSpectrum() {
	for i := 0; i < m.fftSize; i++ {
		m.fftBuffer[i] = complex(float64(m.sampleBuffer[i])*m.window[i], 0)
	}

	result := fft.FFT(m.fftBuffer)
	for i := range m.spectrum {
		re, im := real(result[i]), imag(result[i])
		m.spectrum[i] = toDB(math.Sqrt(re*re + im*im))
	}
	m.spectrumTime = time.Now()
}

// Levels returns the current level reading
func (m *LevelMonitor) Levels() LevelData {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return LevelData{
		Timestamp: time.Now().UnixMilli(),
		RMSLevel:  m.currentRMS,
		PeakLevel: m.currentPeak,
		PeakHold:  m.peakHold,
		Clipping:  m.isClipping,
	}
}

// Spectrum returns a copy of the latest spectrum
func (m *LevelMonitor) Spectrum() SpectrumData {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	spectrum := make([]float32, len(m.spectrum))
	copy(spectrum, m.spectrum)

	return SpectrumData{
		Timestamp:  m.spectrumTime.UnixMilli(),
		SampleRate: m.sampleRate,
		Spectrum:   spectrum,
		FreqStep:   float32(m.sampleRate) / float32(m.fftSize),
	}
}

// Visualization returns levels and spectrum together
func (m *LevelMonitor) Visualization() VisualizationData {
	return VisualizationData{
		LevelData:    m.Levels(),
		SpectrumData: m.Spectrum(),
	}
}

// Statistics returns counters for the status endpoint
func (m *LevelMonitor) Statistics() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	clipRate := float64(0)
	if m.sampleCount > 0 {
		clipRate = float64(m.clipCount) / float64(m.sampleCount) * 100.0
	}
	return map[string]interface{}{
		"sample_count":  m.sampleCount,
		"clip_count":    m.clipCount,
		"clip_rate_pct": clipRate,
		"peak_hold_db":  m.peakHold,
		"sample_rate":   m.sampleRate,
		"fft_size":      m.fftSize,
	}
}
