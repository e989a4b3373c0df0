package panadapter

import "math"

// FilterValues are one receiver's filter settings as shown to clients.
// Bandwidth and shift are in kHz.
type FilterValues struct {
	Current   int     `json:"current"`
	Bandwidth float64 `json:"bw"`
	Shift     float64 `json:"shft"`
	RawShift  int     `json:"k4_is"`
	RawBW     int     `json:"k4_bw"`
	Pitch     int     `json:"pitch"`
}

type filterState struct {
	bw     int // 10 Hz units
	shift  int // 10 Hz units
	preset int
	pitch  int // 10 Hz units
}

func newFilterState() filterState {
	return filterState{preset: 1, pitch: 50}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// values converts device units; until both BW and IS are known the
// defaults 3.00/1.50 kHz are reported
func (f filterState) values() FilterValues {
	if f.bw == 0 || f.shift == 0 {
		return FilterValues{Current: f.preset, Bandwidth: 3.00, Shift: 1.50, RawShift: 150, RawBW: 300, Pitch: f.pitch}
	}
	return FilterValues{
		Current:   f.preset,
		Bandwidth: round2(float64(f.bw*10) / 1000),
		Shift:     round2(float64(f.shift*10) / 1000),
		RawShift:  f.shift,
		RawBW:     f.bw,
		Pitch:     f.pitch,
	}
}
