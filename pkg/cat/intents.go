package cat

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dougsko/k4d/pkg/protocol"
)

// Client control intents expressed as invocations. Every builder only
// assembles values; domain checks happen in Encode.

// FrequencyIntent sets VFO A or B to hz
func FrequencyIntent(vfo VFO, hz int) Invocation {
	mn := "FA"
	if vfo == VFOSub {
		mn = "FB"
	}
	return Set(mn, VFOMain, strconv.Itoa(hz))
}

// ModeIntent sets the operating mode; mode may be a label ("USB") or wire digit
func ModeIntent(vfo VFO, mode string) Invocation {
	return Set("MD", vfo, mode)
}

// NoiseIntent builds NB or NR from a client noise setting
func NoiseIntent(vfo VFO, kind string, n protocol.NoiseSetting) (Invocation, error) {
	en := "0"
	if n.Enabled {
		en = "1"
	}
	switch strings.ToUpper(kind) {
	case "NB":
		if n.Level < 0 || n.Level > 15 || n.Filter < 0 || n.Filter > 2 {
			return Invocation{}, fmt.Errorf("%w: NB level %d filter %d", protocol.ErrInvalidCommandValue, n.Level, n.Filter)
		}
		return Set("NB", vfo, fmt.Sprintf("0%d%s%d", n.Level, en, n.Filter)), nil
	case "NR":
		if n.Level < 0 || n.Level > 99 {
			return Invocation{}, fmt.Errorf("%w: NR level %d", protocol.ErrInvalidCommandValue, n.Level)
		}
		return Set("NR", vfo, fmt.Sprintf("%02d%s", n.Level, en)), nil
	default:
		return Invocation{}, fmt.Errorf("%w: noise type %q", protocol.ErrInvalidCommandValue, kind)
	}
}

// SubRXToggleIntent toggles the sub receiver
func SubRXToggleIntent() Invocation {
	return Do("SB", VFOMain, ActToggle)
}

// BandwidthIntent sets the filter bandwidth from kHz (3.0 => BW0300)
func BandwidthIntent(vfo VFO, khz float64) Invocation {
	return Set("BW", vfo, strconv.Itoa(khzToTens(khz)))
}

// ShiftIntent sets the filter center shift from kHz (1.5 => IS0150)
func ShiftIntent(vfo VFO, khz float64) Invocation {
	return Set("IS", vfo, strconv.Itoa(khzToTens(khz)))
}

// CyclePresetIntent advances to the next filter preset
func CyclePresetIntent(vfo VFO) Invocation {
	return Do("FP", vfo, ActUp)
}

// PTTIntent keys or unkeys the transmitter
func PTTIntent(on bool) Invocation {
	if on {
		return Set("TX", VFOMain, "")
	}
	return Set("RX", VFOMain, "")
}

func khzToTens(khz float64) int {
	return int(math.Round(khz * 1000 / 10))
}

// TensToKHz converts a BW/IS wire value in 10 Hz units to kHz
func TensToKHz(v int) float64 {
	return float64(v) * 10 / 1000
}
