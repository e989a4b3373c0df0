package verbose

import (
	"encoding/hex"
	"os"
	"strings"
	"sync"

	"github.com/dougsko/k4d/pkg/logging"
)

// Trace categories
const (
	Network  = "network"
	CAT      = "cat"
	Audio    = "audio"
	Spectrum = "spectrum"
)

// EnvVar lists categories to enable, comma separated, "all" for every one
const EnvVar = "K4D_TRACE"

var (
	mu      sync.RWMutex
	enabled = map[string]bool{}
)

// SetEnabled turns tracing for a category on or off
func SetEnabled(category string, enable bool) {
	mu.Lock()
	defer mu.Unlock()
	if category == "all" {
		for _, c := range []string{Network, CAT, Audio, Spectrum} {
			enabled[c] = enable
		}
		return
	}
	enabled[category] = enable
}

// Configure enables the given categories plus whatever K4D_TRACE names
func Configure(categories []string) {
	for _, c := range categories {
		SetEnabled(strings.TrimSpace(strings.ToLower(c)), true)
	}
	if env := os.Getenv(EnvVar); env != "" {
		for _, c := range strings.Split(env, ",") {
			SetEnabled(strings.TrimSpace(strings.ToLower(c)), true)
		}
	}
}

// IsEnabled returns whether tracing is enabled for a category
func IsEnabled(category string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled[category]
}

// Printf logs a trace line if the category is enabled
func Printf(category, format string, args ...interface{}) {
	if IsEnabled(category) {
		logging.Debugf(category, "[TRACE] "+format, args...)
	}
}

// Hex logs up to limit bytes of data as hex if the category is enabled
func Hex(category, label string, data []byte, limit int) {
	if !IsEnabled(category) {
		return
	}
	if limit > 0 && len(data) > limit {
		logging.Debugf(category, "[TRACE] %s (%d bytes): %s...", label, len(data), hex.EncodeToString(data[:limit]))
		return
	}
	logging.Debugf(category, "[TRACE] %s (%d bytes): %s", label, len(data), hex.EncodeToString(data))
}
