//go:build !opus
// +build !opus

package audio

import (
	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/protocol"
)

// OpusAvailable reports whether the binary was built with libopus
const OpusAvailable = false

func newOpusDecoder(sampleRate, channels int) (opusCodec, error) {
	return nil, ErrOpusUnavailable
}

func newOpusEncoder(mode protocol.AudioMode, sampleRate, channels, bitrate, complexity int) (Encoder, error) {
	logging.Warn(logging.CompAudio, "Opus encoding requested but not compiled in, falling back to raw16. Rebuild with -tags opus", map[string]interface{}{
		"mode": mode.String(),
	})
	return nil, ErrOpusUnavailable
}
