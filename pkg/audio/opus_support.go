//go:build opus
// +build opus

package audio

import (
	"fmt"

	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/protocol"
	opus "gopkg.in/hraban/opus.v2"
)

// OpusAvailable reports whether the binary was built with libopus
const OpusAvailable = true

type opusDecoder struct {
	dec *opus.Decoder
}

func newOpusDecoder(sampleRate, channels int) (opusCodec, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

func (d *opusDecoder) decodeInt16(data []byte, pcm []int16) (int, error) {
	return d.dec.Decode(data, pcm)
}

func (d *opusDecoder) decodeFloat(data []byte, pcm []float32) (int, error) {
	return d.dec.DecodeFloat32(data, pcm)
}

// OpusEncoder encodes TX blocks for the EM2 and EM3 modes
type OpusEncoder struct {
	enc  *opus.Encoder
	mode protocol.AudioMode
	pcm  []int16
	buf  []byte
}

func newOpusEncoder(mode protocol.AudioMode, sampleRate, channels, bitrate, complexity int) (Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if bitrate > 0 {
		if err := enc.SetBitrate(bitrate); err != nil {
			logging.Warn(logging.CompAudio, "Failed to set opus bitrate", map[string]interface{}{"bitrate": bitrate, "error": err.Error()})
		}
	}
	if complexity > 0 {
		if err := enc.SetComplexity(complexity); err != nil {
			logging.Warn(logging.CompAudio, "Failed to set opus complexity", map[string]interface{}{"complexity": complexity, "error": err.Error()})
		}
	}

	logging.Info(logging.CompAudio, "Opus encoder ready", map[string]interface{}{
		"mode":        mode.String(),
		"sample_rate": sampleRate,
		"channels":    channels,
		"bitrate":     bitrate,
	})
	return &OpusEncoder{enc: enc, mode: mode, buf: make([]byte, 4000)}, nil
}

// Mode implements Encoder
func (e *OpusEncoder) Mode() protocol.AudioMode { return e.mode }

// Encode implements Encoder
func (e *OpusEncoder) Encode(stereo []float32) ([]byte, error) {
	var n int
	var err error
	if e.mode == protocol.AudioOpusFloat {
		n, err = e.enc.EncodeFloat32(stereo, e.buf)
	} else {
		if cap(e.pcm) < len(stereo) {
			e.pcm = make([]int16, len(stereo))
		}
		e.pcm = e.pcm[:len(stereo)]
		for i, s := range stereo {
			e.pcm[i] = clampPCM16(s)
		}
		n, err = e.enc.Encode(e.pcm, e.buf)
	}
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}
