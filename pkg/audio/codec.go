package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dougsko/k4d/pkg/protocol"
)

const (
	// RadioSampleRate is the K4 audio rate in both directions
	RadioSampleRate = 12000
	// TXFrameSize is the samples per channel in one TX packet (20 ms)
	TXFrameSize = 240

	pcm16Max = 32767
	pcm32Max = 1 << 31

	// opus float audio arrives far below full scale
	opusFloatGain = 32
)

// ErrOpusUnavailable is returned when the binary was built without the opus tag
var ErrOpusUnavailable = errors.New("opus support not compiled in")

// Decoder turns one RX packet into interleaved main/sub float samples
type Decoder interface {
	Decode(pkt protocol.AudioPacket, out []float32) ([]float32, error)
}

// Encoder turns one interleaved stereo block into packet data
type Encoder interface {
	Mode() protocol.AudioMode
	Encode(stereo []float32) ([]byte, error)
}

// opusCodec is implemented in opus_support.go or opus_stub.go
type opusCodec interface {
	decodeInt16(data []byte, pcm []int16) (int, error)
	decodeFloat(data []byte, pcm []float32) (int, error)
}

// ModeDecoder decodes every mode the radio may switch to, creating the
// opus decoder on first use
type ModeDecoder struct {
	opus opusCodec
}

// NewModeDecoder creates a decoder for K4 RX audio
func NewModeDecoder() *ModeDecoder {
	return &ModeDecoder{}
}

func grow(out []float32, n int) []float32 {
	if cap(out) < n {
		return make([]float32, n)
	}
	return out[:n]
}

// Decode implements Decoder
func (d *ModeDecoder) Decode(pkt protocol.AudioPacket, out []float32) ([]float32, error) {
	switch pkt.Mode {
	case protocol.AudioRaw32:
		return decodeRaw32(pkt.Data, out)
	case protocol.AudioRaw16:
		return decodeRaw16(pkt.Data, out)
	case protocol.AudioOpus16, protocol.AudioOpusFloat:
		if d.opus == nil {
			codec, err := newOpusDecoder(RadioSampleRate, 2)
			if err != nil {
				return nil, err
			}
			d.opus = codec
		}
		return d.decodeOpus(pkt, out)
	default:
		return nil, fmt.Errorf("%w: audio mode %d", protocol.ErrProtocolDesync, pkt.Mode)
	}
}

func (d *ModeDecoder) decodeOpus(pkt protocol.AudioPacket, out []float32) ([]float32, error) {
	frame := pkt.FrameSize
	if frame <= 0 {
		frame = TXFrameSize
	}

	if pkt.Mode == protocol.AudioOpus16 {
		pcm := make([]int16, frame*2)
		n, err := d.opus.decodeInt16(pkt.Data, pcm)
		if err != nil {
			return nil, fmt.Errorf("opus decode: %w", err)
		}
		out = grow(out, n*2)
		for i := range out {
			out[i] = float32(pcm[i]) / pcm16Max
		}
		return out, nil
	}

	out = grow(out, frame*2)
	n, err := d.opus.decodeFloat(pkt.Data, out)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	out = out[:n*2]
	for i := range out {
		out[i] *= opusFloatGain
	}
	return out, nil
}

func decodeRaw32(data []byte, out []float32) ([]float32, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("raw32 stereo data length %d is not a multiple of 8", len(data))
	}
	out = grow(out, len(data)/4)
	for i := range out {
		v := int32(binary.LittleEndian.Uint32(data[i*4:]))
		out[i] = float32(float64(v) / pcm32Max)
	}
	return out, nil
}

func decodeRaw16(data []byte, out []float32) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("raw16 stereo data length %d is not a multiple of 4", len(data))
	}
	out = grow(out, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / pcm16Max
	}
	return out, nil
}

// Raw16Encoder packs float samples as little-endian int16
type Raw16Encoder struct{}

// Mode implements Encoder
func (Raw16Encoder) Mode() protocol.AudioMode { return protocol.AudioRaw16 }

// Encode implements Encoder
func (Raw16Encoder) Encode(stereo []float32) ([]byte, error) {
	out := make([]byte, len(stereo)*2)
	for i, s := range stereo {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clampPCM16(s)))
	}
	return out, nil
}

func clampPCM16(s float32) int16 {
	v := math.Round(float64(s) * pcm16Max)
	if v > pcm16Max {
		v = pcm16Max
	}
	if v < -pcm16Max-1 {
		v = -pcm16Max - 1
	}
	return int16(v)
}

// EffectiveMode is the mode to request from the radio given the codecs
// compiled into this binary
func EffectiveMode(m protocol.AudioMode) protocol.AudioMode {
	if m.IsOpus() && !OpusAvailable {
		return protocol.AudioRaw16
	}
	return m
}

// NewEncoder returns the TX encoder for a mode. Opus modes fall back to
// raw16 when opus is unavailable.
func NewEncoder(mode protocol.AudioMode, bitrate, complexity int) (Encoder, error) {
	switch mode {
	case protocol.AudioOpus16, protocol.AudioOpusFloat:
		enc, err := newOpusEncoder(mode, RadioSampleRate, 2, bitrate, complexity)
		if err != nil {
			if errors.Is(err, ErrOpusUnavailable) {
				return Raw16Encoder{}, nil
			}
			return nil, err
		}
		return enc, nil
	default:
		return Raw16Encoder{}, nil
	}
}
