package protocol

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	// DefaultPort is the K4 remote control port
	DefaultPort = 9205

	audioVersion     byte = 1
	audioHeaderLen        = 7
	panHeaderLen          = 3 + 24
	panDBOffset           = 160
	defaultAudioRate      = 12000
)

// EncodeFrame wraps a payload with markers and the big-endian length
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 0, headerLen+len(payload)+len(EndMarker))
	out = append(out, StartMarker...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	out = append(out, EndMarker...)
	return out
}

// EncodeCAT frames one or more ';'-terminated CAT commands
func EncodeCAT(text string) []byte {
	payload := make([]byte, 3, 3+len(text))
	payload[0] = PayloadCAT
	payload = append(payload, text...)
	return EncodeFrame(payload)
}

// AuthToken returns the handshake bytes for a password: the lowercase hex
// SHA-384 digest as ASCII.
func AuthToken(password string) []byte {
	sum := sha512.Sum384([]byte(password))
	return []byte(hex.EncodeToString(sum[:]))
}

// AudioMode is the K4 audio encoding selected with the EM command
type AudioMode byte

const (
	AudioRaw32     AudioMode = 0
	AudioRaw16     AudioMode = 1
	AudioOpus16    AudioMode = 2
	AudioOpusFloat AudioMode = 3
)

// String returns string representation of the audio mode
func (m AudioMode) String() string {
	switch m {
	case AudioRaw32:
		return "raw32"
	case AudioRaw16:
		return "raw16"
	case AudioOpus16:
		return "opus16"
	case AudioOpusFloat:
		return "opus_float"
	default:
		return fmt.Sprintf("mode%d", byte(m))
	}
}

// IsOpus reports whether the mode carries Opus packets
func (m AudioMode) IsOpus() bool {
	return m == AudioOpus16 || m == AudioOpusFloat
}

// AudioPacket is a decoded audio payload header plus its data
type AudioPacket struct {
	Seq        byte
	Mode       AudioMode
	FrameSize  int // samples per channel
	SampleRate int
	Data       []byte
}

// EncodeAudio builds an audio frame ready for the wire
func EncodeAudio(pkt AudioPacket) []byte {
	payload := make([]byte, audioHeaderLen, audioHeaderLen+len(pkt.Data))
	payload[0] = PayloadAudio
	payload[1] = audioVersion
	payload[2] = pkt.Seq
	payload[3] = byte(pkt.Mode)
	binary.LittleEndian.PutUint16(payload[4:6], uint16(pkt.FrameSize))
	if pkt.SampleRate != defaultAudioRate && pkt.SampleRate > 0 {
		payload[6] = byte(pkt.SampleRate / 1000)
	}
	payload = append(payload, pkt.Data...)
	return EncodeFrame(payload)
}

// DecodeAudio parses the audio header of an audio frame payload
func DecodeAudio(payload []byte) (AudioPacket, error) {
	if len(payload) < audioHeaderLen {
		return AudioPacket{}, fmt.Errorf("%w: audio payload too short (%d bytes)", ErrProtocolDesync, len(payload))
	}
	if payload[0] != PayloadAudio {
		return AudioPacket{}, fmt.Errorf("%w: not an audio payload (type %d)", ErrProtocolDesync, payload[0])
	}
	pkt := AudioPacket{
		Seq:        payload[2],
		Mode:       AudioMode(payload[3]),
		FrameSize:  int(binary.LittleEndian.Uint16(payload[4:6])),
		SampleRate: defaultAudioRate,
		Data:       payload[audioHeaderLen:],
	}
	if payload[6] != 0 {
		pkt.SampleRate = int(payload[6]) * 1000
	}
	return pkt, nil
}

// PanPacket is a decoded panadapter payload
type PanPacket struct {
	PanType    byte
	Receiver   byte
	CenterHz   int64
	SampleRate int32 // kHz, equal to the span the radio is sweeping
	NoiseFloor int32
	Bins       []float64 // dB
	Mini       bool
	DataLength int
}

// SpanHz returns the span implied by the sample rate
func (p PanPacket) SpanHz() int64 {
	return int64(p.SampleRate) * 1000
}

// DecodePAN parses a PAN payload. Bin bytes are offset by 160 dB.
func DecodePAN(payload []byte) (PanPacket, error) {
	if len(payload) < panHeaderLen {
		return PanPacket{}, fmt.Errorf("%w: pan payload too short (%d bytes)", ErrProtocolDesync, len(payload))
	}
	if payload[0] != PayloadPAN && payload[0] != PayloadMiniPAN {
		return PanPacket{}, fmt.Errorf("%w: not a pan payload (type %d)", ErrProtocolDesync, payload[0])
	}

	b := payload[3:]
	pkt := PanPacket{
		PanType:    b[0],
		Receiver:   b[1],
		DataLength: int(binary.LittleEndian.Uint16(b[2:4])),
		CenterHz:   int64(binary.LittleEndian.Uint64(b[8:16])),
		SampleRate: int32(binary.LittleEndian.Uint32(b[16:20])),
		NoiseFloor: int32(binary.LittleEndian.Uint32(b[20:24])),
		Mini:       payload[0] == PayloadMiniPAN,
	}

	raw := payload[panHeaderLen:]
	pkt.Bins = make([]float64, len(raw))
	for i, v := range raw {
		pkt.Bins[i] = float64(v) - panDBOffset
	}
	return pkt, nil
}

// EncodePAN builds a PAN frame. The bridge never sends one; fake radios do.
func EncodePAN(pkt PanPacket) []byte {
	payload := make([]byte, panHeaderLen, panHeaderLen+len(pkt.Bins))
	payload[0] = PayloadPAN
	if pkt.Mini {
		payload[0] = PayloadMiniPAN
	}
	b := payload[3:]
	b[0] = pkt.PanType
	b[1] = pkt.Receiver
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(pkt.Bins)))
	binary.LittleEndian.PutUint64(b[8:16], uint64(pkt.CenterHz))
	binary.LittleEndian.PutUint32(b[16:20], uint32(pkt.SampleRate))
	binary.LittleEndian.PutUint32(b[20:24], uint32(pkt.NoiseFloor))
	for _, db := range pkt.Bins {
		v := db + panDBOffset
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		payload = append(payload, byte(v))
	}
	return EncodeFrame(payload)
}
