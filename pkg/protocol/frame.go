package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Frame markers and limits of the K4 binary framing
var (
	StartMarker = []byte{0xFE, 0xFD, 0xFC, 0xFB}
	EndMarker   = []byte{0xFB, 0xFC, 0xFD, 0xFE}
)

const (
	headerLen = 8 // start marker + u32 length

	// MaxPayload is the largest payload length the parser accepts before
	// treating the length field as corrupt.
	MaxPayload = 64 * 1024
	// MaxBuffer bounds the rolling buffer while waiting for a frame to complete.
	MaxBuffer = 256 * 1024
	// maxLooseText bounds an unframed text command still waiting for its ';'.
	maxLooseText = 512
)

// Payload type tags (payload byte 0)
const (
	PayloadCAT     byte = 0
	PayloadAudio   byte = 1
	PayloadPAN     byte = 2
	PayloadMiniPAN byte = 3
)

// FrameKind tags a frame for the downstream consumers
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameAudio
	FrameSpectrum
)

// String returns string representation of the frame kind
func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameAudio:
		return "audio"
	case FrameSpectrum:
		return "spectrum"
	default:
		return "unknown"
	}
}

// Frame is one unit extracted from the radio byte stream. Text frames carry one
// or more ';'-terminated CAT commands, whether they arrived framed or loose.
type Frame struct {
	Kind    FrameKind
	Version byte
	Seq     byte
	Mini    bool   // mini-PAN spectrum
	Framed  bool   // false for text seen outside binary framing
	Text    string // FrameText only
	Payload []byte // full payload including the 3 byte header
}

// Body returns the payload after the type/version/sequence header
func (f Frame) Body() []byte {
	if len(f.Payload) < 3 {
		return nil
	}
	return f.Payload[3:]
}

// ParserStats counts what the parser has seen
type ParserStats struct {
	Frames    uint64
	Desyncs   uint64
	Discarded uint64 // bytes thrown away while resynchronising
	Unknown   uint64 // frames with an unrecognised payload type
}

// Parser turns the raw byte stream into frames. It is not safe for concurrent
// use; the connection read loop owns it.
type Parser struct {
	buf   []byte
	loose []byte
	stats ParserStats

	// OnDesync, when set, is called for every resynchronisation with the reason.
	OnDesync func(err error)
}

// NewParser creates a new parser
func NewParser() *Parser {
	return &Parser{
		buf:   make([]byte, 0, 4096),
		loose: make([]byte, 0, 64),
	}
}

// Reset drops all buffered bytes, used when a new connection starts
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.loose = p.loose[:0]
}

// Stats returns a copy of the parser counters
func (p *Parser) Stats() ParserStats {
	return p.stats
}

// Buffered returns the number of bytes waiting for a frame to complete
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Feed appends data to the rolling buffer and returns every frame it completes,
// in stream order.
func (p *Parser) Feed(data []byte) []Frame {
	p.buf = append(p.buf, data...)

	var frames []Frame
	for {
		idx := bytes.Index(p.buf, StartMarker)
		if idx < 0 {
			keep := partialMarkerSuffix(p.buf)
			frames = p.scanLoose(p.buf[:len(p.buf)-keep], frames)
			p.buf = shift(p.buf, len(p.buf)-keep)
			break
		}
		if idx > 0 {
			frames = p.scanLoose(p.buf[:idx], frames)
			p.buf = shift(p.buf, idx)
		}
		// a loose command cannot straddle a binary frame
		p.loose = p.loose[:0]

		if len(p.buf) < headerLen {
			break
		}

		n := int(binary.BigEndian.Uint32(p.buf[4:8]))
		if n < 3 || n > MaxPayload {
			p.desync(fmt.Errorf("%w: payload length %d out of range", ErrProtocolDesync, n))
			p.buf = shift(p.buf, 1)
			continue
		}

		total := headerLen + n + len(EndMarker)
		if len(p.buf) < total {
			if len(p.buf) > MaxBuffer {
				p.desync(fmt.Errorf("%w: buffer exceeded %d bytes", ErrProtocolDesync, MaxBuffer))
				p.stats.Discarded += uint64(len(p.buf))
				p.buf = p.buf[:0]
			}
			break
		}

		if !bytes.Equal(p.buf[headerLen+n:total], EndMarker) {
			p.desync(fmt.Errorf("%w: end marker missing after %d byte payload", ErrProtocolDesync, n))
			p.buf = shift(p.buf, 1)
			continue
		}

		payload := make([]byte, n)
		copy(payload, p.buf[headerLen:headerLen+n])
		p.buf = shift(p.buf, total)

		frame, ok := p.classify(payload)
		if !ok {
			continue
		}
		p.stats.Frames++
		frames = append(frames, frame)
	}

	return frames
}

func (p *Parser) classify(payload []byte) (Frame, bool) {
	frame := Frame{
		Framed:  true,
		Version: payload[1],
		Seq:     payload[2],
		Payload: payload,
	}

	switch payload[0] {
	case PayloadCAT:
		frame.Kind = FrameText
		frame.Text = string(payload[3:])
	case PayloadAudio:
		frame.Kind = FrameAudio
	case PayloadPAN:
		frame.Kind = FrameSpectrum
	case PayloadMiniPAN:
		frame.Kind = FrameSpectrum
		frame.Mini = true
	default:
		p.stats.Unknown++
		p.desync(fmt.Errorf("%w: unknown payload type %d", ErrProtocolDesync, payload[0]))
		return Frame{}, false
	}
	return frame, true
}

// scanLoose collects printable text outside binary frames; a ';' completes a
// command and any non-printable byte resets the run.
func (p *Parser) scanLoose(data []byte, frames []Frame) []Frame {
	for _, b := range data {
		switch {
		case b == ';':
			if len(p.loose) > 0 {
				text := string(p.loose) + ";"
				p.loose = p.loose[:0]
				p.stats.Frames++
				frames = append(frames, Frame{Kind: FrameText, Text: text})
			}
		case b >= 0x20 && b < 0x7f:
			if len(p.loose) >= maxLooseText {
				p.stats.Discarded += uint64(len(p.loose))
				p.loose = p.loose[:0]
			}
			p.loose = append(p.loose, b)
		default:
			p.stats.Discarded += uint64(len(p.loose)) + 1
			p.loose = p.loose[:0]
		}
	}
	return frames
}

func (p *Parser) desync(err error) {
	p.stats.Desyncs++
	if p.OnDesync != nil {
		p.OnDesync(err)
	}
}

// partialMarkerSuffix returns how many trailing bytes could be the beginning of
// a start marker split across reads.
func partialMarkerSuffix(buf []byte) int {
	max := len(StartMarker) - 1
	if len(buf) < max {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if bytes.Equal(buf[len(buf)-n:], StartMarker[:n]) {
			return n
		}
	}
	return 0
}

// shift drops the first n bytes while reusing the backing array
func shift(buf []byte, n int) []byte {
	if n <= 0 {
		return buf
	}
	m := copy(buf, buf[n:])
	return buf[:m]
}
