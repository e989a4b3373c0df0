package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParserCATFrame(t *testing.T) {
	p := NewParser()
	frames := p.Feed(EncodeCAT("FA00014074000;MD2;"))

	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(frames))
	}
	if frames[0].Kind != FrameText {
		t.Errorf("Expected text frame, got %s", frames[0].Kind)
	}
	if frames[0].Text != "FA00014074000;MD2;" {
		t.Errorf("Expected CAT text, got %q", frames[0].Text)
	}
	if !frames[0].Framed {
		t.Error("Expected framed text")
	}
}

func TestParserSplitAcrossReads(t *testing.T) {
	data := EncodeCAT("FB00007040000;")
	p := NewParser()

	var frames []Frame
	for i := range data {
		frames = append(frames, p.Feed(data[i:i+1])...)
	}

	require.Len(t, frames, 1)
	assert.Equal(t, "FB00007040000;", frames[0].Text)
	assert.Equal(t, 0, p.Buffered())
}

func TestParserLooseText(t *testing.T) {
	t.Run("Unframed Commands", func(t *testing.T) {
		p := NewParser()
		frames := p.Feed([]byte("FA00014074000;MD2;"))
		require.Len(t, frames, 2)
		assert.Equal(t, "FA00014074000;", frames[0].Text)
		assert.Equal(t, "MD2;", frames[1].Text)
		assert.False(t, frames[0].Framed)
	})

	t.Run("Text Around Binary Frame", func(t *testing.T) {
		var stream []byte
		stream = append(stream, []byte("SM012;")...)
		stream = append(stream, EncodeAudio(AudioPacket{Seq: 7, Mode: AudioRaw16, FrameSize: 1, Data: []byte{1, 0, 2, 0}})...)
		stream = append(stream, []byte("PC050;")...)

		frames := NewParser().Feed(stream)
		require.Len(t, frames, 3)
		assert.Equal(t, FrameText, frames[0].Kind)
		assert.Equal(t, FrameAudio, frames[1].Kind)
		assert.Equal(t, byte(7), frames[1].Seq)
		assert.Equal(t, "PC050;", frames[2].Text)
	})

	t.Run("Noise Resets Pending Text", func(t *testing.T) {
		frames := NewParser().Feed([]byte{'F', 'A', 0x00, 'M', 'D', '1', ';'})
		require.Len(t, frames, 1)
		assert.Equal(t, "MD1;", frames[0].Text)
	})
}

func TestParserDesync(t *testing.T) {
	t.Run("Bad End Marker Recovers", func(t *testing.T) {
		bad := EncodeAudio(AudioPacket{Mode: AudioRaw16, FrameSize: 1, Data: []byte{1, 0, 2, 0}})
		bad[len(bad)-1] = 0x00
		good := EncodeCAT("MD3;")

		var reasons []error
		p := NewParser()
		p.OnDesync = func(err error) { reasons = append(reasons, err) }

		frames := p.Feed(append(bad, good...))
		require.Len(t, frames, 1)
		assert.Equal(t, "MD3;", frames[0].Text)
		assert.NotZero(t, p.Stats().Desyncs)
		require.NotEmpty(t, reasons)
		assert.True(t, errors.Is(reasons[0], ErrProtocolDesync))
	})

	t.Run("Oversized Length", func(t *testing.T) {
		frame := append([]byte{}, StartMarker...)
		frame = binary.BigEndian.AppendUint32(frame, MaxPayload+1)
		frame = append(frame, EncodeCAT("RX;")...)

		p := NewParser()
		frames := p.Feed(frame)
		require.Len(t, frames, 1)
		assert.Equal(t, "RX;", frames[0].Text)
		assert.Equal(t, uint64(1), p.Stats().Desyncs)
	})

	t.Run("Unknown Payload Type", func(t *testing.T) {
		p := NewParser()
		frames := p.Feed(EncodeFrame([]byte{9, 0, 0, 1, 2}))
		assert.Empty(t, frames)
		assert.Equal(t, uint64(1), p.Stats().Unknown)
	})

	t.Run("Partial Frame Waits", func(t *testing.T) {
		data := EncodeCAT("FA00014074000;")
		p := NewParser()
		assert.Empty(t, p.Feed(data[:10]))
		assert.Equal(t, 10, p.Buffered())
		assert.Len(t, p.Feed(data[10:]), 1)
	})
}

func TestParserMiniPAN(t *testing.T) {
	frames := NewParser().Feed(EncodePAN(PanPacket{Mini: true, Bins: []float64{-100, -90}}))
	require.Len(t, frames, 1)
	assert.Equal(t, FrameSpectrum, frames[0].Kind)
	assert.True(t, frames[0].Mini)
}

// noiseByte never forms a marker or terminates a text command
func noiseByte() *rapid.Generator[byte] {
	return rapid.Byte().Filter(func(b byte) bool {
		return b != 0xFE && b != 0xFB && b != ';'
	})
}

func genPayload() *rapid.Generator[[]byte] {
	return rapid.Custom(func(t *rapid.T) []byte {
		kind := rapid.SampledFrom([]byte{PayloadCAT, PayloadAudio, PayloadPAN, PayloadMiniPAN}).Draw(t, "kind")
		body := rapid.SliceOfN(rapid.Byte(), 0, 300).Draw(t, "body")
		return append([]byte{kind, 1, rapid.Byte().Draw(t, "seq")}, body...)
	})
}

func TestParserProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloads := rapid.SliceOfN(genPayload(), 0, 20).Draw(t, "payloads")

		var stream []byte
		for i, payload := range payloads {
			stream = append(stream, rapid.SliceOfN(noiseByte(), 0, 40).Draw(t, "noise")...)
			stream = append(stream, EncodeFrame(payload)...)
			if i == len(payloads)-1 {
				stream = append(stream, rapid.SliceOfN(noiseByte(), 0, 40).Draw(t, "tail")...)
			}
		}

		p := NewParser()
		var frames []Frame
		for len(stream) > 0 {
			n := rapid.IntRange(1, 64).Draw(t, "chunk")
			if n > len(stream) {
				n = len(stream)
			}
			frames = append(frames, p.Feed(stream[:n])...)
			stream = stream[n:]
		}

		if len(frames) != len(payloads) {
			t.Fatalf("expected %d frames, got %d", len(payloads), len(frames))
		}
		for i := range payloads {
			if !bytes.Equal(frames[i].Payload, payloads[i]) {
				t.Fatalf("frame %d payload mismatch", i)
			}
		}
	})
}
