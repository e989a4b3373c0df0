package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/dougsko/k4d/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoute(t *testing.T) {
	const main, sub = float32(0.5), float32(0.25)
	mix := (main + sub) / 2

	tests := []struct {
		routing     Routing
		left, right float32
	}{
		{RouteAB, main, sub},
		{RouteMix, mix, mix},
		{RouteBinaural, main, -main},
		{RouteAMix, main, mix},
		{RouteMixB, mix, sub},
		{RouteMixA, mix, main},
		{RouteBMix, sub, mix},
		{RouteBB, sub, sub},
		{RouteBA, sub, main},
		{RouteAA, main, main},
	}
	if len(tests) != len(Routings) {
		t.Fatalf("Expected a case for each of %d routings, got %d", len(Routings), len(tests))
	}

	for _, tt := range tests {
		t.Run(string(tt.routing), func(t *testing.T) {
			l, r := Route(tt.routing, main, sub)
			if l != tt.left || r != tt.right {
				t.Errorf("Expected (%v, %v), got (%v, %v)", tt.left, tt.right, l, r)
			}
		})
	}
}

func TestParseRouting(t *testing.T) {
	if r, err := ParseRouting(" AB.A "); err != nil || r != RouteMixA {
		t.Errorf("Expected ab.a, got %q (%v)", r, err)
	}
	if _, err := ParseRouting("c.d"); err == nil {
		t.Error("Expected an error for an unknown pattern")
	}
}

func TestApply(t *testing.T) {
	t.Run("Gains", func(t *testing.T) {
		s := RoutingState{SubEnabled: true, Routing: RouteAB, MainVolume: 50, SubVolume: 25, MasterVolume: 10}
		out := s.Apply([]float32{0.1, 0.2}, nil)
		require.Len(t, out, 2)
		assert.InDelta(t, 0.03, out[0], 1e-6)
		assert.InDelta(t, 0.03, out[1], 1e-6)
	})

	t.Run("Sub Disabled Copies Main", func(t *testing.T) {
		s := RoutingState{SubEnabled: false, Routing: RouteBB, MainVolume: 50, SubVolume: 100, MasterVolume: 10}
		out := s.Apply([]float32{0.1, 0.9}, nil)
		assert.InDelta(t, 0.03, out[0], 1e-6)
		assert.InDelta(t, 0.03, out[1], 1e-6)
	})

	t.Run("Normalizes Clipping", func(t *testing.T) {
		s := RoutingState{SubEnabled: true, Routing: RouteAB, MainVolume: 100, SubVolume: 100, MasterVolume: 100}
		out := s.Apply([]float32{1, 0.5, -0.25, 0}, nil)
		assert.InDelta(t, 1.0, out[0], 1e-6)
		assert.InDelta(t, 0.5, out[1], 1e-6)
		assert.InDelta(t, -0.25, out[2], 1e-6)
		for _, v := range out {
			if v > 1 || v < -1 {
				t.Errorf("Expected samples within -1..1, got %v", v)
			}
		}
	})
}

func TestControls(t *testing.T) {
	c := NewControls(RoutingState{Routing: RouteAB, MainVolume: 10, SubVolume: 10, MasterVolume: 10})

	s, err := c.SetMainVolume(40)
	require.NoError(t, err)
	assert.Equal(t, 40, s.MainVolume)

	_, err = c.SetMasterVolume(101)
	assert.Error(t, err)
	assert.Equal(t, 10, c.Load().MasterVolume, "failed update must leave state unchanged")

	_, err = c.SetRouting("x.y")
	assert.Error(t, err)
	assert.Equal(t, RouteAB, c.Load().Routing)

	s, err = c.SetRouting("a.-a")
	require.NoError(t, err)
	assert.Equal(t, RouteBinaural, s.Routing)

	s, _ = c.SetSubEnabled(true)
	assert.True(t, s.SubEnabled)

	var wg sync.WaitGroup
	for i := 0; i <= 100; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			c.SetSubVolume(v)
			_ = c.Load()
		}(i)
	}
	wg.Wait()
	if v := c.Load().SubVolume; v < 0 || v > 100 {
		t.Errorf("Expected a volume written by one of the setters, got %d", v)
	}
}

func raw16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestDecodeRaw(t *testing.T) {
	out, err := decodeRaw16(raw16(32767, -32767, 0, 16384), nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, out[0], 1e-6)
	assert.InDelta(t, -1.0, out[1], 1e-6)
	assert.InDelta(t, 0.5, out[3], 1e-3)

	if _, err := decodeRaw16([]byte{1, 2, 3}, nil); err == nil {
		t.Error("Expected an error for a partial stereo sample")
	}

	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:], uint32(1<<30))
	v := int32(-1 << 30)
	binary.LittleEndian.PutUint32(data[4:], uint32(v))
	out, err = decodeRaw32(data, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out[0], 1e-6)
	assert.InDelta(t, -0.5, out[1], 1e-6)
}

func TestOpusFallback(t *testing.T) {
	if OpusAvailable {
		t.Skip("built with opus")
	}
	if EffectiveMode(protocol.AudioOpusFloat) != protocol.AudioRaw16 {
		t.Error("Expected opus modes to fall back to raw16")
	}
	enc, err := NewEncoder(protocol.AudioOpusFloat, 64000, 5)
	require.NoError(t, err)
	assert.Equal(t, protocol.AudioRaw16, enc.Mode())

	_, err = NewModeDecoder().Decode(protocol.AudioPacket{Mode: protocol.AudioOpusFloat, Data: []byte{1}}, nil)
	if !errors.Is(err, ErrOpusUnavailable) {
		t.Errorf("Expected ErrOpusUnavailable, got: %v", err)
	}
}

func TestDecodeUnknownMode(t *testing.T) {
	_, err := NewModeDecoder().Decode(protocol.AudioPacket{Mode: protocol.AudioMode(9), Data: []byte{1, 2}}, nil)
	if !errors.Is(err, protocol.ErrProtocolDesync) {
		t.Errorf("Expected ErrProtocolDesync, got: %v", err)
	}
}

func TestRXOverrunDropsOldest(t *testing.T) {
	controls := NewControls(RoutingState{SubEnabled: true, Routing: RouteAB, MainVolume: 50, SubVolume: 50, MasterVolume: 10})
	rx := NewRX(controls, 2, nil, nil)

	for seq := 0; seq < 5; seq++ {
		err := rx.ProcessPacket(protocol.AudioPacket{Seq: byte(seq), Mode: protocol.AudioRaw16, FrameSize: 2, Data: raw16(100, 200, 300, 400)})
		require.NoError(t, err)
	}

	if rx.Overruns() != 3 {
		t.Errorf("Expected 3 overruns, got %d", rx.Overruns())
	}
	first, second := <-rx.Frames(), <-rx.Frames()
	if first.Seq != 3 || second.Seq != 4 {
		t.Errorf("Expected the newest frames 3 and 4, got %d and %d", first.Seq, second.Seq)
	}
	if len(first.Samples) != 4 {
		t.Errorf("Expected 4 interleaved samples, got %d", len(first.Samples))
	}
	if len(first.Bytes()) != 16 {
		t.Errorf("Expected 16 bytes of float32, got %d", len(first.Bytes()))
	}
}

func TestRXRejectsBadPayload(t *testing.T) {
	rx := NewRX(NewControls(RoutingState{Routing: RouteAB}), 2, nil, nil)
	if err := rx.Process([]byte{1, 1}); !errors.Is(err, protocol.ErrProtocolDesync) {
		t.Errorf("Expected ErrProtocolDesync, got: %v", err)
	}
	if err := rx.ProcessPacket(protocol.AudioPacket{Mode: protocol.AudioRaw16, Data: []byte{1}}); err == nil {
		t.Error("Expected an error for a truncated block")
	}
}

func TestDecimate(t *testing.T) {
	out := Decimate([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 4, nil)
	require.Len(t, out, 2)
	assert.InDelta(t, 2.5, out[0], 1e-6)
	assert.InDelta(t, 6.5, out[1], 1e-6)
}

type sink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *sink) send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return true
}

func (s *sink) packets(t *testing.T) []protocol.AudioPacket {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.AudioPacket
	for _, f := range s.frames {
		parser := protocol.NewParser()
		frames := parser.Feed(f)
		require.Len(t, frames, 1)
		pkt, err := protocol.DecodeAudio(frames[0].Payload)
		require.NoError(t, err)
		out = append(out, pkt)
	}
	return out
}

func block(ts uint64, n int, value float32) []byte {
	out := make([]byte, 8+n*4)
	binary.LittleEndian.PutUint64(out, ts)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(out[8+i*4:], math.Float32bits(value))
	}
	return out
}

func newTestTX(s *sink) *TX {
	return NewTX(TXOptions{InputSampleRate: 48000, MicGain: 100, Send: s.send})
}

func TestTX(t *testing.T) {
	t.Run("Zero Length Rejected", func(t *testing.T) {
		s := &sink{}
		tx := newTestTX(s)
		require.NoError(t, tx.Start("c1"))
		assert.ErrorIs(t, tx.Push("c1", nil), ErrEmptyBlock)
		assert.ErrorIs(t, tx.Push("c1", block(1, 0, 0)), ErrEmptyBlock)
		assert.Empty(t, s.packets(t))
	})

	t.Run("Inactive Discarded", func(t *testing.T) {
		s := &sink{}
		tx := newTestTX(s)
		assert.ErrorIs(t, tx.Push("c1", block(1, 960, 1)), ErrTXInactive)
		assert.Empty(t, s.packets(t))
	})

	t.Run("Single Owner", func(t *testing.T) {
		tx := newTestTX(&sink{})
		require.NoError(t, tx.Start("c1"))
		assert.NoError(t, tx.Start("c1"))
		assert.ErrorIs(t, tx.Start("c2"), protocol.ErrTXBusy)
		assert.ErrorIs(t, tx.Stop("c2"), protocol.ErrTXBusy)
		assert.ErrorIs(t, tx.Push("c2", block(1, 960, 1)), ErrTXInactive)
		assert.NoError(t, tx.Stop("c1"))
		assert.False(t, tx.Active())
	})

	t.Run("Block Encoding", func(t *testing.T) {
		s := &sink{}
		tx := newTestTX(s)
		require.NoError(t, tx.Start("c1"))
		require.NoError(t, tx.Push("c1", block(1, 960, 1)))
		require.NoError(t, tx.Push("c1", block(2, 960, 1)))

		pkts := s.packets(t)
		require.Len(t, pkts, 2)
		assert.Equal(t, byte(0), pkts[0].Seq)
		assert.Equal(t, byte(1), pkts[1].Seq)
		assert.Equal(t, TXFrameSize, pkts[0].FrameSize)
		assert.Equal(t, protocol.AudioRaw16, pkts[0].Mode)
		require.Len(t, pkts[0].Data, TXFrameSize*2*2)

		// full scale input at 100% gain lands at a quarter of full scale
		left := int16(binary.LittleEndian.Uint16(pkts[0].Data[0:]))
		right := int16(binary.LittleEndian.Uint16(pkts[0].Data[2:]))
		assert.Equal(t, int16(8192), left)
		assert.Equal(t, left, right)
	})

	t.Run("Stale Timestamp", func(t *testing.T) {
		s := &sink{}
		tx := newTestTX(s)
		require.NoError(t, tx.Start("c1"))
		require.NoError(t, tx.Push("c1", block(10, 960, 1)))
		assert.ErrorIs(t, tx.Push("c1", block(10, 960, 1)), ErrStaleBlock)
		assert.ErrorIs(t, tx.Push("c1", block(9, 960, 1)), ErrStaleBlock)
		assert.Len(t, s.packets(t), 1)
	})

	t.Run("Stop Discards Partial Block", func(t *testing.T) {
		s := &sink{}
		tx := newTestTX(s)
		require.NoError(t, tx.Start("c1"))
		require.NoError(t, tx.Push("c1", block(1, 500, 1)))
		require.NoError(t, tx.Stop("c1"))
		assert.Empty(t, s.packets(t), "a short final block must not be sent")

		require.NoError(t, tx.Start("c1"))
		require.NoError(t, tx.Push("c1", block(2, 500, 1)))
		assert.Empty(t, s.packets(t), "samples from the previous stream must be gone")
		require.NoError(t, tx.Push("c1", block(3, 460, 1)))
		assert.Len(t, s.packets(t), 1)
	})

	t.Run("Mic Gain", func(t *testing.T) {
		tx := newTestTX(&sink{})
		assert.Error(t, tx.SetMicGain(101))
		assert.NoError(t, tx.SetMicGain(0))
		assert.Equal(t, 0, tx.MicGain())
	})

	t.Run("Timeout", func(t *testing.T) {
		expired := make(chan string, 1)
		tx := NewTX(TXOptions{
			MicGain:   10,
			Timeout:   30 * time.Millisecond,
			Send:      (&sink{}).send,
			OnTimeout: func(owner string) { expired <- owner },
		})
		require.NoError(t, tx.Start("c1"))

		select {
		case owner := <-expired:
			assert.Equal(t, "c1", owner)
		case <-time.After(2 * time.Second):
			t.Fatal("Expected the stream to time out")
		}
		assert.False(t, tx.Active())
	})
}

func TestBufferPool(t *testing.T) {
	pool := NewBufferPool(largeBuffer)

	b := pool.Get(100)
	require.Len(t, b.Data, 100)
	b.Data[0] = 1
	b.Release()

	b = pool.Get(2048)
	assert.Len(t, b.Data, 2048)
	b.Release()

	big := pool.Get(largeBuffer + 1)
	assert.Len(t, big.Data, largeBuffer+1)
	big.Release()

	stats := pool.Statistics()
	assert.Equal(t, int64(1), stats["small_hits"])
	assert.Equal(t, int64(1), stats["medium_hits"])
}

func TestLevelMonitor(t *testing.T) {
	const rate, freq = 12000, 1500.0
	m := NewLevelMonitor(rate, 256)

	samples := make([]float32, 512)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	m.ProcessSamples(samples)

	levels := m.Levels()
	assert.InDelta(t, -6.0, levels.PeakLevel, 0.5)
	assert.InDelta(t, -9.0, levels.RMSLevel, 0.5)
	assert.False(t, levels.Clipping)

	spec := m.Spectrum()
	require.Len(t, spec.Spectrum, 128)
	best := 0
	for i, v := range spec.Spectrum {
		if v > spec.Spectrum[best] {
			best = i
		}
	}
	expected := int(freq / float64(spec.FreqStep))
	if best < expected-1 || best > expected+1 {
		t.Errorf("Expected the peak near bin %d, got %d", expected, best)
	}

	m.ProcessSamples([]float32{1, -1})
	assert.True(t, m.Levels().Clipping)
}
