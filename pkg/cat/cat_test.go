package cat

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dougsko/k4d/pkg/events"
	"github.com/dougsko/k4d/pkg/protocol"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes [][]byte
	err    error
}

func (w *recordingWriter) Write(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, append([]byte(nil), data...))
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

// texts decodes every write back into its CAT text
func (w *recordingWriter) texts(t *testing.T) []string {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, data := range w.writes {
		frames := protocol.NewParser().Feed(data)
		require.Len(t, frames, 1)
		out = append(out, frames[0].Text)
	}
	return out
}

func TestRegistry(t *testing.T) {
	t.Run("Size", func(t *testing.T) {
		if DefaultRegistry.Len() < 200 {
			t.Errorf("Expected at least 200 descriptors, got %d", DefaultRegistry.Len())
		}
	})

	t.Run("Longest Match", func(t *testing.T) {
		cases := map[string]string{
			"SM0012":        "SM",
			"SMH123":        "SMH",
			"UP5":           "UP",
			"UPB5":          "UPB",
			"DN1":           "DN",
			"DNB1":          "DNB",
			"SWT024":        "SWT",
			"SWH024":        "SWH",
			"SWR015":        "SWR",
			"FA00014074000": "FA",
			"#SPN050000":    "#SPN",
			"#REF-110":      "#REF",
			"APB1":          "APB",
		}
		for cmd, want := range cases {
			d, ok := DefaultRegistry.Match(cmd)
			if !ok {
				t.Errorf("%s: expected a match", cmd)
				continue
			}
			if d.Mnemonic != want {
				t.Errorf("%s: expected %s, got %s", cmd, want, d.Mnemonic)
			}
		}
		if _, ok := DefaultRegistry.Match("ZZ12"); ok {
			t.Error("Expected no match for ZZ12")
		}
	})

	t.Run("Duplicate Panics", func(t *testing.T) {
		assert.Panics(t, func() {
			NewRegistry([]Descriptor{act("RX", "rx", "Receive"), act("RX", "rx", "Receive")})
		})
	})

	t.Run("Formats", func(t *testing.T) {
		fa, _ := DefaultRegistry.Lookup("FA")
		assert.Equal(t, "FA{11 digits};", fa.WireFormat())
		md, _ := DefaultRegistry.Lookup("MD")
		assert.Equal(t, "MD[$]{1|2|3|4|5|6|7|9};", md.ResponseFormat())
		sm, _ := DefaultRegistry.Lookup("SM")
		assert.Empty(t, sm.WireFormat())
	})
}

func TestNumericBounds(t *testing.T) {
	for _, d := range DefaultRegistry.All() {
		if !d.Numeric() || !d.Op.CanSet() {
			continue
		}
		d := d
		t.Run(d.Mnemonic, func(t *testing.T) {
			w := &recordingWriter{}
			disp := NewDispatcher(DefaultRegistry, w, nil, nil)
			ctx := context.Background()

			for _, v := range []int{d.Domain.Min, d.Domain.Max} {
				if _, err := disp.Send(ctx, Set(d.Mnemonic, VFOMain, strconv.Itoa(v))); err != nil {
					t.Errorf("Expected %d to be accepted, got: %v", v, err)
				}
			}
			if w.count() != 2 {
				t.Fatalf("Expected 2 writes, got %d", w.count())
			}

			for _, v := range []int{d.Domain.Min - 1, d.Domain.Max + 1} {
				_, err := disp.Send(ctx, Set(d.Mnemonic, VFOMain, strconv.Itoa(v)))
				if !errors.Is(err, protocol.ErrInvalidCommandValue) {
					t.Errorf("Expected ErrInvalidCommandValue for %d, got: %v", v, err)
				}
			}
			if w.count() != 2 {
				t.Errorf("Expected rejected values to write nothing, got %d writes", w.count())
			}
		})
	}
}

func TestRangeRejectionWritesNothing(t *testing.T) {
	reg := NewRegistry([]Descriptor{rng("ZT", OpGetSet, 0, 10, 2, "test", "Test")})
	w := &recordingWriter{}
	disp := NewDispatcher(reg, w, nil, nil)

	_, err := disp.Send(context.Background(), Set("ZT", VFOMain, "15"))
	require.ErrorIs(t, err, protocol.ErrInvalidCommandValue)
	assert.Equal(t, 0, w.count())

	text, err := disp.Send(context.Background(), Set("ZT", VFOMain, "7"))
	require.NoError(t, err)
	assert.Equal(t, "ZT07;", text)
	assert.Equal(t, 1, w.count())
}

func TestEncode(t *testing.T) {
	cases := []struct {
		name string
		inv  Invocation
		want string
	}{
		{"Frequency", FrequencyIntent(VFOMain, 14074000), "FA00014074000;"},
		{"Frequency B", FrequencyIntent(VFOSub, 7074000), "FB00007074000;"},
		{"Mode Label", ModeIntent(VFOSub, "usb"), "MD$2;"},
		{"Mode Wire", ModeIntent(VFOMain, "3"), "MD3;"},
		{"Query", Get("BW", VFOSub), "BW$;"},
		{"Toggle", SubRXToggleIntent(), "SB/;"},
		{"Preset Cycle", CyclePresetIntent(VFOSub), "FP$+;"},
		{"Bandwidth", BandwidthIntent(VFOMain, 3.0), "BW0300;"},
		{"Shift", ShiftIntent(VFOSub, 1.5), "IS$0150;"},
		{"Negative Reference", Set("#REF", VFOMain, "-110"), "#REF-110;"},
		{"Signed Offset", Set("RO", VFOMain, "50"), "RO+0050;"},
		{"Routing", Set("MX", VFOMain, "ab.ab"), "MXAB.AB;"},
		{"Transmit", PTTIntent(true), "TX;"},
		{"Receive", PTTIntent(false), "RX;"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DefaultRegistry.Encode(tc.inv)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("Rejections", func(t *testing.T) {
		bad := []Invocation{
			Set("FA", VFOSub, "14074000"),  // FA has no $ form
			Set("SM", VFOMain, "5"),        // read-only
			Get("TX", VFOMain),             // set-only
			Do("FA", VFOMain, ActToggle),   // no toggle
			Set("MD", VFOMain, "8"),        // not a mode
			Set("FA", VFOMain, "29999"),    // below band
			Set("RX", VFOMain, "1"),        // takes no value
			Set("KY", VFOMain, "CQ;CQ"),    // embedded terminator
			Set("NR", VFOMain, "1"),        // pattern
			Set("FA", VFOMain, "fourteen"), // not a number
		}
		for _, inv := range bad {
			_, err := DefaultRegistry.Encode(inv)
			if !errors.Is(err, protocol.ErrInvalidCommandValue) {
				t.Errorf("%+v: expected ErrInvalidCommandValue, got %v", inv, err)
			}
		}
		_, err := DefaultRegistry.Encode(Get("QQQ", VFOMain))
		assert.ErrorIs(t, err, protocol.ErrUnknownCommand)
	})
}

func TestNoiseIntent(t *testing.T) {
	inv, err := NoiseIntent(VFOSub, "nb", protocol.NoiseSetting{Level: 5, Enabled: true, Filter: 0})
	require.NoError(t, err)
	text, err := DefaultRegistry.Encode(inv)
	require.NoError(t, err)
	assert.Equal(t, "NB$0510;", text)

	inv, err = NoiseIntent(VFOMain, "NR", protocol.NoiseSetting{Level: 7})
	require.NoError(t, err)
	text, err = DefaultRegistry.Encode(inv)
	require.NoError(t, err)
	assert.Equal(t, "NR070;", text)

	_, err = NoiseIntent(VFOMain, "NX", protocol.NoiseSetting{})
	assert.ErrorIs(t, err, protocol.ErrInvalidCommandValue)
	_, err = NoiseIntent(VFOMain, "NB", protocol.NoiseSetting{Level: 40})
	assert.ErrorIs(t, err, protocol.ErrInvalidCommandValue)
}

func TestParseCommand(t *testing.T) {
	t.Run("Forms", func(t *testing.T) {
		inv, err := DefaultRegistry.ParseCommand("md$;")
		require.NoError(t, err)
		assert.Equal(t, Invocation{Mnemonic: "MD", VFO: VFOSub, Query: true}, inv)

		inv, err = DefaultRegistry.ParseCommand("SB/;")
		require.NoError(t, err)
		assert.Equal(t, ActToggle, inv.Action)

		inv, err = DefaultRegistry.ParseCommand("FA00014074000;")
		require.NoError(t, err)
		assert.Equal(t, 14074000, mustAtoi(t, inv.Value))

		inv, err = DefaultRegistry.ParseCommand("RX;")
		require.NoError(t, err)
		assert.False(t, inv.Query)
		assert.Equal(t, "RX", inv.Mnemonic)

		inv, err = DefaultRegistry.ParseCommand("KYcq test;")
		require.NoError(t, err)
		assert.Equal(t, "cq test", inv.Value)
	})

	t.Run("Batch", func(t *testing.T) {
		invs, err := DefaultRegistry.ParseCommands("FA;FB;MD$;")
		require.NoError(t, err)
		assert.Len(t, invs, 3)

		_, err = DefaultRegistry.ParseCommands("FA;ZZZ9;")
		assert.ErrorIs(t, err, protocol.ErrUnknownCommand)
		_, err = DefaultRegistry.ParseCommands(";;")
		assert.ErrorIs(t, err, protocol.ErrUnknownCommand)
	})
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

func TestDecode(t *testing.T) {
	updates, unknown := DefaultRegistry.Decode("FA00014074000;MD$3;BW0240;#REF-110;SMH120;XX99;IS$0150;")
	assert.Equal(t, []string{"XX99"}, unknown)
	require.Len(t, updates, 6)

	fields := Updates(updates)
	assert.Equal(t, 14074000, fields["vfo_a_freq"])
	assert.Equal(t, "3", fields["mode_sub"])
	assert.Equal(t, 240, fields["bandwidth"])
	assert.Equal(t, -110, fields["reference_level"])
	assert.Equal(t, 120, fields["s_meter_hires"])
	assert.Equal(t, 150, fields["if_shift_sub"])
	assert.Equal(t, "MD$3;", updates[1].Raw)
	assert.Equal(t, VFOSub, updates[1].VFO)

	t.Run("Unparseable Value Kept Raw", func(t *testing.T) {
		updates, _ := DefaultRegistry.Decode("AGxx;")
		require.Len(t, updates, 1)
		assert.Equal(t, "xx", updates[0].Value)
	})
}

func TestDispatcher(t *testing.T) {
	t.Run("Startup", func(t *testing.T) {
		w := &recordingWriter{}
		disp := NewDispatcher(nil, w, nil, nil)
		require.NoError(t, disp.Startup(context.Background(), protocol.AudioOpusFloat))

		texts := w.texts(t)
		require.Len(t, texts, 4+len(initialQueries))
		assert.Equal(t, []string{"K41;", "EM3;", "AI4;", "ER1;", "FA;", "FB;", "MD;", "MD$;"}, texts[:8])
		assert.Equal(t, "SQ$;", texts[len(texts)-1])
		for _, text := range texts[4:] {
			inv, err := DefaultRegistry.ParseCommand(text)
			require.NoError(t, err)
			assert.True(t, inv.Query, "startup must only query radio state: %s", text)
		}
	})

	t.Run("SendRaw All Or Nothing", func(t *testing.T) {
		w := &recordingWriter{}
		disp := NewDispatcher(nil, w, nil, nil)
		_, err := disp.SendRaw(context.Background(), "FA00014074000;MD8;")
		require.ErrorIs(t, err, protocol.ErrInvalidCommandValue)
		assert.Equal(t, 0, w.count())

		text, err := disp.SendRaw(context.Background(), "fa00014074000;md$2;")
		require.NoError(t, err)
		assert.Equal(t, "FA00014074000;MD$2;", text)
		assert.Equal(t, []string{"FA00014074000;MD$2;"}, w.texts(t))
	})

	t.Run("Write Error", func(t *testing.T) {
		w := &recordingWriter{err: protocol.ErrNotConnected}
		disp := NewDispatcher(nil, w, nil, nil)
		_, err := disp.Send(context.Background(), Get("FA", VFOMain))
		assert.ErrorIs(t, err, protocol.ErrNotConnected)
	})

	t.Run("Handle Publishes", func(t *testing.T) {
		bus := events.NewBus()
		sub := bus.Subscribe(4)
		defer sub.Close()
		disp := NewDispatcher(nil, nil, events.NewPublisher(bus, "r1", 7), nil)

		updates := disp.Handle("FA00007074000;QQ1;")
		require.Len(t, updates, 1)

		ev := <-sub.C
		assert.Equal(t, events.KindCAT, ev.Kind)
		assert.Equal(t, "r1", ev.RadioID)
		assert.Equal(t, uint64(7), ev.Generation)
		msg, ok := ev.Payload.(Message)
		require.True(t, ok)
		assert.Equal(t, 7074000, msg.Updates["vfo_a_freq"])
	})
}

func TestIntRangeProperty(t *testing.T) {
	descs := []Descriptor{}
	for _, d := range DefaultRegistry.All() {
		if d.Domain.Kind == DomainIntRange && d.Op.CanSet() {
			descs = append(descs, d)
		}
	}
	rapid.Check(t, func(t *rapid.T) {
		d := rapid.SampledFrom(descs).Draw(t, "descriptor")
		v := rapid.IntRange(d.Domain.Min-50, d.Domain.Max+50).Draw(t, "value")

		text, err := DefaultRegistry.Encode(Set(d.Mnemonic, VFOMain, strconv.Itoa(v)))
		inRange := v >= d.Domain.Min && v <= d.Domain.Max
		if inRange != (err == nil) {
			t.Fatalf("%s value %d: in range %v, err %v", d.Mnemonic, v, inRange, err)
		}
		if err != nil {
			return
		}

		updates, unknown := DefaultRegistry.Decode(text)
		if len(unknown) != 0 || len(updates) != 1 {
			t.Fatalf("%s did not decode back: %v %v", text, updates, unknown)
		}
		if updates[0].Mnemonic != d.Mnemonic || updates[0].Value != v {
			t.Fatalf("%s decoded to %s=%v", text, updates[0].Mnemonic, updates[0].Value)
		}
	})
}
