package radio

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dougsko/k4d/pkg/protocol"
	"github.com/dougsko/k4d/pkg/radio/radiotest"
)

func testOptions() Options {
	return Options{
		ConnectTimeout:    time.Second,
		AuthTimeout:       300 * time.Millisecond,
		KeepAlive:         50 * time.Millisecond,
		IdleTimeout:       time.Second,
		WriteTimeout:      time.Second,
		WriteQueue:        16,
		ReconnectInitial:  20 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
		ReconnectAttempts: 20,
	}
}

type recorder struct {
	mu     sync.Mutex
	frames []protocol.Frame
	states []protocol.ConnectionState
}

func (r *recorder) HandleFrame(f protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) HandleState(s protocol.ConnectionState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, f := range r.frames {
		b.WriteString(f.Text)
	}
	return b.String()
}

func (r *recorder) saw(state protocol.ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == state {
			return true
		}
	}
	return false
}

func startFake(t *testing.T, password string) *radiotest.Radio {
	t.Helper()
	fake, err := radiotest.Start(password)
	if err != nil {
		t.Fatalf("Failed to start fake radio: %v", err)
	}
	t.Cleanup(fake.Close)
	return fake
}

func TestConnect(t *testing.T) {
	t.Run("Authenticated", func(t *testing.T) {
		fake := startFake(t, "tester")
		rec := &recorder{}
		m := NewManager(fake.Config("a"), testOptions(), rec, nil)

		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		defer m.Disconnect()

		if m.State() != protocol.StateConnected {
			t.Errorf("Expected connected, got %s", m.State())
		}
		if fake.BadAuth() != 0 {
			t.Errorf("Expected the token to be accepted")
		}
		if !strings.Contains(rec.text(), "FA00014074000;") {
			t.Errorf("Expected the greeting to reach the handler, got %q", rec.text())
		}
		for _, s := range []protocol.ConnectionState{protocol.StateConnecting, protocol.StateAuthenticating, protocol.StateConnected} {
			if !rec.saw(s) {
				t.Errorf("Expected state %s to be reported", s)
			}
		}
		if !strings.HasPrefix(fake.Text(), "RDY;") {
			t.Errorf("Expected RDY; first, got %q", fake.Text())
		}
	})

	t.Run("Refused", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		addr := l.Addr().(*net.TCPAddr)
		l.Close()

		m := NewManager(protocol.RadioConfig{Name: "gone", Host: "127.0.0.1", Port: addr.Port}, testOptions(), nil, nil)
		err = m.Connect(context.Background())
		if !errors.Is(err, protocol.ErrConnectionRefused) {
			t.Errorf("Expected ErrConnectionRefused, got: %v", err)
		}
		if m.State() != protocol.StateFailed {
			t.Errorf("Expected failed, got %s", m.State())
		}
	})

	t.Run("Wrong Password", func(t *testing.T) {
		fake := startFake(t, "tester")
		cfg := fake.Config("a")
		cfg.Password = "wrong"
		m := NewManager(cfg, testOptions(), nil, nil)

		err := m.Connect(context.Background())
		if !errors.Is(err, protocol.ErrAuthenticationFailed) {
			t.Errorf("Expected ErrAuthenticationFailed, got: %v", err)
		}
		if !errors.Is(m.LastError(), protocol.ErrAuthenticationFailed) {
			t.Errorf("Expected last error to be kept, got: %v", m.LastError())
		}
	})

	t.Run("Silent Radio", func(t *testing.T) {
		fake := startFake(t, "")
		fake.SetBehavior(radiotest.Silent)
		m := NewManager(fake.Config("a"), testOptions(), nil, nil)

		err := m.Connect(context.Background())
		if !errors.Is(err, protocol.ErrConnectionTimeout) {
			t.Errorf("Expected ErrConnectionTimeout, got: %v", err)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		fake := startFake(t, "")
		fake.SetBehavior(radiotest.Silent)
		opts := testOptions()
		opts.AuthTimeout = 5 * time.Second
		m := NewManager(fake.Config("a"), opts, nil, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		if err := m.Connect(ctx); err == nil {
			t.Fatal("Expected an error")
		}
		if time.Since(start) > 2*time.Second {
			t.Errorf("Expected cancellation to cut the handshake short, took %v", time.Since(start))
		}
	})
}

func TestWrite(t *testing.T) {
	fake := startFake(t, "")
	m := NewManager(fake.Config("a"), testOptions(), nil, nil)

	if err := m.Write(context.Background(), protocol.EncodeCAT("FA;")); !errors.Is(err, protocol.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected before connect, got: %v", err)
	}
	if m.TryWrite(protocol.EncodeCAT("FA;")) {
		t.Error("Expected TryWrite to fail before connect")
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer m.Disconnect()

	if err := m.Write(context.Background(), protocol.EncodeCAT("MD$;")); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !m.TryWrite(protocol.EncodeAudio(protocol.AudioPacket{Mode: protocol.AudioRaw16, FrameSize: 1, Data: []byte{0, 0, 0, 0}})) {
		t.Error("Expected TryWrite to queue")
	}

	ok := fake.WaitFor(func() bool {
		return strings.Contains(fake.Text(), "MD$;") && len(fake.AudioFrames()) == 1
	}, 2*time.Second)
	if !ok {
		t.Errorf("Expected command and audio at the radio, got %q and %d audio frames", fake.Text(), len(fake.AudioFrames()))
	}

	if !fake.WaitFor(func() bool { return strings.Contains(fake.Text(), "PING;") }, 2*time.Second) {
		t.Error("Expected a keepalive PING;")
	}
}

func TestDisconnectSendsRX(t *testing.T) {
	fake := startFake(t, "tester")
	m := NewManager(fake.Config("a"), testOptions(), nil, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	m.Disconnect()
	if m.State() != protocol.StateIdle {
		t.Errorf("Expected idle, got %s", m.State())
	}
	if !fake.WaitFor(func() bool { return strings.HasSuffix(fake.Text(), "RX;") }, 2*time.Second) {
		t.Errorf("Expected RX; as the last command, got %q", fake.Text())
	}

	// no reconnect after an explicit disconnect
	time.Sleep(100 * time.Millisecond)
	if fake.Accepts() != 1 {
		t.Errorf("Expected 1 connection, got %d", fake.Accepts())
	}

	// a manager can be connected again
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Expected reconnect by Connect, got: %v", err)
	}
	m.Disconnect()
}

func TestReconnect(t *testing.T) {
	fake := startFake(t, "tester")
	rec := &recorder{}
	m := NewManager(fake.Config("a"), testOptions(), rec, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer m.Disconnect()

	fake.Drop()

	ok := fake.WaitFor(func() bool {
		return fake.Accepts() >= 2 && m.State() == protocol.StateConnected
	}, 3*time.Second)
	if !ok {
		t.Fatalf("Expected a reconnect, accepts=%d state=%s", fake.Accepts(), m.State())
	}
	if !rec.saw(protocol.StateReconnecting) {
		t.Error("Expected the reconnecting state to be reported")
	}
}

func TestReconnectGivesUp(t *testing.T) {
	fake := startFake(t, "")
	opts := testOptions()
	opts.ReconnectAttempts = 2
	m := NewManager(fake.Config("a"), opts, nil, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer m.Disconnect()

	fake.SetBehavior(radiotest.RejectAuth)
	fake.Drop()

	ok := fake.WaitFor(func() bool { return m.State() == protocol.StateFailed }, 5*time.Second)
	if !ok {
		t.Fatalf("Expected failed after retries, got %s", m.State())
	}
	if fake.Accepts() != 3 {
		t.Errorf("Expected 1 connection and 2 retries, got %d accepts", fake.Accepts())
	}
}

func TestFrameHandlerPanicIsContained(t *testing.T) {
	fake := startFake(t, "")
	var mu sync.Mutex
	var seen []string
	h := HandlerFuncs{OnFrame: func(f protocol.Frame) {
		if strings.HasPrefix(f.Text, "BAD") {
			panic("decode failure")
		}
		mu.Lock()
		seen = append(seen, f.Text)
		mu.Unlock()
	}}
	m := NewManager(fake.Config("a"), testOptions(), h, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer m.Disconnect()

	fake.Send(protocol.EncodeCAT("BAD1;"))
	fake.Send(protocol.EncodeCAT("AG010;"))

	ok := fake.WaitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == "AG010;"
	}, 2*time.Second)
	if !ok {
		t.Error("Expected frames after a failing one to be delivered")
	}
	if m.State() != protocol.StateConnected {
		t.Errorf("Expected the connection to survive, got %s", m.State())
	}
}
