// Package radiotest provides an in-process K4 stand-in listening on loopback
package radiotest

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/k4d/pkg/protocol"
)

// Behavior selects how the fake answers a new connection
type Behavior int

const (
	// Normal authenticates and answers RDY; with a state line
	Normal Behavior = iota
	// Silent accepts and authenticates but never sends anything
	Silent
	// RejectAuth closes the socket after reading the token
	RejectAuth
)

// Radio is a fake K4 for tests
type Radio struct {
	Password string
	// Greeting is sent in reply to RDY;
	Greeting []byte

	listener net.Listener
	mu       sync.Mutex
	behavior Behavior
	conns    map[net.Conn]struct{}
	frames   []protocol.Frame
	accepts  int
	badAuth  int
	wg       sync.WaitGroup
}

// Start listens on 127.0.0.1 with a random port
func Start(password string) (*Radio, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	r := &Radio{
		Password: password,
		Greeting: protocol.EncodeCAT("FA00014074000;MD2;"),
		listener: l,
		conns:    make(map[net.Conn]struct{}),
	}
	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

// Config returns a radio configuration pointing at the fake
func (r *Radio) Config(id string) protocol.RadioConfig {
	addr := r.listener.Addr().(*net.TCPAddr)
	return protocol.RadioConfig{
		ID:       id,
		Name:     "Fake " + id,
		Host:     addr.IP.String(),
		Port:     addr.Port,
		Password: r.Password,
		Enabled:  true,
	}
}

// SetBehavior changes how future connections are answered
func (r *Radio) SetBehavior(b Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behavior = b
}

// Accepts returns how many connections have been accepted
func (r *Radio) Accepts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepts
}

// BadAuth returns how many connections presented a wrong token
func (r *Radio) BadAuth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.badAuth
}

// Frames returns every frame received from clients so far
func (r *Radio) Frames() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

// Text returns all received CAT text concatenated in arrival order
func (r *Radio) Text() string {
	var b strings.Builder
	for _, f := range r.Frames() {
		if f.Kind == protocol.FrameText {
			b.WriteString(f.Text)
		}
	}
	return b.String()
}

// AudioFrames returns the received audio packets
func (r *Radio) AudioFrames() []protocol.AudioPacket {
	var out []protocol.AudioPacket
	for _, f := range r.Frames() {
		if f.Kind != protocol.FrameAudio {
			continue
		}
		if pkt, err := protocol.DecodeAudio(f.Payload); err == nil {
			out = append(out, pkt)
		}
	}
	return out
}

// WaitFor polls cond until it holds or the timeout passes
func (r *Radio) WaitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// Send writes raw bytes to every open connection
func (r *Radio) Send(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		c.SetWriteDeadline(time.Now().Add(time.Second))
		c.Write(data)
	}
}

// Drop closes every open connection, simulating a network failure
func (r *Radio) Drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		c.Close()
	}
}

// Close stops listening and closes all connections
func (r *Radio) Close() {
	r.listener.Close()
	r.Drop()
	r.wg.Wait()
}

func (r *Radio) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.accepts++
		r.conns[conn] = struct{}{}
		behavior := r.behavior
		r.mu.Unlock()

		r.wg.Add(1)
		go r.serve(conn, behavior)
	}
}

func (r *Radio) serve(conn net.Conn, behavior Behavior) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	if r.Password != "" {
		token := make([]byte, 96)
		if _, err := io.ReadFull(conn, token); err != nil {
			return
		}
		if !bytes.Equal(token, protocol.AuthToken(r.Password)) {
			r.mu.Lock()
			r.badAuth++
			r.mu.Unlock()
			return
		}
	}
	if behavior == RejectAuth {
		return
	}

	parser := protocol.NewParser()
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, f := range parser.Feed(buf[:n]) {
				r.mu.Lock()
				r.frames = append(r.frames, f)
				r.mu.Unlock()
				if behavior == Normal && f.Kind == protocol.FrameText && strings.Contains(f.Text, "RDY;") {
					conn.Write(r.Greeting)
				}
			}
		}
		if err != nil {
			return
		}
	}
}
