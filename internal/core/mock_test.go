package core

import (
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockTransport implements Transport for testing. Responses are keyed by the
// uppercase hex of the command.
type mockTransport struct {
	name string

	mu          sync.Mutex
	responses   map[string][]byte
	handler     func(cmd []byte) ([]byte, error)
	connectErr  error
	disconnErr  error
	closeErr    error
	protocol    Protocol
	connects    []ConnectMode
	disconnects int
	closed      bool
	transmits   []string
	controls    []string
	ioctls      []uint32
	delay       time.Duration
}

func newMockTransport(name string) *mockTransport {
	return &mockTransport{
		name:      name,
		responses: make(map[string][]byte),
		protocol:  2,
	}
}

func hexKey(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

// WithResponse registers the response to a command given in hex.
func (m *mockTransport) WithResponse(cmd, resp string) *mockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, _ := hex.DecodeString(strings.ReplaceAll(cmd, " ", ""))
	r, _ := hex.DecodeString(strings.ReplaceAll(resp, " ", ""))
	m.responses[hexKey(c)] = r
	return m
}

func (m *mockTransport) Name() string { return m.name }

func (m *mockTransport) Connect(mode ConnectMode) (Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects = append(m.connects, mode)
	if m.connectErr != nil {
		return 0, m.connectErr
	}
	return m.protocol, nil
}

func (m *mockTransport) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	return m.disconnErr
}

func (m *mockTransport) Transmit(data []byte, maxLen int, proto Protocol) ([]byte, error) {
	m.mu.Lock()
	m.transmits = append(m.transmits, hexKey(data))
	handler := m.handler
	resp, ok := m.responses[hexKey(data)]
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if handler != nil {
		return handler(data)
	}
	if !ok {
		return nil, errors.New("no response configured for " + hexKey(data))
	}
	return append([]byte(nil), resp...), nil
}

func (m *mockTransport) Control(ioctl uint32, data []byte, maxLen int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = append(m.controls, hexKey(data))
	m.ioctls = append(m.ioctls, ioctl)
	resp, ok := m.responses[hexKey(data)]
	if !ok {
		return nil, errors.New("no response configured for " + hexKey(data))
	}
	return append([]byte(nil), resp...), nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.closeErr
}

func (m *mockTransport) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.transmits...)
}

func (m *mockTransport) count(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.transmits {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) types() []EventType {
	var out []EventType
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

// waitFor polls until cond holds or the timeout expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

const (
	atrISO14443_3 = "3B 8F 80 01 80 4F 0C A0 00 00 03 06 03 00 01 00 00 00 00 6A"
	atrISO14443_4 = "3B 80 80 01 01"
)

// presentReader returns a reader with a connected ISO 14443-3 card and
// auto processing disabled.
func presentReader(t *testing.T, m *mockTransport) *Reader {
	t.Helper()
	r := NewReader(m, WithAutoProcessing(false))
	r.HandleStatus(StatusEvent{State: StatusPresent, ATR: mustHex(t, atrISO14443_3)})
	if r.State() != StateCardPresent {
		t.Fatalf("state = %v, want card_present", r.State())
	}
	return r
}
