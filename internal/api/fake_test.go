package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SimplyPrint/nfc-pcsc/internal/core"
	"github.com/SimplyPrint/nfc-pcsc/internal/settings"
)

// fakeTransport answers commands from a table keyed by uppercase hex.
type fakeTransport struct {
	name string

	mu        sync.Mutex
	responses map[string]string
	sent      []string
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{name: name, responses: make(map[string]string)}
}

func (f *fakeTransport) respond(cmd, resp string) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[strings.ReplaceAll(cmd, " ", "")] = strings.ReplaceAll(resp, " ", "")
	return f
}

func (f *fakeTransport) answer(data []byte) ([]byte, error) {
	key := strings.ToUpper(hex.EncodeToString(data))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, key)
	resp, ok := f.responses[key]
	if !ok {
		return nil, errors.New("no response for " + key)
	}
	return hex.DecodeString(resp)
}

func (f *fakeTransport) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) Name() string                                   { return f.name }
func (f *fakeTransport) Connect(core.ConnectMode) (core.Protocol, error) { return 2, nil }
func (f *fakeTransport) Disconnect() error                              { return nil }
func (f *fakeTransport) Close() error                                   { return nil }

func (f *fakeTransport) Transmit(data []byte, _ int, _ core.Protocol) ([]byte, error) {
	return f.answer(data)
}

func (f *fakeTransport) Control(_ uint32, data []byte, _ int) ([]byte, error) {
	return f.answer(data)
}

const (
	atrClassic = "3B8F8001804F0CA000000306030001000000006A"
	atrISO4    = "3B8080010101"
)

type testEnv struct {
	nfc    *core.NFC
	server *Server
	http   *httptest.Server
}

// newTestEnv serves the API over an NFC manager with auto processing off and
// settings stored in a temp dir.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	settings.SetPath(filepath.Join(t.TempDir(), "settings.json"))
	t.Cleanup(func() { settings.SetPath("") })

	nfc := core.NewNFC(core.WithAutoProcessing(false))
	srv := NewServer(nfc)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
		nfc.Close()
	})
	return &testEnv{nfc: nfc, server: srv, http: hs}
}

// insert attaches f and puts a card with the given ATR on it.
func (e *testEnv) insert(t *testing.T, f *fakeTransport, atr string) *core.Reader {
	t.Helper()
	e.nfc.ReaderAttached(f)
	b, _ := hex.DecodeString(atr)
	e.nfc.ReaderStatus(f.name, core.StatusEvent{State: core.StatusPresent, ATR: b})

	r, ok := e.nfc.Reader(f.name)
	if !ok {
		t.Fatalf("reader %q not attached", f.name)
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.State() != core.StateCardPresent {
		if time.Now().After(deadline) {
			t.Fatalf("card not present on %q", f.name)
		}
		time.Sleep(2 * time.Millisecond)
	}
	return r
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func decodeJSON(s string, v any) error {
	return json.NewDecoder(strings.NewReader(s)).Decode(v)
}
