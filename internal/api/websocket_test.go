package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/nfc-pcsc/internal/core"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func dial(t *testing.T, env *testEnv, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads events until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, decode func(int, []byte) WSEvent) WSEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		if ev := decode(mt, data); ev.Type == typ {
			return ev
		}
	}
}

func TestWebSocketJSONEvents(t *testing.T) {
	env := newTestEnv(t)
	env.nfc.ReaderAttached(newFakeTransport("Reader B"))
	conn := dial(t, env, "")

	decode := func(mt int, data []byte) WSEvent {
		if mt != websocket.TextMessage {
			t.Fatalf("message type = %d, want text", mt)
		}
		var ev WSEvent
		if err := decodeJSON(string(data), &ev); err != nil {
			t.Fatal(err)
		}
		return ev
	}

	hello := readUntil(t, conn, EventSession, decode)
	if hello.Session == "" || hello.ID == "" {
		t.Errorf("hello = %+v", hello)
	}
	if len(hello.Readers) != 1 || hello.Readers[0].Name != "Reader B" {
		t.Errorf("hello readers = %+v", hello.Readers)
	}
	waitFor(t, "client registration", func() bool { return env.server.hub.ClientCount() == 1 })

	env.insert(t, newFakeTransport("Reader A"), atrClassic)

	ev := readUntil(t, conn, string(core.EventCard), decode)
	if ev.Reader != "Reader A" || ev.Card == nil || ev.Card.ATR != atrClassic {
		t.Errorf("card event = %+v", ev)
	}
	if ev.ID == "" || ev.ID == hello.ID {
		t.Errorf("event id = %q", ev.ID)
	}
}

func TestWebSocketCBOREvents(t *testing.T) {
	env := newTestEnv(t)
	conn := dial(t, env, "?encoding=cbor")

	decode := func(mt int, data []byte) WSEvent {
		if mt != websocket.BinaryMessage {
			t.Fatalf("message type = %d, want binary", mt)
		}
		var ev WSEvent
		if err := cbor.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		return ev
	}

	readUntil(t, conn, EventSession, decode)
	waitFor(t, "client registration", func() bool { return env.server.hub.ClientCount() == 1 })

	f := newFakeTransport("Reader A")
	env.insert(t, f, atrISO4)
	ev := readUntil(t, conn, string(core.EventCard), decode)
	if ev.Card == nil || ev.Card.Standard != string(core.TagISO14443_4) {
		t.Errorf("card event = %+v", ev)
	}

	env.nfc.ReaderStatus("Reader A", core.StatusEvent{State: core.StatusEmpty})
	off := readUntil(t, conn, string(core.EventCardOff), decode)
	if off.Reader != "Reader A" {
		t.Errorf("card.off reader = %q", off.Reader)
	}
}

func TestWebSocketInvalidEncoding(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/v1/ws?encoding=xml")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Close()

	slow := &wsClient{id: "slow", send: make(chan *WSEvent), hub: h}
	h.register <- slow
	waitFor(t, "registration", func() bool { return h.ClientCount() == 1 })

	h.Publish(core.Event{Type: core.EventEnd})
	waitFor(t, "drop", func() bool { return h.ClientCount() == 0 })

	if _, ok := <-slow.send; ok {
		t.Error("send channel of dropped client still open")
	}
}

func TestHubClose(t *testing.T) {
	h := NewHub()
	unsubscribed := false
	h.onClose = func() { unsubscribed = true }
	go h.Run()

	c := &wsClient{id: "c", send: make(chan *WSEvent, 1), hub: h}
	h.register <- c
	waitFor(t, "registration", func() bool { return h.ClientCount() == 1 })

	h.Close()
	h.Close()
	if !unsubscribed {
		t.Error("onClose not called")
	}
	waitFor(t, "clients closed", func() bool { return h.ClientCount() == 0 })

	done := make(chan struct{})
	go func() {
		h.Publish(core.Event{Type: core.EventEnd})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Close")
	}
}

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		in   string
		want Encoding
		ok   bool
	}{
		{"", EncodingJSON, true},
		{"json", EncodingJSON, true},
		{"cbor", EncodingCBOR, true},
		{"CBOR", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseEncoding(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseEncoding(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
