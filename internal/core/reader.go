package core

import (
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
)

// ReaderState is the presence state of a reader.
type ReaderState int

const (
	StateNoCard ReaderState = iota
	StateConnecting
	StateCardPresent
	StateDisconnecting
	StateClosed
)

func (s ReaderState) String() string {
	switch s {
	case StateNoCard:
		return "no_card"
	case StateConnecting:
		return "connecting"
	case StateCardPresent:
		return "card_present"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType names reader and manager events.
type EventType string

const (
	EventReader  EventType = "reader"
	EventCard    EventType = "card"
	EventCardOff EventType = "card.off"
	EventError   EventType = "error"
	EventEnd     EventType = "end"
)

// Event is delivered to listeners. Card is a private copy owned by the
// listener. Reader is nil for manager-level errors.
type Event struct {
	Type   EventType
	Reader *Reader
	Card   *Card
	Err    error
}

// ReaderName returns the name of the reader that emitted e, or "".
func (e Event) ReaderName() string {
	if e.Reader == nil {
		return ""
	}
	return e.Reader.Name()
}

// Listener receives events synchronously, in emission order.
type Listener func(Event)

type connection struct {
	mode     ConnectMode
	protocol Protocol
}

type listenerEntry struct {
	id int
	fn Listener
}

// Reader is one attached PC/SC reader and the card in its field.
//
// The mutex guards the fields below it and is never held across transport I/O.
// Status events must be delivered serially through HandleStatus.
type Reader struct {
	transport Transport
	name      string
	vendor    VendorExtensions

	loads singleflight.Group

	mu             sync.Mutex
	state          ReaderState
	status         uint32
	conn           *connection
	card           *Card
	generation     uint64
	autoProcessing bool
	aid            AidSource
	keys           [KeySlots][]byte
	loading        [KeySlots]bool
	pins           [KeySlots]int
	slotFree       *sync.Cond
	listeners      []listenerEntry
	nextListener   int
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithAID sets the AID selected on ISO 14443-4 cards.
func WithAID(aid AidSource) ReaderOption {
	return func(r *Reader) { r.aid = aid }
}

// WithAutoProcessing enables or disables UID/SELECT handling on insertion.
func WithAutoProcessing(enabled bool) ReaderOption {
	return func(r *Reader) { r.autoProcessing = enabled }
}

// WithListener subscribes l before any event can be emitted.
func WithListener(l Listener) ReaderOption {
	return func(r *Reader) { r.subscribe(l) }
}

// NewReader wraps a transport. ACR122 readers get vendor extensions.
func NewReader(t Transport, opts ...ReaderOption) *Reader {
	r := &Reader{
		transport:      t,
		name:           t.Name(),
		autoProcessing: true,
	}
	r.slotFree = sync.NewCond(&r.mu)
	if strings.Contains(strings.ToLower(r.name), "acr122") {
		r.vendor = &ACR122{reader: r}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) Name() string { return r.name }

// Vendor returns the reader's vendor extensions, or nil when it has none.
func (r *Reader) Vendor() VendorExtensions { return r.vendor }

func (r *Reader) State() ReaderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Card returns a copy of the current card snapshot, or nil.
func (r *Reader) Card() *Card {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.card.Clone()
}

// Connected reports whether the reader holds a connection.
func (r *Reader) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *Reader) AID() AidSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aid
}

func (r *Reader) SetAID(aid AidSource) {
	r.mu.Lock()
	r.aid = aid
	r.mu.Unlock()
}

func (r *Reader) AutoProcessing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.autoProcessing
}

func (r *Reader) SetAutoProcessing(enabled bool) {
	r.mu.Lock()
	r.autoProcessing = enabled
	r.mu.Unlock()
}

// Subscribe registers l and returns a function that removes it.
func (r *Reader) Subscribe(l Listener) func() {
	r.mu.Lock()
	id := r.subscribe(l)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.listeners {
			if e.id == id {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

func (r *Reader) subscribe(l Listener) int {
	r.nextListener++
	r.listeners = append(r.listeners, listenerEntry{id: r.nextListener, fn: l})
	return r.nextListener
}

func (r *Reader) emit(ev Event) {
	ev.Reader = r
	r.mu.Lock()
	listeners := make([]listenerEntry, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}

func (r *Reader) emitError(err error) {
	logging.Warn(logging.CatReader, "Reader error", map[string]any{
		"reader": r.name,
		"error":  err.Error(),
	})
	logging.CaptureError(err, "reader "+r.name, nil)
	r.emit(Event{Type: EventError, Err: err})
}

func (r *Reader) checkOpen(kind nfcerror.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosed {
		return nfcerror.New(kind, nfcerror.CodeReaderClosed, "reader is closed")
	}
	return nil
}

// Connect opens a connection in the given mode.
func (r *Reader) Connect(mode ConnectMode) error {
	_, err := r.connect(mode)
	return err
}

func (r *Reader) connect(mode ConnectMode) (Protocol, error) {
	if err := r.checkOpen(nfcerror.KindConnect); err != nil {
		return 0, err
	}
	if mode != ModeCard && mode != ModeDirect {
		return 0, nfcerror.Newf(nfcerror.KindConnect, nfcerror.CodeInvalidMode, "invalid connect mode %d", int(mode))
	}

	logging.Debug(logging.CatReader, "Connecting", map[string]any{"reader": r.name, "mode": mode.String()})

	proto, err := r.transport.Connect(mode)
	if err != nil {
		return 0, nfcerror.Wrap(nfcerror.KindConnect, nfcerror.CodeFailure, "an error occurred while connecting", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosed {
		return 0, nfcerror.New(nfcerror.KindConnect, nfcerror.CodeReaderClosed, "reader closed while connecting")
	}
	r.conn = &connection{mode: mode, protocol: proto}
	return proto, nil
}

// Disconnect closes the current connection, leaving the card powered.
func (r *Reader) Disconnect() error {
	if err := r.checkOpen(nfcerror.KindDisconnect); err != nil {
		return err
	}

	r.mu.Lock()
	connected := r.conn != nil
	r.mu.Unlock()
	if !connected {
		return nfcerror.New(nfcerror.KindDisconnect, nfcerror.CodeNotConnected, "reader is not connected")
	}

	if err := r.transport.Disconnect(); err != nil {
		return nfcerror.Wrap(nfcerror.KindDisconnect, nfcerror.CodeFailure, "an error occurred while disconnecting", err)
	}

	r.mu.Lock()
	r.conn = nil
	r.mu.Unlock()
	return nil
}

// Transmit sends raw bytes to the card and returns the raw response,
// status word included.
func (r *Reader) Transmit(data []byte, maxLen int) ([]byte, error) {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil, nfcerror.New(nfcerror.KindTransmit, nfcerror.CodeReaderClosed, "reader is closed")
	}
	if r.card == nil || r.conn == nil {
		r.mu.Unlock()
		return nil, nfcerror.New(nfcerror.KindTransmit, nfcerror.CodeCardNotConnected, "no card or connection available")
	}
	proto := r.conn.protocol
	r.mu.Unlock()

	resp, err := r.transport.Transmit(data, maxLen, proto)
	if err != nil {
		return nil, nfcerror.Wrap(nfcerror.KindTransmit, nfcerror.CodeFailure, "an error occurred while transmitting", err)
	}
	return resp, nil
}

// Control sends a reader escape command over the current connection.
func (r *Reader) Control(data []byte, maxLen int) ([]byte, error) {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil, nfcerror.New(nfcerror.KindControl, nfcerror.CodeReaderClosed, "reader is closed")
	}
	if r.conn == nil {
		r.mu.Unlock()
		return nil, nfcerror.New(nfcerror.KindControl, nfcerror.CodeNotConnected, "no connection available")
	}
	r.mu.Unlock()

	resp, err := r.transport.Control(IOCTLEscape, data, maxLen)
	if err != nil {
		return nil, nfcerror.Wrap(nfcerror.KindControl, nfcerror.CodeFailure, "an error occurred while sending control command", err)
	}
	return resp, nil
}

// Close releases the device handle and emits "end". Every later operation
// fails with reader_closed.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	r.state = StateClosed
	r.card = nil
	r.conn = nil
	r.generation++
	r.mu.Unlock()

	err := r.transport.Close()
	r.emit(Event{Type: EventEnd})

	logging.Info(logging.CatReader, "Reader closed", map[string]any{"reader": r.name})
	if err != nil {
		return nfcerror.Wrap(nfcerror.KindDisconnect, nfcerror.CodeFailure, "an error occurred while closing the reader", err)
	}
	return nil
}
