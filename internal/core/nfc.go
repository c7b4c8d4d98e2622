package core

import (
	"sort"
	"sync"

	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
)

// statusQueueSize bounds the status events buffered per reader before the
// binding blocks.
const statusQueueSize = 64

type managedReader struct {
	reader *Reader
	done   chan struct{}

	// sendMu orders sends on queue with its close.
	sendMu sync.Mutex
	closed bool
	queue  chan StatusEvent
}

func (m *managedReader) push(ev StatusEvent) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if !m.closed {
		m.queue <- ev
	}
}

func (m *managedReader) stop() {
	m.sendMu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.sendMu.Unlock()
	<-m.done
}

// NFC tracks attached readers. It implements Sink for the PC/SC monitor and
// fans in every reader event to its own listeners, after emitting "reader"
// when a reader is attached.
type NFC struct {
	mu           sync.Mutex
	readers      map[string]*managedReader
	opts         []ReaderOption
	aid          AidSource
	auto         *bool
	listeners    []listenerEntry
	nextListener int
}

// NewNFC returns a manager applying opts to every reader it creates.
func NewNFC(opts ...ReaderOption) *NFC {
	return &NFC{
		readers: make(map[string]*managedReader),
		opts:    opts,
	}
}

// Subscribe registers l and returns a function that removes it.
func (n *NFC) Subscribe(l Listener) func() {
	n.mu.Lock()
	n.nextListener++
	id := n.nextListener
	n.listeners = append(n.listeners, listenerEntry{id: id, fn: l})
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, e := range n.listeners {
			if e.id == id {
				n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
				return
			}
		}
	}
}

func (n *NFC) emit(ev Event) {
	n.mu.Lock()
	listeners := make([]listenerEntry, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}

// Readers returns the attached readers sorted by name.
func (n *NFC) Readers() []*Reader {
	n.mu.Lock()
	out := make([]*Reader, 0, len(n.readers))
	for _, m := range n.readers {
		out = append(out, m.reader)
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Reader returns the attached reader with the given name.
func (n *NFC) Reader(name string) (*Reader, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.readers[name]
	if !ok {
		return nil, false
	}
	return m.reader, true
}

// SetAID sets the AID on every attached reader and on readers attached later.
func (n *NFC) SetAID(aid AidSource) {
	n.mu.Lock()
	n.aid = aid
	readers := n.snapshotLocked()
	n.mu.Unlock()

	for _, r := range readers {
		r.SetAID(aid)
	}
}

// SetAutoProcessing sets auto processing on every attached reader and on
// readers attached later.
func (n *NFC) SetAutoProcessing(enabled bool) {
	n.mu.Lock()
	n.auto = &enabled
	readers := n.snapshotLocked()
	n.mu.Unlock()

	for _, r := range readers {
		r.SetAutoProcessing(enabled)
	}
}

func (n *NFC) snapshotLocked() []*Reader {
	out := make([]*Reader, 0, len(n.readers))
	for _, m := range n.readers {
		out = append(out, m.reader)
	}
	return out
}

// ReaderAttached creates a Reader for t and starts delivering its status
// events. A reader already attached under the same name is replaced.
func (n *NFC) ReaderAttached(t Transport) {
	name := t.Name()
	n.ReaderRemoved(name)

	n.mu.Lock()
	opts := append([]ReaderOption(nil), n.opts...)
	if n.aid != nil {
		opts = append(opts, WithAID(n.aid))
	}
	if n.auto != nil {
		opts = append(opts, WithAutoProcessing(*n.auto))
	}
	opts = append(opts, WithListener(n.emit))

	m := &managedReader{
		reader: NewReader(t, opts...),
		queue:  make(chan StatusEvent, statusQueueSize),
		done:   make(chan struct{}),
	}
	n.readers[name] = m
	n.mu.Unlock()

	go n.run(m)

	logging.Info(logging.CatReader, "Reader attached", map[string]any{"reader": name})
	n.emit(Event{Type: EventReader, Reader: m.reader})
}

// ReaderStatus queues ev for the named reader. Events for unknown readers
// are dropped.
func (n *NFC) ReaderStatus(name string, ev StatusEvent) {
	n.mu.Lock()
	m, ok := n.readers[name]
	n.mu.Unlock()
	if !ok {
		logging.Debug(logging.CatPCSC, "Status for unknown reader", map[string]any{"reader": name})
		return
	}
	m.push(ev)
}

// ReaderRemoved stops the reader after its queued events are processed and
// closes it, which emits "end".
func (n *NFC) ReaderRemoved(name string) {
	n.mu.Lock()
	m, ok := n.readers[name]
	if ok {
		delete(n.readers, name)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	m.stop()

	if err := m.reader.Close(); err != nil {
		logging.Warn(logging.CatReader, "Failed to close reader", map[string]any{"reader": name, "error": err.Error()})
	}
	logging.Info(logging.CatReader, "Reader removed", map[string]any{"reader": name})
}

// BindingError reports a failure of the PC/SC binding itself.
func (n *NFC) BindingError(err error) {
	logging.Error(logging.CatPCSC, "PC/SC error", map[string]any{"error": err.Error()})
	n.emit(Event{Type: EventError, Err: err})
}

// Close removes every attached reader.
func (n *NFC) Close() {
	n.mu.Lock()
	names := make([]string, 0, len(n.readers))
	for name := range n.readers {
		names = append(names, name)
	}
	n.mu.Unlock()

	for _, name := range names {
		n.ReaderRemoved(name)
	}
}

func (n *NFC) run(m *managedReader) {
	defer close(m.done)
	for ev := range m.queue {
		n.dispatch(m.reader, ev)
	}
}

func (n *NFC) dispatch(r *Reader, ev StatusEvent) {
	defer logging.RecoverAndLog("status handler for "+r.Name(), false)
	r.HandleStatus(ev)
}
