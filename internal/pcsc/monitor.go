package pcsc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/nfc-pcsc/internal/core"
	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
)

// pnpNotification is the pseudo reader whose state changes when readers are
// plugged or unplugged.
const pnpNotification = `\\?PnP?\Notification`

// stateMask strips the event counter PC/SC keeps in the high word.
const stateMask = 0xFFFF

const DefaultPollInterval = 500 * time.Millisecond

// Monitor enumerates PC/SC readers and reports their status changes to a
// core.Sink.
type Monitor struct {
	newContext ContextFactory
	poll       time.Duration
	ignore     []string
}

type MonitorOption func(*Monitor)

// WithPollInterval bounds each status wait. Reader lists are refreshed at
// least this often.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.poll = d
		}
	}
}

// WithIgnore skips readers whose name contains any of subs, case-insensitively.
func WithIgnore(subs []string) MonitorOption {
	return func(m *Monitor) { m.ignore = append([]string(nil), subs...) }
}

// WithContextFactory replaces EstablishContext.
func WithContextFactory(f ContextFactory) MonitorOption {
	return func(m *Monitor) { m.newContext = f }
}

func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		newContext: EstablishContext,
		poll:       DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) ignored(name string) bool {
	lower := strings.ToLower(name)
	for _, sub := range m.ignore {
		if sub != "" && strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

type watchedReader struct {
	current scard.StateFlag
}

// Run watches readers until ctx is done. Two contexts are used: one blocks in
// status waits, the other carries card I/O so connects never queue behind a
// wait. Attached readers are removed from sink before Run returns.
func (m *Monitor) Run(ctx context.Context, sink core.Sink) error {
	defer logging.RecoverAndLog("pcsc monitor", false)

	wait, err := m.newContext()
	if err != nil {
		sink.BindingError(err)
		return err
	}
	defer func() {
		if err := wait.Release(); err != nil {
			logging.Warn(logging.CatPCSC, "Failed to release context", map[string]any{"error": err.Error()})
		}
	}()

	ioCtx, err := m.newContext()
	if err != nil {
		sink.BindingError(err)
		return err
	}
	defer func() {
		if err := ioCtx.Release(); err != nil {
			logging.Warn(logging.CatPCSC, "Failed to release context", map[string]any{"error": err.Error()})
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = wait.Cancel() })
	defer stop()

	readers := make(map[string]*watchedReader)
	defer func() {
		for name := range readers {
			sink.ReaderRemoved(name)
		}
	}()

	logging.Info(logging.CatPCSC, "PC/SC monitor started", map[string]any{"pollInterval": m.poll.String()})

	pnp := true
	var pnpState scard.StateFlag
loop:
	for ctx.Err() == nil {
		names, err := wait.ListReaders()
		if err != nil && !errors.Is(err, scard.ErrNoReadersAvailable) {
			sink.BindingError(err)
			if !sleepCtx(ctx, m.poll) {
				break loop
			}
			continue
		}
		m.syncReaders(names, readers, ioCtx, sink)

		states := make([]scard.ReaderState, 0, len(readers)+1)
		for name, w := range readers {
			states = append(states, scard.ReaderState{Reader: name, CurrentState: w.current})
		}
		if pnp {
			states = append(states, scard.ReaderState{Reader: pnpNotification, CurrentState: pnpState})
		}
		if len(states) == 0 {
			if !sleepCtx(ctx, m.poll) {
				break loop
			}
			continue
		}

		err = wait.GetStatusChange(states, m.poll)
		switch {
		case err == nil:
		case errors.Is(err, scard.ErrTimeout):
			continue
		case errors.Is(err, scard.ErrCancelled):
			continue
		case errors.Is(err, scard.ErrUnknownReader), errors.Is(err, scard.ErrReaderUnavailable):
			// a reader went away between enumeration and the wait
			continue
		case pnp:
			logging.Debug(logging.CatPCSC, "Plug and play notification unavailable, polling", map[string]any{"error": err.Error()})
			pnp = false
			continue
		default:
			sink.BindingError(err)
			if !sleepCtx(ctx, m.poll) {
				break loop
			}
			continue
		}

		for _, st := range states {
			if st.Reader == pnpNotification {
				pnpState = st.EventState
				continue
			}
			w, ok := readers[st.Reader]
			if !ok || st.EventState&scard.StateChanged == 0 {
				continue
			}
			w.current = st.EventState
			sink.ReaderStatus(st.Reader, core.StatusEvent{
				State: uint32(st.EventState) & stateMask,
				ATR:   append([]byte(nil), st.Atr...),
			})
		}
	}

	logging.Info(logging.CatPCSC, "PC/SC monitor stopped", nil)
	return nil
}

func (m *Monitor) syncReaders(names []string, readers map[string]*watchedReader, ioCtx Context, sink core.Sink) {
	present := make(map[string]bool, len(names))
	for _, name := range names {
		if m.ignored(name) {
			continue
		}
		present[name] = true
		if _, ok := readers[name]; ok {
			continue
		}
		readers[name] = &watchedReader{current: scard.StateUnaware}
		logging.Info(logging.CatPCSC, "Reader found", map[string]any{"reader": name})
		sink.ReaderAttached(NewDevice(ioCtx, name))
	}
	for name := range readers {
		if !present[name] {
			delete(readers, name)
			logging.Info(logging.CatPCSC, "Reader lost", map[string]any{"reader": name})
			sink.ReaderRemoved(name)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ListReaders returns the names of the readers currently known to PC/SC,
// skipping ignored ones.
func (m *Monitor) ListReaders() ([]string, error) {
	c, err := m.newContext()
	if err != nil {
		return nil, err
	}
	defer c.Release()

	names, err := c.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pcsc: %w", err)
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !m.ignored(name) {
			out = append(out, name)
		}
	}
	return out, nil
}
