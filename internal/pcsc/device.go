package pcsc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/nfc-pcsc/internal/core"
	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
)

var (
	ErrNotConnected = errors.New("pcsc: no card handle")
	ErrClosed       = errors.New("pcsc: device closed")
)

// Device is one PC/SC reader. It implements core.Transport. Calls on the
// card handle are serialized.
type Device struct {
	ctx  Context
	name string

	mu     sync.Mutex
	card   Card
	closed bool
}

var _ core.Transport = (*Device)(nil)

// NewDevice returns a device for the named reader using ctx for connections.
func NewDevice(ctx Context, name string) *Device {
	return &Device{ctx: ctx, name: name}
}

func (d *Device) Name() string { return d.name }

func shareMode(mode core.ConnectMode) (scard.ShareMode, scard.Protocol, error) {
	switch mode {
	case core.ModeCard:
		return scard.ShareShared, scard.ProtocolAny, nil
	case core.ModeDirect:
		return scard.ShareDirect, scard.ProtocolUndefined, nil
	}
	return 0, 0, fmt.Errorf("pcsc: unsupported connect mode %d", int(mode))
}

// Connect opens a card handle. A previous handle is released first, leaving
// the card powered.
func (d *Device) Connect(mode core.ConnectMode) (core.Protocol, error) {
	share, proto, err := shareMode(mode)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if d.card != nil {
		if err := d.card.Disconnect(scard.LeaveCard); err != nil {
			logging.Debug(logging.CatPCSC, "Failed to release stale handle", map[string]any{"reader": d.name, "error": err.Error()})
		}
		d.card = nil
	}

	card, err := d.ctx.Connect(d.name, share, proto)
	if err != nil {
		return 0, err
	}
	d.card = card

	// A direct connection without a card has no active protocol.
	var active core.Protocol
	if st, err := card.Status(); err == nil {
		active = core.Protocol(st.ActiveProtocol)
	}
	logging.Debug(logging.CatPCSC, "Connected", map[string]any{
		"reader":   d.name,
		"mode":     mode.String(),
		"protocol": uint32(active),
	})
	return active, nil
}

func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.card == nil {
		return ErrNotConnected
	}
	if err := d.card.Disconnect(scard.LeaveCard); err != nil {
		return fmt.Errorf("disconnect from %s: %w", d.name, err)
	}
	d.card = nil
	return nil
}

// Transmit sends data on the current handle. maxLen is advisory: scard sizes
// the receive buffer itself.
func (d *Device) Transmit(data []byte, maxLen int, _ core.Protocol) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.card == nil {
		return nil, ErrNotConnected
	}
	resp, err := d.card.Transmit(data)
	if err != nil {
		return nil, fmt.Errorf("transmit to %s: %w", d.name, err)
	}
	if maxLen > 0 && len(resp) > maxLen {
		logging.Debug(logging.CatPCSC, "Response longer than expected", map[string]any{
			"reader": d.name,
			"len":    len(resp),
			"maxLen": maxLen,
		})
	}
	return resp, nil
}

func (d *Device) Control(ioctl uint32, data []byte, _ int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.card == nil {
		return nil, ErrNotConnected
	}
	resp, err := d.card.Control(ioctl, data)
	if err != nil {
		return nil, fmt.Errorf("control 0x%X on %s: %w", ioctl, d.name, err)
	}
	return resp, nil
}

// Close releases the card handle. Later connects fail with ErrClosed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.card == nil {
		return nil
	}
	card := d.card
	d.card = nil
	if err := card.Disconnect(scard.LeaveCard); err != nil {
		return fmt.Errorf("disconnect from %s: %w", d.name, err)
	}
	return nil
}
