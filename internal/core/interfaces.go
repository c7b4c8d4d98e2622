package core

import "runtime"

// ConnectMode selects how a reader connection is shared.
type ConnectMode int

const (
	// ModeCard is a shared connection to the card in the field.
	ModeCard ConnectMode = iota + 1
	// ModeDirect talks to the reader itself, with or without a card.
	ModeDirect
)

func (m ConnectMode) String() string {
	switch m {
	case ModeCard:
		return "card"
	case ModeDirect:
		return "direct"
	default:
		return "invalid"
	}
}

// Protocol is the active card protocol reported by the binding.
type Protocol uint32

// Reader status bits, as reported by PC/SC.
const (
	StatusUnaware     uint32 = 0x0000
	StatusIgnore      uint32 = 0x0001
	StatusChanged     uint32 = 0x0002
	StatusUnknown     uint32 = 0x0004
	StatusUnavailable uint32 = 0x0008
	StatusEmpty       uint32 = 0x0010
	StatusPresent     uint32 = 0x0020
	StatusAtrMatch    uint32 = 0x0040
	StatusExclusive   uint32 = 0x0080
	StatusInUse       uint32 = 0x0100
	StatusMute        uint32 = 0x0200
)

// StatusEvent is one status change of a reader.
type StatusEvent struct {
	State uint32
	ATR   []byte
}

// Transport is one attached reader device as provided by the binding.
// Transmit and Control must be safe for concurrent use; maxLen is the
// expected response size and may be used as a receive buffer hint.
type Transport interface {
	Name() string
	Connect(mode ConnectMode) (Protocol, error)
	Disconnect() error
	Transmit(data []byte, maxLen int, proto Protocol) ([]byte, error)
	Control(ioctl uint32, data []byte, maxLen int) ([]byte, error)
	Close() error
}

// Sink receives binding callbacks. The binding calls ReaderStatus for one
// reader in order, never concurrently with ReaderAttached or ReaderRemoved for
// the same reader.
type Sink interface {
	ReaderAttached(t Transport)
	ReaderStatus(name string, ev StatusEvent)
	ReaderRemoved(name string)
	BindingError(err error)
}

// VendorExtensions are reader-specific commands exposed by some models.
type VendorExtensions interface {
	LED(led byte, blinking []byte) ([]byte, error)
	SetBuzzerOutput(enabled bool) ([]byte, error)
	SetPICC(picc byte) ([]byte, error)
	InAutoPoll() ([]byte, error)
}

// IOCTLEscape is the CCID escape control code used for reader commands.
var IOCTLEscape = CtlCode(3500)

// CtlCode returns the platform IOCTL for a PC/SC vendor control code.
func CtlCode(code uint32) uint32 {
	if runtime.GOOS == "windows" {
		// CTL_CODE(FILE_DEVICE_SMARTCARD, code, METHOD_BUFFERED, FILE_ANY_ACCESS)
		return 0x31<<16 | code<<2
	}
	return 0x42000000 + code
}
