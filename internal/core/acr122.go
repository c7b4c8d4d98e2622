package core

import (
	"github.com/SimplyPrint/nfc-pcsc/internal/apdu"
	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
)

// ACR122 pseudo-APDU parameters (ACR122U API v2.04).
const (
	acr122LEDControl   byte = 0x40
	acr122SetPICC      byte = 0x51
	acr122BuzzerOnPoll byte = 0x52

	// InAutoPoll period in units of 150 ms.
	acr122PollPeriod byte = 0x01
)

// ACR122 implements VendorExtensions for ACS ACR122U readers. Commands go
// through Reader.Control, so the reader must be connected (direct mode works
// without a card).
type ACR122 struct {
	reader *Reader
}

// LED drives the red and green LEDs. led is the LED state control byte and
// blinking the 4-byte blinking duration control (T1, T2, repetitions, buzzer link).
func (a *ACR122) LED(led byte, blinking []byte) ([]byte, error) {
	if len(blinking) != 4 {
		return nil, nfcerror.Newf(nfcerror.KindControl, nfcerror.CodeInvalidArgument,
			"blinking duration control must be 4 bytes, got %d", len(blinking))
	}
	cmd := append([]byte{apdu.ClassReader, 0x00, acr122LEDControl, led, 0x04}, blinking...)
	return a.escape(cmd, "LED control")
}

// SetBuzzerOutput enables or disables the beep on card detection.
func (a *ACR122) SetBuzzerOutput(enabled bool) ([]byte, error) {
	var p2 byte
	if enabled {
		p2 = 0xFF
	}
	return a.escape([]byte{apdu.ClassReader, 0x00, acr122BuzzerOnPoll, p2, 0x00}, "set buzzer output")
}

// SetPICC sets the PICC operating parameter (enabled card types and polling).
func (a *ACR122) SetPICC(picc byte) ([]byte, error) {
	return a.escape([]byte{apdu.ClassReader, 0x00, acr122SetPICC, picc, 0x00}, "set PICC operating parameter")
}

// InAutoPoll starts endless polling for generic 106 kbps targets. The raw
// response is returned unchecked.
func (a *ACR122) InAutoPoll() ([]byte, error) {
	cmd, err := apdu.DirectTransmit(apdu.InAutoPoll(acr122PollPeriod))
	if err != nil {
		return nil, err
	}
	return a.reader.Control(cmd, 2)
}

// escape sends a reader command whose response is 90 xx, where xx carries the
// current LED state or PICC parameter.
func (a *ACR122) escape(cmd []byte, what string) ([]byte, error) {
	resp, err := a.reader.Control(cmd, 2)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[0] != 0x90 {
		e := nfcerror.Newf(nfcerror.KindControl, nfcerror.CodeOperationFailed, "%s failed: response % X", what, resp)
		if len(resp) >= 2 {
			e.SW = uint16(apdu.NewStatusWord(resp[0], resp[1]))
		}
		return nil, e
	}
	return resp, nil
}
