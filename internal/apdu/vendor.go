package apdu

import (
	"bytes"

	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
)

// Size limits of the vendor wrappers.
const (
	MaxDirectTransmit = 255
	MaxPN533Data      = 264
)

// PN533 command and response codes.
const (
	pn533Command         byte = 0xD4
	pn533Response        byte = 0xD5
	pn533InDataExchange  byte = 0x40
	pn533InCommThru      byte = 0x42
	pn533InAutoPoll      byte = 0x60
	pn533InDataExchangeR byte = 0x41
	pn533InCommThruR     byte = 0x43
)

// Response prefixes of the PN533 commands with a zero status byte.
var (
	InCommunicateThruOK = []byte{pn533Response, pn533InCommThruR, 0x00}
	InDataExchangeOK    = []byte{pn533Response, pn533InDataExchangeR, 0x00}
)

// DirectTransmit wraps payload in the reader's escape envelope
// (FF 00 00 00 Lc payload) so it reaches the embedded controller unchanged.
func DirectTransmit(payload []byte) ([]byte, error) {
	if len(payload) > MaxDirectTransmit {
		return nil, nfcerror.Newf(nfcerror.KindProtocol, nfcerror.CodePayloadTooLong,
			"direct transmit payload of %d bytes exceeds %d", len(payload), MaxDirectTransmit)
	}
	cmd := make([]byte, 0, 5+len(payload))
	cmd = append(cmd, ClassReader, InsDirectTransmit, 0x00, 0x00, byte(len(payload)))
	return append(cmd, payload...), nil
}

// InCommunicateThru builds the PN533 InCommunicateThru frame (D4 42 data).
func InCommunicateThru(data []byte) ([]byte, error) {
	if len(data) > MaxPN533Data {
		return nil, nfcerror.Newf(nfcerror.KindProtocol, nfcerror.CodePayloadTooLong,
			"InCommunicateThru data of %d bytes exceeds %d", len(data), MaxPN533Data)
	}
	return append([]byte{pn533Command, pn533InCommThru}, data...), nil
}

// InDataExchange builds the PN533 InDataExchange frame (D4 40 tg data).
func InDataExchange(tg byte, data []byte) ([]byte, error) {
	if len(data) > MaxPN533Data {
		return nil, nfcerror.Newf(nfcerror.KindProtocol, nfcerror.CodePayloadTooLong,
			"InDataExchange data of %d bytes exceeds %d", len(data), MaxPN533Data)
	}
	return append([]byte{pn533Command, pn533InDataExchange, tg}, data...), nil
}

// InAutoPoll builds the PN533 InAutoPoll frame for endless polling of
// generic 106 kbps passive targets.
func InAutoPoll(period byte) []byte {
	return []byte{pn533Command, pn533InAutoPoll, 0xFF, period, 0x00}
}

// DirectCommunicateThru wraps data in InCommunicateThru and Direct Transmit.
func DirectCommunicateThru(data []byte) ([]byte, error) {
	frame, err := InCommunicateThru(data)
	if err != nil {
		return nil, err
	}
	return DirectTransmit(frame)
}

// DirectDataExchange wraps data in InDataExchange and Direct Transmit.
func DirectDataExchange(tg byte, data []byte) ([]byte, error) {
	frame, err := InDataExchange(tg, data)
	if err != nil {
		return nil, err
	}
	return DirectTransmit(frame)
}

// ExpectFrame validates a fixed-size vendor response: len(prefix) bytes of
// prefix, payloadLen bytes of payload and a 90 00 trailer. A wrong length fails
// with unexpected_response_length, a wrong prefix or trailer with
// unexpected_response. The payload is returned on success.
func ExpectFrame(kind nfcerror.Kind, resp, prefix []byte, payloadLen int, what string) ([]byte, error) {
	want := len(prefix) + payloadLen + 2
	if len(resp) != want {
		return nil, nfcerror.Newf(kind, nfcerror.CodeUnexpectedResponseLength,
			"unexpected response length for %s: expected %d bytes but got %d", what, want, len(resp))
	}
	end := len(prefix) + payloadLen
	if !bytes.Equal(resp[:len(prefix)], prefix) || NewStatusWord(resp[end], resp[end+1]) != SWSuccess {
		return nil, nfcerror.Newf(kind, nfcerror.CodeUnexpectedResponse,
			"unexpected response format for %s", what)
	}
	return resp[len(prefix):end], nil
}
