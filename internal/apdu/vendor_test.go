package apdu

import (
	"bytes"
	"testing"

	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
)

func TestDirectTransmit(t *testing.T) {
	got, err := DirectTransmit([]byte{0xD4, 0x42, 0x1A, 0x00})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustHex(t, "FF 00 00 00 04 D4 42 1A 00")
	if !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}
}

func TestWrapperLimits(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(n int) error
		maxOK   int
		tooLong int
	}{
		{
			name:    "direct transmit",
			fn:      func(n int) error { _, err := DirectTransmit(make([]byte, n)); return err },
			maxOK:   255,
			tooLong: 256,
		},
		{
			name:    "in communicate thru",
			fn:      func(n int) error { _, err := InCommunicateThru(make([]byte, n)); return err },
			maxOK:   264,
			tooLong: 265,
		},
		{
			name:    "in data exchange",
			fn:      func(n int) error { _, err := InDataExchange(1, make([]byte, n)); return err },
			maxOK:   264,
			tooLong: 265,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(tt.maxOK); err != nil {
				t.Errorf("%d bytes: unexpected error %v", tt.maxOK, err)
			}
			err := tt.fn(tt.tooLong)
			if nfcerror.KindOf(err) != nfcerror.KindProtocol || nfcerror.CodeOf(err) != nfcerror.CodePayloadTooLong {
				t.Errorf("%d bytes: expected payload_too_long protocol error, got %v", tt.tooLong, err)
			}
		})
	}
}

func TestNestedWrappers(t *testing.T) {
	got, err := DirectDataExchange(1, []byte{0xA2, 0x2A, 0x30, 0, 0, 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustHex(t, "FF 00 00 00 09 D4 40 01 A2 2A 30 00 00 00")
	if !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}

	got, err = DirectCommunicateThru([]byte{0x30, 0x04})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want = mustHex(t, "FF 00 00 00 04 D4 42 30 04")
	if !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}

	// a payload that fits InCommunicateThru but not Direct Transmit
	if _, err := DirectCommunicateThru(make([]byte, 260)); nfcerror.CodeOf(err) != nfcerror.CodePayloadTooLong {
		t.Errorf("expected payload_too_long, got %v", err)
	}
}

func TestExpectFrame(t *testing.T) {
	prefix := []byte{0xD5, 0x43, 0x00, 0xAF}

	tests := []struct {
		name     string
		resp     string
		wantCode string
		want     string
	}{
		{"valid", "D5 43 00 AF 0102030405060708 90 00", "", "0102030405060708"},
		{"short", "D5 43 00 AF 0102 90 00", nfcerror.CodeUnexpectedResponseLength, ""},
		{"long", "D5 43 00 AF 010203040506070809 90 00", nfcerror.CodeUnexpectedResponseLength, ""},
		{"bad prefix", "D5 43 01 AF 0102030405060708 90 00", nfcerror.CodeUnexpectedResponse, ""},
		{"bad trailer", "D5 43 00 AF 0102030405060708 63 00", nfcerror.CodeUnexpectedResponse, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpectFrame(nfcerror.KindAuthentication, mustHex(t, tt.resp), prefix, 8, "part 1")
			if tt.wantCode != "" {
				if nfcerror.CodeOf(err) != tt.wantCode {
					t.Fatalf("code = %q, want %q (err %v)", nfcerror.CodeOf(err), tt.wantCode, err)
				}
				if nfcerror.KindOf(err) != nfcerror.KindAuthentication {
					t.Errorf("kind = %v", nfcerror.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(got, mustHex(t, tt.want)) {
				t.Errorf("payload = % X", got)
			}
		})
	}
}
