package apdu

import (
	"fmt"

	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
)

// StatusWord is the SW1-SW2 trailer of a response APDU.
type StatusWord uint16

const (
	SWSuccess              StatusWord = 0x9000
	SWWarningNoInfo        StatusWord = 0x6200
	SWVerificationFailed   StatusWord = 0x6300
	SWWrongLength          StatusWord = 0x6700
	SWSecurityNotSatisfied StatusWord = 0x6982
	SWAuthBlocked          StatusWord = 0x6983
	SWFunctionNotSupported StatusWord = 0x6A81
	SWFileNotFound         StatusWord = 0x6A82
	SWWrongP1P2            StatusWord = 0x6B00
	SWInsNotSupported      StatusWord = 0x6D00
	SWClassNotSupported    StatusWord = 0x6E00
)

var statusText = map[StatusWord]string{
	SWSuccess:              "success",
	SWWarningNoInfo:        "no information given",
	SWVerificationFailed:   "operation failed",
	SWWrongLength:          "wrong length",
	SWSecurityNotSatisfied: "security status not satisfied",
	SWAuthBlocked:          "authentication method blocked",
	SWFunctionNotSupported: "function not supported",
	SWFileNotFound:         "file or application not found",
	SWWrongP1P2:            "wrong parameters P1-P2",
	SWInsNotSupported:      "instruction not supported",
	SWClassNotSupported:    "class not supported",
}

// NewStatusWord combines SW1 and SW2.
func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

func (sw StatusWord) SW1() byte { return byte(sw >> 8) }
func (sw StatusWord) SW2() byte { return byte(sw) }

// IsSuccess reports whether sw is 90 00. Readers answer pseudo-APDUs with
// exactly this value, 61xx is not accepted.
func (sw StatusWord) IsSuccess() bool {
	return sw == SWSuccess
}

func (sw StatusWord) String() string {
	if s, ok := statusText[sw]; ok {
		return fmt.Sprintf("%04X (%s)", uint16(sw), s)
	}
	return fmt.Sprintf("%04X", uint16(sw))
}

// ParseStatus splits a response into its body and status word.
// Responses shorter than 2 bytes fail with response_too_short.
func ParseStatus(resp []byte) ([]byte, StatusWord, error) {
	if len(resp) < 2 {
		return nil, 0, nfcerror.Newf(nfcerror.KindProtocol, nfcerror.CodeResponseTooShort,
			"response too short: length %d", len(resp))
	}
	n := len(resp) - 2
	return resp[:n], NewStatusWord(resp[n], resp[n+1]), nil
}

// Check parses resp and returns its body when the status word is 90 00.
// A different status word yields an operation_failed error of the given kind
// carrying that status word.
func Check(kind nfcerror.Kind, resp []byte, what string) ([]byte, error) {
	body, sw, err := ParseStatus(resp)
	if err != nil {
		return nil, nfcerror.Wrap(kind, nfcerror.CodeInvalidResponse, what, err)
	}
	if !sw.IsSuccess() {
		return nil, nfcerror.Status(kind, uint16(sw), what)
	}
	return body, nil
}
