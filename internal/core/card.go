package core

import (
	"encoding/hex"
	"strings"

	"github.com/moov-io/bertlv"
)

// Standard is the ISO/IEC 14443 layer a card is processed at.
type Standard string

const (
	TagISO14443_3 Standard = "TAG_ISO_14443_3"
	TagISO14443_4 Standard = "TAG_ISO_14443_4"
)

// CardTypeStandard is the only card type assigned by presence handling.
const CardTypeStandard = "standard"

// Card is a snapshot of the card present in a reader.
type Card struct {
	ATR      []byte
	Standard Standard
	Type     string
	// UID is the lowercase hex UID (ISO 14443-3 cards).
	UID string
	// Data is the SELECT response body (ISO 14443-4 cards).
	Data     []byte
	Protocol Protocol
	// TLV is a best-effort BER-TLV decode of Data, nil when Data is not TLV.
	TLV []bertlv.TLV
}

// SelectStandardByATR classifies a card from its ATR. PC/SC readers build the
// ATR of a contactless storage card with 0x4F (RID follows) at byte 5.
func SelectStandardByATR(atr []byte) Standard {
	if len(atr) > 5 && atr[5] == 0x4F {
		return TagISO14443_3
	}
	return TagISO14443_4
}

// Clone returns a deep copy of c. A nil card clones to nil.
func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	out := *c
	out.ATR = cloneBytes(c.ATR)
	out.Data = cloneBytes(c.Data)
	out.TLV = cloneTLVs(c.TLV)
	return &out
}

// ATRHex returns the ATR as uppercase hex.
func (c *Card) ATRHex() string {
	return strings.ToUpper(hex.EncodeToString(c.ATR))
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneTLVs(in []bertlv.TLV) []bertlv.TLV {
	if in == nil {
		return nil
	}
	out := make([]bertlv.TLV, len(in))
	for i, t := range in {
		t.Value = cloneBytes(t.Value)
		t.TLVs = cloneTLVs(t.TLVs)
		out[i] = t
	}
	return out
}

// decodeTLV decodes SELECT data, returning nil when it is not valid BER-TLV.
func decodeTLV(data []byte) []bertlv.TLV {
	if len(data) == 0 {
		return nil
	}
	tlvs, err := bertlv.Decode(data)
	if err != nil {
		return nil
	}
	return tlvs
}
