package api

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/moov-io/bertlv"

	"github.com/SimplyPrint/nfc-pcsc/internal/core"
	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
)

// ReaderView is the JSON form of an attached reader.
type ReaderView struct {
	Index          int       `json:"index"`
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Connected      bool      `json:"connected"`
	AutoProcessing bool      `json:"autoProcessing"`
	Vendor         bool      `json:"vendorExtensions"`
	Card           *CardView `json:"card,omitempty"`
}

// CardView is the JSON form of a card snapshot. Byte fields are uppercase hex.
type CardView struct {
	ATR      string    `json:"atr"`
	Standard string    `json:"standard"`
	Type     string    `json:"type"`
	UID      string    `json:"uid,omitempty"`
	Data     string    `json:"data,omitempty"`
	Protocol uint32    `json:"protocol"`
	TLV      []TLVView `json:"tlv,omitempty"`
}

type TLVView struct {
	Tag      string    `json:"tag"`
	Value    string    `json:"value,omitempty"`
	Children []TLVView `json:"children,omitempty"`
}

// ErrorView is the JSON form of an error. Kind, code and sw are set for
// reader errors.
type ErrorView struct {
	Message string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	SW      string `json:"sw,omitempty"`
}

func upperHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func newReaderView(index int, r *core.Reader) ReaderView {
	return ReaderView{
		Index:          index,
		Name:           r.Name(),
		State:          r.State().String(),
		Connected:      r.Connected(),
		AutoProcessing: r.AutoProcessing(),
		Vendor:         r.Vendor() != nil,
		Card:           newCardView(r.Card()),
	}
}

func newCardView(c *core.Card) *CardView {
	if c == nil {
		return nil
	}
	return &CardView{
		ATR:      upperHex(c.ATR),
		Standard: string(c.Standard),
		Type:     c.Type,
		UID:      c.UID,
		Data:     upperHex(c.Data),
		Protocol: uint32(c.Protocol),
		TLV:      newTLVViews(c.TLV),
	}
}

func newTLVViews(in []bertlv.TLV) []TLVView {
	if len(in) == 0 {
		return nil
	}
	out := make([]TLVView, len(in))
	for i, t := range in {
		out[i] = TLVView{
			Tag:      t.Tag,
			Value:    upperHex(t.Value),
			Children: newTLVViews(t.TLVs),
		}
	}
	return out
}

func newErrorView(err error) *ErrorView {
	if err == nil {
		return nil
	}
	v := &ErrorView{Message: err.Error()}
	var e *nfcerror.Error
	if errors.As(err, &e) {
		v.Kind = e.KindName()
		v.Code = e.CodeName()
		if e.SW != 0 {
			v.SW = upperHex([]byte{byte(e.SW >> 8), byte(e.SW)})
		}
	}
	return v
}
