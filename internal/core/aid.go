package core

import (
	"encoding/hex"
	"strings"

	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
)

// AidSource supplies the application identifier selected on ISO 14443-4 cards.
// It is resolved when the SELECT is built, never earlier.
type AidSource interface {
	Resolve(card *Card) ([]byte, error)
}

// FixedAID is a constant AID.
type FixedAID []byte

func (a FixedAID) Resolve(*Card) ([]byte, error) {
	if len(a) == 0 {
		return nil, nfcerror.New(nfcerror.KindSelect, nfcerror.CodeAIDNotSet, "AID is empty")
	}
	return cloneBytes(a), nil
}

func (a FixedAID) String() string {
	return strings.ToUpper(hex.EncodeToString(a))
}

// HexAID parses a hex AID such as "F222222222".
func HexAID(s string) (FixedAID, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	aid, err := hex.DecodeString(s)
	if err != nil {
		return nil, nfcerror.Wrap(nfcerror.KindSelect, nfcerror.CodeInvalidArgument, "AID must be a hex string", err)
	}
	if len(aid) == 0 {
		return nil, nfcerror.New(nfcerror.KindSelect, nfcerror.CodeInvalidArgument, "AID must not be empty")
	}
	return FixedAID(aid), nil
}

// DerivedAID computes the AID from the card being processed, e.g. from its ATR.
type DerivedAID func(card *Card) []byte

func (f DerivedAID) Resolve(card *Card) ([]byte, error) {
	aid := f(card)
	if len(aid) == 0 {
		return nil, nfcerror.New(nfcerror.KindSelect, nfcerror.CodeAIDNotSet, "AID function returned no AID")
	}
	return cloneBytes(aid), nil
}
