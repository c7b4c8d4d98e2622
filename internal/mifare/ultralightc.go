// Package mifare implements MIFARE Ultralight C commands and the 3DES
// mutual authentication they use, tunnelled through a PN533 based reader
// (ACR122U) with Direct Transmit.
package mifare

import (
	"fmt"
	"io"

	"github.com/SimplyPrint/nfc-pcsc/internal/apdu"
	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
)

// MIFARE Ultralight C (MF0ICU2) memory layout.
const (
	NumPages = 48
	PageSize = 4

	UserPageFirst = 0x04
	UserPageLast  = 0x27

	Auth0Page = 0x2A
	Auth1Page = 0x2B

	KeyPage1 = 0x2C
	KeyPage2 = 0x2D
	KeyPage3 = 0x2E
	KeyPage4 = 0x2F

	// AUTH1 values.
	MemoryAccessOnlyWriteRestricted = 0x01
	MemoryAccessReadWriteRestricted = 0x00

	// AUTH0 range; 0x30 disables protection.
	Auth0Min = 0x03
	Auth0Max = 0x30
)

// Card commands.
const (
	cmdRead          byte = 0x30
	cmdWrite         byte = 0xA2
	cmdAuthenticate  byte = 0x1A
	cmdAuthenticate2 byte = 0xAF

	// PN533 supports one target at a time; InDataExchange addresses it as 1.
	dataExchangeTarget byte = 0x01
)

var (
	authPart1OK = []byte{0xD5, 0x43, 0x00, 0xAF}
	authPart2OK = []byte{0xD5, 0x43, 0x00, 0x00}
)

// Transmitter sends a raw command to the card and returns the raw response.
type Transmitter interface {
	Transmit(data []byte, maxLen int) ([]byte, error)
}

// UltralightC drives an Ultralight C card through a reader.
type UltralightC struct {
	Reader Transmitter
	// Rand overrides the RndA source, mainly for tests.
	Rand io.Reader
}

// NewUltralightC returns an UltralightC bound to r.
func NewUltralightC(r Transmitter) *UltralightC {
	return &UltralightC{Reader: r}
}

// Authenticate runs 3DES mutual authentication. key is the 16-byte key in the
// form stored in pages 0x2C-0x2F; it is converted to cipher byte order here.
func (u *UltralightC) Authenticate(key []byte) error {
	if len(key) != KeySize {
		return nfcerror.Newf(nfcerror.KindAuthentication, nfcerror.CodeInvalidKey,
			"key must be %d bytes, got %d", KeySize, len(key))
	}
	h := Handshake{Key: SwapKeyEndianness(key), Rand: u.Rand}
	return h.Run(ultralightFramer{r: u.Reader})
}

// ReadPages reads four pages (16 bytes) starting at page. Addresses past the
// last page wrap around on the card.
func (u *UltralightC) ReadPages(page byte) ([]byte, error) {
	cmd, err := apdu.DirectCommunicateThru([]byte{cmdRead, page})
	if err != nil {
		return nil, nfcerror.Wrap(nfcerror.KindRead, nfcerror.CodeFailure, "build READ", err)
	}
	resp, err := u.Reader.Transmit(cmd, 21)
	if err != nil {
		return nil, nfcerror.Wrap(nfcerror.KindRead, nfcerror.CodeFailure, "READ", err)
	}
	data, err := apdu.ExpectFrame(nfcerror.KindRead, resp, apdu.InCommunicateThruOK, 4*PageSize, "READ")
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// WritePage writes one 4-byte page.
//
// WRITE goes through InDataExchange: with InCommunicateThru the reader reports
// a CRC error (D5 43 02) even when the write succeeds.
func (u *UltralightC) WritePage(page byte, data []byte) error {
	if len(data) != PageSize {
		return nfcerror.Newf(nfcerror.KindWrite, nfcerror.CodeInvalidDataLength,
			"page data must be %d bytes, got %d", PageSize, len(data))
	}
	payload := append([]byte{cmdWrite, page}, data...)
	cmd, err := apdu.DirectDataExchange(dataExchangeTarget, payload)
	if err != nil {
		return nfcerror.Wrap(nfcerror.KindWrite, nfcerror.CodeFailure, "build WRITE", err)
	}
	resp, err := u.Reader.Transmit(cmd, 5)
	if err != nil {
		return nfcerror.Wrap(nfcerror.KindWrite, nfcerror.CodeFailure, "WRITE", err)
	}
	if _, err := apdu.ExpectFrame(nfcerror.KindWrite, resp, apdu.InDataExchangeOK, 0, "WRITE"); err != nil {
		return err
	}
	logging.Debug(logging.CatCard, "Ultralight C page written", map[string]any{"page": fmt.Sprintf("0x%02X", page)})
	return nil
}

// WriteAuth0 sets the first page that requires authentication.
func (u *UltralightC) WriteAuth0(value int) error {
	if value < Auth0Min || value > Auth0Max {
		return nfcerror.Newf(nfcerror.KindWrite, nfcerror.CodeInvalidArgument,
			"AUTH0 must be in 0x%02X..0x%02X, got 0x%02X", Auth0Min, Auth0Max, value)
	}
	return u.WritePage(Auth0Page, []byte{byte(value), 0x00, 0x00, 0x00})
}

// WriteAuth1 sets the access restriction for protected pages.
func (u *UltralightC) WriteAuth1(value int) error {
	if value < 0x00 || value > 0xFF {
		return nfcerror.Newf(nfcerror.KindWrite, nfcerror.CodeInvalidArgument,
			"AUTH1 must be in 0x00..0xFF, got 0x%X", value)
	}
	return u.WritePage(Auth1Page, []byte{byte(value), 0x00, 0x00, 0x00})
}

// WriteKey programs a 16-byte key into pages 0x2C-0x2F, as given.
func (u *UltralightC) WriteKey(key []byte) error {
	if len(key) != KeySize {
		return nfcerror.Newf(nfcerror.KindWrite, nfcerror.CodeInvalidKey,
			"key must be %d bytes, got %d", KeySize, len(key))
	}
	for i := 0; i < KeySize/PageSize; i++ {
		if err := u.WritePage(byte(KeyPage1+i), key[i*PageSize:(i+1)*PageSize]); err != nil {
			return err
		}
	}
	return nil
}

type ultralightFramer struct {
	r Transmitter
}

func (f ultralightFramer) Part1() ([]byte, error) {
	cmd, err := apdu.DirectCommunicateThru([]byte{cmdAuthenticate, 0x00})
	if err != nil {
		return nil, nfcerror.Wrap(nfcerror.KindAuthentication, nfcerror.CodeFailure, "build AUTHENTICATE part 1", err)
	}
	resp, err := f.r.Transmit(cmd, 14)
	if err != nil {
		return nil, nfcerror.Wrap(nfcerror.KindAuthentication, nfcerror.CodeFailure, "AUTHENTICATE part 1", err)
	}
	return apdu.ExpectFrame(nfcerror.KindAuthentication, resp, authPart1OK, BlockSize, "AUTHENTICATE part 1")
}

func (f ultralightFramer) Part2(ekRndARndB []byte) ([]byte, error) {
	cmd, err := apdu.DirectCommunicateThru(append([]byte{cmdAuthenticate2}, ekRndARndB...))
	if err != nil {
		return nil, nfcerror.Wrap(nfcerror.KindAuthentication, nfcerror.CodeFailure, "build AUTHENTICATE part 2", err)
	}
	resp, err := f.r.Transmit(cmd, 14)
	if err != nil {
		return nil, nfcerror.Wrap(nfcerror.KindAuthentication, nfcerror.CodeFailure, "AUTHENTICATE part 2", err)
	}
	return apdu.ExpectFrame(nfcerror.KindAuthentication, resp, authPart2OK, BlockSize, "AUTHENTICATE part 2")
}
