package mifare

import (
	"bytes"
	"crypto/rand"
	"io"

	"github.com/SimplyPrint/nfc-pcsc/internal/logging"
	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
)

// Framer performs the two card exchanges of a 3DES mutual authentication.
// Implementations wrap the commands for a card family and validate the
// response frames, returning only the 8-byte ciphertext payloads.
type Framer interface {
	// Part1 requests the card challenge and returns ek(RndB).
	Part1() ([]byte, error)
	// Part2 sends ek(RndA || RndB') and returns ek(RndA').
	Part2(ekRndARndB []byte) ([]byte, error)
}

// Handshake runs 3DES (DES-EDE-CBC, two keys) mutual authentication.
type Handshake struct {
	// Key is the 16-byte cipher key in big-endian (cipher) byte order.
	Key []byte
	// Rand supplies RndA; nil means crypto/rand.
	Rand io.Reader
}

// Run authenticates against the card behind f. The only acceptance criterion
// is that the card returns our RndA rotated left by one byte.
func (h Handshake) Run(f Framer) error {
	if len(h.Key) != KeySize {
		return nfcerror.Newf(nfcerror.KindAuthentication, nfcerror.CodeInvalidKey,
			"3DES key must be %d bytes, got %d", KeySize, len(h.Key))
	}

	ekRndB, err := f.Part1()
	if err != nil {
		return err
	}

	rndA := make([]byte, BlockSize)
	src := h.Rand
	if src == nil {
		src = rand.Reader
	}
	if _, err := io.ReadFull(src, rndA); err != nil {
		return nfcerror.Wrap(nfcerror.KindAuthentication, nfcerror.CodeFailure, "generate RndA", err)
	}

	ekRndARndB, err := challengeResponse(h.Key, ekRndB, rndA)
	if err != nil {
		return err
	}

	ekRndA, err := f.Part2(ekRndARndB)
	if err != nil {
		return err
	}

	if err := verifyRndA(h.Key, ekRndA, ekRndARndB, rndA); err != nil {
		return err
	}

	logging.Debug(logging.CatCard, "3DES mutual authentication succeeded", nil)
	return nil
}

// challengeResponse decrypts ek(RndB) with a zero IV, rotates RndB left and
// encrypts RndA || RndB' chained on ek(RndB).
func challengeResponse(key, ekRndB, rndA []byte) ([]byte, error) {
	if len(ekRndB) != BlockSize {
		return nil, nfcerror.Newf(nfcerror.KindAuthentication, nfcerror.CodeUnexpectedResponseLength,
			"ek(RndB) must be %d bytes, got %d", BlockSize, len(ekRndB))
	}

	rndB, err := DecryptCBC(key, zeroIV, ekRndB)
	if err != nil {
		return nil, nfcerror.Wrap(nfcerror.KindAuthentication, nfcerror.CodeFailure, "decrypt RndB", err)
	}

	plain := make([]byte, 0, 2*BlockSize)
	plain = append(plain, rndA...)
	plain = append(plain, RotateLeft(rndB)...)

	out, err := EncryptCBC(key, ekRndB, plain)
	if err != nil {
		return nil, nfcerror.Wrap(nfcerror.KindAuthentication, nfcerror.CodeFailure, "encrypt RndA || RndB'", err)
	}
	return out, nil
}

// verifyRndA decrypts ek(RndA') chained on the last block we sent and compares
// the un-rotated value with rndA.
func verifyRndA(key, ekRndA, ekRndARndB, rndA []byte) error {
	if len(ekRndA) != BlockSize {
		return nfcerror.Newf(nfcerror.KindAuthentication, nfcerror.CodeUnexpectedResponseLength,
			"ek(RndA') must be %d bytes, got %d", BlockSize, len(ekRndA))
	}

	rndA2, err := DecryptCBC(key, ekRndARndB[BlockSize:2*BlockSize], ekRndA)
	if err != nil {
		return nfcerror.Wrap(nfcerror.KindAuthentication, nfcerror.CodeFailure, "decrypt RndA'", err)
	}

	if !bytes.Equal(RotateRight(rndA2), rndA) {
		return nfcerror.New(nfcerror.KindAuthentication, nfcerror.CodeRndADiffers,
			"the RndA returned by the card differs from the RndA sent")
	}
	return nil
}
