package mifare

import (
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// BlockSize is the DES block size.
const BlockSize = des.BlockSize

// KeySize is the size of a two-key triple DES key (K1 || K2).
const KeySize = 16

var zeroIV = make([]byte, BlockSize)

// newCipher returns DES-EDE with K3 = K1.
func newCipher(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("3DES key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, 24)
	copy(k, key)
	copy(k[16:], key[:8])
	return des.NewTripleDESCipher(k)
}

// EncryptCBC encrypts src (a multiple of 8 bytes, no padding) with DES-EDE-CBC.
func EncryptCBC(key, iv, src []byte) ([]byte, error) {
	block, err := newCipher(key)
	if err != nil {
		return nil, err
	}
	if err := checkCBC(iv, src); err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst, src)
	return dst, nil
}

// DecryptCBC decrypts src (a multiple of 8 bytes, no padding) with DES-EDE-CBC.
func DecryptCBC(key, iv, src []byte) ([]byte, error) {
	block, err := newCipher(key)
	if err != nil {
		return nil, err
	}
	if err := checkCBC(iv, src); err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, src)
	return dst, nil
}

func checkCBC(iv, src []byte) error {
	if len(iv) != BlockSize {
		return fmt.Errorf("IV must be %d bytes, got %d", BlockSize, len(iv))
	}
	if len(src)%BlockSize != 0 {
		return fmt.Errorf("data length %d is not a multiple of %d", len(src), BlockSize)
	}
	return nil
}

// RotateLeft returns b rotated left by one byte (b[0] moves to the end).
func RotateLeft(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, 0, len(b))
	out = append(out, b[1:]...)
	return append(out, b[0])
}

// RotateRight returns b rotated right by one byte (the last byte moves to the front).
func RotateRight(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, 0, len(b))
	out = append(out, b[len(b)-1])
	return append(out, b[:len(b)-1]...)
}

// SwapKeyEndianness returns a copy of a 16-byte key with the byte order
// reversed inside each 8-byte half; the halves keep their position.
//
//	[K1B0..K1B7 K2B0..K2B7] -> [K1B7..K1B0 K2B7..K2B0]
//
// Ultralight C stores its key little-endian in pages 0x2C-0x2F while the
// cipher takes it big-endian. Callers keep the card (memory) form and swap
// once before using it as a cipher key.
func SwapKeyEndianness(key []byte) []byte {
	out := make([]byte, len(key))
	copy(out, key)
	for half := 0; half+8 <= len(out); half += 8 {
		for i, j := half, half+7; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}
