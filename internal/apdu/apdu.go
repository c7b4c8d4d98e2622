// Package apdu builds ISO 7816-4 command APDUs for contactless PC/SC readers
// and checks the status words of their responses.
//
// Command layout: CLA INS P1 P2 [Lc Data] [Le]. Only short encoding is used,
// so Data is limited to 255 bytes.
package apdu

import (
	"bytes"
	"fmt"

	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
)

// MaxShortLc is the largest data field a short APDU can carry.
const MaxShortLc = 255

// Key types for MIFARE Classic authentication.
const (
	KeyTypeA byte = 0x60
	KeyTypeB byte = 0x61
)

// Class bytes.
const (
	ClassISO    byte = 0x00
	ClassReader byte = 0xFF // PC/SC pseudo-APDUs handled by the reader itself
)

// Instruction bytes.
const (
	InsDirectTransmit     byte = 0x00
	InsLoadKey            byte = 0x82
	InsAuthenticate       byte = 0x86
	InsAuthenticateLegacy byte = 0x88
	InsSelect             byte = 0xA4
	InsReadBinary         byte = 0xB0
	InsGetData            byte = 0xCA
	InsUpdateBinary       byte = 0xD6
)

// Command is a command APDU. Le is appended only when HasLe is set, since
// 0x00 is a meaningful Le value (full length) for Get Data.
type Command struct {
	Class       byte
	Instruction byte
	P1, P2      byte
	Data        []byte
	Le          byte
	HasLe       bool
}

// Build returns the wire form of a command with an optional Le byte.
func Build(class, ins, p1, p2 byte, data []byte, le ...byte) ([]byte, error) {
	c := Command{Class: class, Instruction: ins, P1: p1, P2: p2, Data: data}
	if len(le) > 0 {
		c.Le, c.HasLe = le[0], true
	}
	return c.Bytes()
}

// Bytes encodes the command.
func (c Command) Bytes() ([]byte, error) {
	if len(c.Data) > MaxShortLc {
		return nil, nfcerror.Newf(nfcerror.KindProtocol, nfcerror.CodePayloadTooLong,
			"data field of %d bytes exceeds %d", len(c.Data), MaxShortLc)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 6+len(c.Data)))
	buf.Write([]byte{c.Class, c.Instruction, c.P1, c.P2})
	if len(c.Data) > 0 {
		buf.WriteByte(byte(len(c.Data)))
		buf.Write(c.Data)
	}
	if c.HasLe {
		buf.WriteByte(c.Le)
	}
	return buf.Bytes(), nil
}

func (c Command) String() string {
	return fmt.Sprintf("CLA %02X INS %02X P1 %02X P2 %02X Lc %d", c.Class, c.Instruction, c.P1, c.P2, len(c.Data))
}

// GetUID returns the Get Data command for the card UID (FF CA 00 00 00).
func GetUID() []byte {
	return []byte{ClassReader, InsGetData, 0x00, 0x00, 0x00}
}

// LoadKey returns the Load Authentication Keys command storing a 6-byte key
// in the reader's volatile key slot.
func LoadKey(slot byte, key []byte) []byte {
	cmd := []byte{ClassReader, InsLoadKey, 0x00, slot, byte(len(key))}
	return append(cmd, key...)
}

// Authenticate returns the General Authenticate command (FF 86) referencing a
// key slot.
func Authenticate(block, keyType, slot byte) []byte {
	return []byte{
		ClassReader, InsAuthenticate, 0x00, 0x00, 0x05,
		0x01, // version
		0x00,
		block,
		keyType,
		slot,
	}
}

// AuthenticateLegacy returns the obsolete Authenticate command (FF 88) some
// older readers still require.
func AuthenticateLegacy(block, keyType, slot byte) []byte {
	return []byte{ClassReader, InsAuthenticateLegacy, 0x00, block, keyType, slot}
}

// ReadBinary returns the Read Binary Blocks command for n bytes.
func ReadBinary(block, n byte) []byte {
	return []byte{ClassReader, InsReadBinary, 0x00, block, n}
}

// UpdateBinary returns the Update Binary Blocks command writing data at block.
func UpdateBinary(block byte, data []byte) []byte {
	cmd := []byte{ClassReader, InsUpdateBinary, 0x00, block, byte(len(data))}
	return append(cmd, data...)
}

// Select returns SELECT by DF name for the given AID.
func Select(aid []byte) ([]byte, error) {
	if len(aid) == 0 {
		return nil, nfcerror.New(nfcerror.KindProtocol, nfcerror.CodeInvalidArgument, "empty AID")
	}
	return Build(ClassISO, InsSelect, 0x04, 0x00, aid)
}
