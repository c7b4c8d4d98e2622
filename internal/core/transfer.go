package core

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/SimplyPrint/nfc-pcsc/internal/apdu"
	"github.com/SimplyPrint/nfc-pcsc/internal/nfcerror"
)

// Default transfer sizes, matching MIFARE Ultralight / NTAG pages and the
// 16 bytes returned by one READ.
const (
	DefaultBlockSize  = 4
	DefaultPacketSize = 16
)

type transferOptions struct {
	blockSize  int
	packetSize int
}

// TransferOption overrides a block transfer size.
type TransferOption func(*transferOptions)

// WithBlockSize sets the size of one addressable block.
func WithBlockSize(n int) TransferOption {
	return func(o *transferOptions) { o.blockSize = n }
}

// WithPacketSize sets the largest number of bytes fetched by one read.
func WithPacketSize(n int) TransferOption {
	return func(o *transferOptions) { o.packetSize = n }
}

func newTransferOptions(opts []TransferOption) transferOptions {
	o := transferOptions{blockSize: DefaultBlockSize, packetSize: DefaultPacketSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Read reads length bytes starting at block. Lengths above the packet size
// are split into packet-sized reads issued concurrently and reassembled in
// block order.
func (r *Reader) Read(block, length int, opts ...TransferOption) ([]byte, error) {
	if err := r.checkOpen(nfcerror.KindRead); err != nil {
		return nil, err
	}
	if r.Card() == nil {
		return nil, nfcerror.New(nfcerror.KindRead, nfcerror.CodeCardNotConnected, "no card present")
	}

	o := newTransferOptions(opts)
	if o.blockSize <= 0 || o.packetSize <= 0 || o.packetSize > apdu.MaxShortLc {
		return nil, nfcerror.Newf(nfcerror.KindRead, nfcerror.CodeInvalidArgument,
			"invalid block size %d or packet size %d", o.blockSize, o.packetSize)
	}
	if length <= 0 {
		return nil, nfcerror.Newf(nfcerror.KindRead, nfcerror.CodeInvalidArgument, "invalid length %d", length)
	}

	if length <= o.packetSize {
		return r.readChunk(block, length)
	}

	chunks := (length + o.packetSize - 1) / o.packetSize
	step := o.packetSize / o.blockSize
	if last := block + (chunks-1)*step; block < 0 || last > 0xFF {
		return nil, nfcerror.Newf(nfcerror.KindRead, nfcerror.CodeInvalidArgument,
			"blocks %d..%d out of range", block, last)
	}

	parts := make([][]byte, chunks)
	var g errgroup.Group
	for i := 0; i < chunks; i++ {
		size := o.packetSize
		if rest := length - i*o.packetSize; rest < size {
			size = rest
		}
		blk := block + i*step
		g.Go(func() error {
			part, err := r.readChunk(blk, size)
			if err != nil {
				return err
			}
			if len(part) != size {
				return nfcerror.Newf(nfcerror.KindRead, nfcerror.CodeUnexpectedResponseLength,
					"block %d returned %d bytes, expected %d", blk, len(part), size)
			}
			parts[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, length)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

func (r *Reader) readChunk(block, length int) ([]byte, error) {
	if block < 0 || block > 0xFF {
		return nil, nfcerror.Newf(nfcerror.KindRead, nfcerror.CodeInvalidArgument, "block %d out of range", block)
	}
	if length > apdu.MaxShortLc {
		return nil, nfcerror.Newf(nfcerror.KindRead, nfcerror.CodeInvalidArgument, "length %d exceeds %d", length, apdu.MaxShortLc)
	}

	resp, err := r.Transmit(apdu.ReadBinary(byte(block), byte(length)), length+2)
	if err != nil {
		return nil, nfcerror.Wrap(nfcerror.KindRead, nfcerror.CodeFailure, "an error occurred while reading", err)
	}
	body, err := apdu.Check(nfcerror.KindRead, resp, fmt.Sprintf("read of block %d", block))
	if err != nil {
		return nil, err
	}
	return cloneBytes(body), nil
}

// Write writes whole blocks starting at block. Data longer than one block is
// written block by block, concurrently.
func (r *Reader) Write(block int, data []byte, opts ...TransferOption) error {
	if err := r.checkOpen(nfcerror.KindWrite); err != nil {
		return err
	}
	if r.Card() == nil {
		return nfcerror.New(nfcerror.KindWrite, nfcerror.CodeCardNotConnected, "no card present")
	}

	o := newTransferOptions(opts)
	if o.blockSize <= 0 || o.blockSize > apdu.MaxShortLc {
		return nfcerror.Newf(nfcerror.KindWrite, nfcerror.CodeInvalidArgument, "invalid block size %d", o.blockSize)
	}
	if len(data) < o.blockSize || len(data)%o.blockSize != 0 {
		return nfcerror.Newf(nfcerror.KindWrite, nfcerror.CodeInvalidDataLength,
			"data length %d must be a positive multiple of block size %d", len(data), o.blockSize)
	}

	if len(data) == o.blockSize {
		return r.writeBlock(block, data)
	}

	blocks := len(data) / o.blockSize
	if last := block + blocks - 1; block < 0 || last > 0xFF {
		return nfcerror.Newf(nfcerror.KindWrite, nfcerror.CodeInvalidArgument, "blocks %d..%d out of range", block, last)
	}

	var g errgroup.Group
	for i := 0; i < blocks; i++ {
		chunk := data[i*o.blockSize : (i+1)*o.blockSize]
		blk := block + i
		g.Go(func() error {
			return r.writeBlock(blk, chunk)
		})
	}
	return g.Wait()
}

func (r *Reader) writeBlock(block int, data []byte) error {
	if block < 0 || block > 0xFF {
		return nfcerror.Newf(nfcerror.KindWrite, nfcerror.CodeInvalidArgument, "block %d out of range", block)
	}

	resp, err := r.Transmit(apdu.UpdateBinary(byte(block), data), 2)
	if err != nil {
		return nfcerror.Wrap(nfcerror.KindWrite, nfcerror.CodeFailure, "an error occurred while writing", err)
	}
	if _, err := apdu.Check(nfcerror.KindWrite, resp, fmt.Sprintf("write of block %d", block)); err != nil {
		return err
	}
	return nil
}
