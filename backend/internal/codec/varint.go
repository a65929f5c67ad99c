package codec

import (
	"encoding/binary"
	"fmt"
)

func appendUvarint(b []byte, x uint64) []byte {
	return binary.AppendUvarint(b, x)
}

func zigzag(x int64) uint64 {
	return uint64(x<<1) ^ uint64(x>>63)
}

func unzigzag(x uint64) int64 {
	return int64(x>>1) ^ -int64(x&1)
}

// reader 顺序读取一个 chunk 的 payload
type reader struct {
	buf []byte
	pos int
}

func (r *reader) done() bool { return r.pos >= len(r.buf) }

func (r *reader) uvarint() (uint64, error) {
	x, n := binary.Uvarint(r.buf[r.pos:])
	if n == 0 {
		return 0, fmt.Errorf("%w: varint runs past end of buffer at %d", ErrCodec, r.pos)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: varint overflow at %d", ErrCodec, r.pos)
	}
	r.pos += n
	return x, nil
}

func (r *reader) int() (int, error) {
	x, err := r.uvarint()
	if err != nil {
		return 0, err
	}
	if x > uint64(maxInt) {
		return 0, fmt.Errorf("%w: length %d out of range", ErrCodec, x)
	}
	return int(x), nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("%w: %d bytes past end of buffer", ErrCodec, n)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) readByte() (byte, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

const maxInt = int(^uint(0) >> 1)
