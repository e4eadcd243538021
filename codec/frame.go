package codec

import (
	"bufio"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// WriteFrame writes p to w prefixed with its uvarint length, as a single Write.
func WriteFrame(w io.Writer, p []byte) error {
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(p)))+len(p))
	buf = append(buf, varint.ToUvarint(uint64(len(p)))...)
	buf = append(buf, p...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length prefixed frame from r, rejecting frames larger than max.
func ReadFrame(r *bufio.Reader, max int) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(max) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrFieldTooLarge, n, max)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return p, nil
}
