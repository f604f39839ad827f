// Package wire holds the byte-order conventions shared by every protocol
// in spec.md §6. The original source used native-endian integers on the
// wire (§9); this reimplementation pins one canonical order — big-endian,
// "network order" — and applies it to key length, datalength and
// blocksize, which all go through this package. Server addresses are not
// integers here: membership hashes their 4 bytes exactly as received.
package wire

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// PutUint32 and Uint32 are thin, named wrappers around binary.BigEndian so
// every call site in this repo reads as "the wire's uint32", not a random
// byte-order choice.
func PutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func Uint32(b []byte) uint32       { return binary.BigEndian.Uint32(b) }

// ReadUint32 reads exactly 4 big-endian bytes from r.
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, xerrors.Errorf("reading u32: %w", err)
	}
	return Uint32(b[:]), nil
}

// WriteUint32 writes v as exactly 4 big-endian bytes to w.
func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	PutUint32(b[:], v)
	if _, err := w.Write(b[:]); err != nil {
		return xerrors.Errorf("writing u32: %w", err)
	}
	return nil
}
