package boundary

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire framing (spec.md §4.4, §6): every message is a sequence of
// length-delimited parts. The first part is the 16-byte correlation id,
// the second the ASCII type tag, and any further parts are either
// "key\x00value" pairs or a raw binary blob, tagged by field name so the
// reader doesn't need to guess.
//
//	uint32 partCount
//	partCount * (uint32 length, length bytes)

const maxPartSize = 64 << 20 // 64MiB guards against a corrupt length prefix

func writeMessage(w io.Writer, parts [][]byte) error {
	bw := bufio.NewWriter(w)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(parts)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	for _, p := range parts {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
		if _, err := bw.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := bw.Write(p); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func readMessage(r io.Reader) ([][]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(hdr[:])
	if count == 0 || count > 4096 {
		return nil, fmt.Errorf("boundary: implausible part count %d", count)
	}

	parts := make([][]byte, count)
	for i := range parts {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxPartSize {
			return nil, fmt.Errorf("boundary: part %d too large (%d bytes)", i, n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		parts[i] = buf
	}
	return parts, nil
}

// splitField decodes a "key\x00value" part.
func splitField(part []byte) (key string, value []byte, err error) {
	for i, b := range part {
		if b == 0 {
			return string(part[:i]), part[i+1:], nil
		}
	}
	return "", nil, errors.New("boundary: field part missing NUL separator")
}

func joinField(key string, value []byte) []byte {
	buf := make([]byte, 0, len(key)+1+len(value))
	buf = append(buf, key...)
	buf = append(buf, 0)
	buf = append(buf, value...)
	return buf
}
