package channel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single channel frame; the wire codec's own length-prefixed fields
// (§6.1) are nested inside a frame's payload and are bounded independently.
const maxFrameSize = 16 << 20

// writeFrame writes data as a u32-length-prefixed frame, matching the SSH-style string framing
// used throughout the wire codec (§6.1).
func writeFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readFrame reads one u32-length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("channel: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
