// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package wire implements the single on-the-wire framing format shared by
// inbound TCP, outbound TCP, and on-disk spill files: a 4-byte little-endian
// length prefix followed by that many payload bytes. Using one encoder/
// decoder for all three keeps spilled files replayable by any TCP sender,
// matching the source relay's own reuse of this layout for disk_writer.h.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nishisan-dev/grelay/internal/blob"
)

// HeaderSize is the length, in bytes, of the frame's length prefix.
const HeaderSize = 4

// ErrOversizedFrame is returned when a declared frame length exceeds
// blob.MaxChunkSize.
var ErrOversizedFrame = errors.New("wire: frame length exceeds MaxChunkSize")

// Encode returns payload prefixed with its 4-byte little-endian length,
// ready to be written to a TCP destination socket or appended to a spill
// file.
func Encode(payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// WriteFrame writes one framed message to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(Encode(payload)); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one complete framed message from r, blocking until the
// header and full payload have arrived. It is used to replay spill files
// and to read framed TCP streams in tests.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length > blob.MaxChunkSize {
		return nil, ErrOversizedFrame
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// TryExtract attempts to pull one complete frame out of buf[:pos], the
// partially-filled read buffer of a TCP client connection. It mirrors the
// source relay's try_to_consume_one_more loop:
//
//   - needMore is true when fewer than HeaderSize bytes are buffered, or the
//     declared length's payload hasn't fully arrived yet — the caller should
//     recv more bytes and retry.
//   - corrupt is true when the declared length exceeds blob.MaxChunkSize;
//     the caller resyncs by resetting pos to 0 (same recovery the source
//     uses) rather than tearing down the connection.
//   - On success, payload aliases buf and residual holds the number of
//     trailing bytes in buf[:pos] that were not part of this frame and must
//     be shifted to the buffer head by the caller.
func TryExtract(buf []byte, pos int) (payload []byte, residual int, needMore bool, corrupt bool) {
	if pos < HeaderSize {
		return nil, 0, true, false
	}
	length := binary.LittleEndian.Uint32(buf[:HeaderSize])
	if length > blob.MaxChunkSize {
		return nil, 0, false, true
	}
	frameLen := HeaderSize + int(length)
	if pos < frameLen {
		return nil, 0, true, false
	}
	return buf[HeaderSize:frameLen], pos - frameLen, false, false
}
