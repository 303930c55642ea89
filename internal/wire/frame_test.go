// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"testing"

	"github.com/nishisan-dev/grelay/internal/blob"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	framed := Encode(payload)

	got, err := ReadFrame(bytes.NewReader(framed))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
}

func TestEncodeHeaderIsLittleEndianLength(t *testing.T) {
	payload := make([]byte, 2)
	framed := Encode(payload)
	// len(s)=2 => header bytes [0x02,0x00,0x00,0x00]
	want := []byte{0x02, 0x00, 0x00, 0x00}
	if !bytes.Equal(framed[:HeaderSize], want) {
		t.Fatalf("header = %v, want %v", framed[:HeaderSize], want)
	}
}

func TestReadFrameOversized(t *testing.T) {
	header := Encode(make([]byte, 1))
	binaryOverwriteLength(header, blob.MaxChunkSize+1)
	_, err := ReadFrame(bytes.NewReader(header))
	if err != ErrOversizedFrame {
		t.Fatalf("expected ErrOversizedFrame, got %v", err)
	}
}

func binaryOverwriteLength(framed []byte, length uint32) {
	framed[0] = byte(length)
	framed[1] = byte(length >> 8)
	framed[2] = byte(length >> 16)
	framed[3] = byte(length >> 24)
}

func TestTryExtractNeedsMoreHeader(t *testing.T) {
	buf := make([]byte, 256)
	_, _, needMore, corrupt := TryExtract(buf, 2)
	if !needMore || corrupt {
		t.Fatalf("expected needMore for short header, got needMore=%v corrupt=%v", needMore, corrupt)
	}
}

func TestTryExtractNeedsMorePayload(t *testing.T) {
	buf := make([]byte, 256)
	binaryOverwriteLength(buf, 10)
	_, _, needMore, corrupt := TryExtract(buf, HeaderSize+3)
	if !needMore || corrupt {
		t.Fatalf("expected needMore for partial payload, got needMore=%v corrupt=%v", needMore, corrupt)
	}
}

func TestTryExtractCorruptOversized(t *testing.T) {
	buf := make([]byte, 256)
	binaryOverwriteLength(buf, blob.MaxChunkSize+1)
	_, _, needMore, corrupt := TryExtract(buf, HeaderSize)
	if needMore || !corrupt {
		t.Fatalf("expected corrupt, got needMore=%v corrupt=%v", needMore, corrupt)
	}
}

func TestTryExtractExactAndResidual(t *testing.T) {
	buf := make([]byte, 256)
	binaryOverwriteLength(buf, 2)
	copy(buf[HeaderSize:], []byte{0xAA, 0xBB, 0xCC})
	payload, residual, needMore, corrupt := TryExtract(buf, HeaderSize+3)
	if needMore || corrupt {
		t.Fatalf("unexpected needMore=%v corrupt=%v", needMore, corrupt)
	}
	if !bytes.Equal(payload, []byte{0xAA, 0xBB}) {
		t.Fatalf("payload = %v, want [AA BB]", payload)
	}
	if residual != 1 {
		t.Fatalf("residual = %d, want 1", residual)
	}
}
