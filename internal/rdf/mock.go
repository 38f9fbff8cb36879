// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rdf

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// MockSource is an in-memory BulkReader that serves a synthetic RDF
// stream, the Go analogue of the original's MockDataSource: a stand-in
// for the VID=0xDEAD/PID=0xBEEF mock device, used to exercise scanning
// and streaming without a real accessory-mode device attached.
type MockSource struct {
	data   []byte
	cursor int
}

// NewMockSource builds a MockSource whose stream is a valid RDF frame
// wrapping payload: the header (with a real SHA-256 of payload unless
// badChecksum is set, in which case the header carries a checksum
// that cannot match, for exercising the checksum-mismatch path)
// followed by payload itself.
func NewMockSource(payload []byte, targetSubvolume string, badChecksum bool) *MockSource {
	var header [HeaderSize]byte
	copy(header[0:4], Magic[:])
	binary.LittleEndian.PutUint64(header[4:12], uint64(len(payload)))

	sum := sha256.Sum256(payload)
	if badChecksum {
		sum[0] ^= 0xFF
	}
	copy(header[12:44], sum[:])
	copy(header[44:108], targetSubvolume)

	data := make([]byte, 0, HeaderSize+len(payload))
	data = append(data, header[:]...)
	data = append(data, payload...)
	return &MockSource{data: data}
}

// BulkReadRetry implements BulkReader by copying up to len(buf) bytes
// from the mock stream, matching MockDataSource::read's
// shortest-of(remaining, buf.len()) semantics. ctx and timeout are
// unused; there is nothing to wait on.
func (m *MockSource) BulkReadRetry(_ context.Context, buf []byte, _ time.Duration) (int, error) {
	remaining := len(m.data) - m.cursor
	if remaining <= 0 {
		return 0, nil
	}
	n := len(buf)
	if n > remaining {
		n = remaining
	}
	copy(buf, m.data[m.cursor:m.cursor+n])
	m.cursor += n
	return n, nil
}
