// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rdf

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.rignite.dev/rignite/internal/usbtransport"
)

func samplePayload(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 255)
	}
	return buf
}

func TestReceiveHappyPath(t *testing.T) {
	payload := samplePayload(256 * 1024)
	src := NewMockSource(payload, "@core", false)

	got, err := Receive(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReceiveChecksumMismatch(t *testing.T) {
	payload := samplePayload(8192)
	src := NewMockSource(payload, "@core", true)

	_, err := Receive(context.Background(), src, nil)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestParseHeaderRoundTrip(t *testing.T) {
	var raw [HeaderSize]byte
	copy(raw[0:4], Magic[:])
	binary.LittleEndian.PutUint64(raw[4:12], 12345)
	copy(raw[12:44], []byte{1, 2, 3, 4})
	copy(raw[44:108], "@core")

	h, err := ParseHeader(raw[:])
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), h.ImageSize)
	assert.Equal(t, "@core", h.TargetSubvolumeString())
	assert.Equal(t, byte(1), h.ExpectedChecksum[0])
}

func TestParseHeaderWrongSize(t *testing.T) {
	_, err := ParseHeader(make([]byte, 64))
	assert.Error(t, err)
}

// shortHeaderSource returns just enough of a packet that the magic is
// found but fewer than HeaderSize bytes follow it, exercising the
// fatal "header split across packets" path.
type shortHeaderSource struct {
	served bool
}

func (s *shortHeaderSource) BulkReadRetry(_ context.Context, buf []byte, _ time.Duration) (int, error) {
	if s.served {
		return 0, nil
	}
	s.served = true
	n := copy(buf, append(Magic[:], make([]byte, 10)...))
	return n, nil
}

func TestReceiveShortHeader(t *testing.T) {
	_, err := Receive(context.Background(), &shortHeaderSource{}, nil)
	assert.ErrorIs(t, err, ErrShortHeader)
}

// noiseThenMockSource prepends non-magic noise before delegating to a
// MockSource, exercising the "skip non-header data" scanning branch.
type noiseThenMockSource struct {
	noiseServed bool
	inner       *MockSource
}

func (s *noiseThenMockSource) BulkReadRetry(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if !s.noiseServed {
		s.noiseServed = true
		n := copy(buf, []byte("not-a-header-packet-at-all"))
		return n, nil
	}
	return s.inner.BulkReadRetry(ctx, buf, timeout)
}

func TestReceiveSkipsNoiseBeforeHeader(t *testing.T) {
	payload := samplePayload(4096)
	src := &noiseThenMockSource{inner: NewMockSource(payload, "@core", false)}

	got, err := Receive(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// flakyScanSource returns ErrNoProgress (a BulkReadRetry timeout with
// no data) a fixed number of times before delegating to a MockSource,
// exercising the scanning-phase "loop on timeout" branch of §4.8.
type flakyScanSource struct {
	timeouts int
	inner    *MockSource
}

func (s *flakyScanSource) BulkReadRetry(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if s.timeouts > 0 {
		s.timeouts--
		return 0, usbtransport.ErrNoProgress
	}
	return s.inner.BulkReadRetry(ctx, buf, timeout)
}

func TestReceiveRetriesScanningOnTimeout(t *testing.T) {
	payload := samplePayload(4096)
	src := &flakyScanSource{timeouts: 3, inner: NewMockSource(payload, "@core", false)}

	got, err := Receive(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// fatalScanSource returns a non-timeout error once, exercising that
// the scanning phase still treats everything but ErrNoProgress as
// fatal.
type fatalScanSource struct{}

var errScanBoom = errors.New("boom")

func (s *fatalScanSource) BulkReadRetry(_ context.Context, _ []byte, _ time.Duration) (int, error) {
	return 0, errScanBoom
}

func TestReceiveScanningFatalOnNonTimeoutError(t *testing.T) {
	_, err := Receive(context.Background(), &fatalScanSource{}, nil)
	assert.ErrorIs(t, err, errScanBoom)
}
