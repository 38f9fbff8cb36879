// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rdf implements the Rignite Data Flow protocol: scanning a
// USB bulk-IN stream for a framing header, then streaming and
// verifying the kernel image that follows it. It has no opinion about
// how bytes arrive beyond a BulkReader, so it works the same way
// against a real accessory-mode device and against a synthetic
// MockSource used for host testing without hardware.
package rdf

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"

	"go.rignite.dev/rignite/internal/usbtransport"
	libdiskio "go.rignite.dev/rignite/lib/diskio"
	"go.rignite.dev/rignite/lib/textui"
)

// Magic is the 4-byte frame marker ("RDF!") that precedes every header.
var Magic = [4]byte{0x52, 0x44, 0x46, 0x21}

// HeaderSize is the fixed on-wire size of Header, magic included.
const HeaderSize = 128

const (
	checksumSize        = 32
	targetSubvolumeSize = 64
	reservedSize        = 20
)

// Header is the 128-byte frame that precedes an image stream:
// magic(4) + image_size(8, LE) + checksum(32, SHA-256) +
// target_subvolume(64, NUL-padded ASCII) + reserved(20).
type Header struct {
	ImageSize        uint64
	ExpectedChecksum [checksumSize]byte
	TargetSubvolume  [targetSubvolumeSize]byte
	Reserved         [reservedSize]byte
}

// TargetSubvolumeString returns the NUL-padded TargetSubvolume field
// as a Go string, trimmed at the first NUL.
func (h Header) TargetSubvolumeString() string {
	n := bytes.IndexByte(h.TargetSubvolume[:], 0)
	if n < 0 {
		n = len(h.TargetSubvolume)
	}
	return string(h.TargetSubvolume[:n])
}

// ErrShortHeader is returned when fewer than HeaderSize bytes are
// available starting at the point the magic was found — "header split
// across packets" in §4.8, a fatal protocol violation since this
// transport never reassembles partial headers across reads.
var ErrShortHeader = errors.New("rdf: header split across packets")

// ErrChecksumMismatch is returned by Receive when the streamed image's
// SHA-256 does not match the header's ExpectedChecksum.
var ErrChecksumMismatch = errors.New("rdf: checksum mismatch")

// ErrIncomplete is returned by Receive if the bulk source stops
// producing data before ImageSize bytes have been read.
var ErrIncomplete = errors.New("rdf: download incomplete")

// ParseHeader decodes a 128-byte buffer that begins with Magic into a
// Header. buf must be exactly HeaderSize bytes and must already have
// had its magic verified by the caller (the scanning phase locates
// magic; ParseHeader just decodes the fields after it).
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("rdf: ParseHeader: want %d bytes, got %d", HeaderSize, len(buf))
	}
	var h Header
	h.ImageSize = binary.LittleEndian.Uint64(buf[4:12])
	copy(h.ExpectedChecksum[:], buf[12:44])
	copy(h.TargetSubvolume[:], buf[44:108])
	copy(h.Reserved[:], buf[108:128])
	return h, nil
}

// BulkReader is the subset of usbtransport.Device's behavior Receive
// needs: a retrying bulk-IN read with a caller-supplied per-attempt
// timeout. usbtransport.Device satisfies this directly.
type BulkReader interface {
	BulkReadRetry(ctx context.Context, buf []byte, timeout time.Duration) (int, error)
}

const (
	scanBufferSize = 64 * 1024
	chunkSize      = 64 * 1024
	scanTimeout    = 1 * time.Second
	streamTimeout  = 5 * time.Second
)

// DownloadStats reports scanning/streaming progress through a
// textui.Progress, matching the original's progress_callback(read, total).
type DownloadStats struct {
	Read  uint64
	Total uint64
}

func (s DownloadStats) String() string {
	if s.Total == 0 {
		return "rdf: scanning for header..."
	}
	return fmt.Sprintf("rdf: %d/%d bytes (%.1f%%)", s.Read, s.Total, 100*float64(s.Read)/float64(s.Total))
}

// Receive scans r for an RDF header, then streams and verifies the
// image that follows it, reporting progress through progress (nil is
// fine — Set is only ever called when progress != nil). It implements
// §4.8's three phases: scanning (loop bulk-IN until "RDF!" appears in
// a packet, with a short-header check), header parse, and streaming
// (SHA-256 over every byte read, including any payload that rode in
// on the header's own packet) with a final checksum verification.
func Receive(ctx context.Context, r BulkReader, progress *textui.Progress[DownloadStats]) ([]byte, error) {
	if progress != nil {
		progress.Set(DownloadStats{})
	}

	scanBuf := make([]byte, scanBufferSize)
	var magicOffset, packetLen int
	for {
		n, err := r.BulkReadRetry(ctx, scanBuf, scanTimeout)
		if err != nil {
			if errors.Is(err, usbtransport.ErrNoProgress) {
				dlog.Debugf(ctx, "rdf: scanning: timed out with no data, retrying")
				continue
			}
			return nil, fmt.Errorf("rdf: scanning for header: %w", err)
		}
		if n == 0 {
			continue
		}
		offsets, err := libdiskio.FindAll(bytes.NewReader(scanBuf[:n]), Magic[:])
		if err != nil {
			return nil, fmt.Errorf("rdf: scanning for header: %w", err)
		}
		if len(offsets) == 0 {
			dlog.Debugf(ctx, "rdf: skipping %d bytes of non-header data", n)
			continue
		}
		magicOffset, packetLen = int(offsets[0]), n
		break
	}
	dlog.Infof(ctx, "rdf: found magic at offset %d", magicOffset)

	if packetLen-magicOffset < HeaderSize {
		return nil, fmt.Errorf("rdf: %w: available %d bytes", ErrShortHeader, packetLen-magicOffset)
	}

	header, err := ParseHeader(scanBuf[magicOffset : magicOffset+HeaderSize])
	if err != nil {
		return nil, err
	}
	dlog.Infof(ctx, "rdf: header valid, image size %d bytes, target %q",
		header.ImageSize, header.TargetSubvolumeString())

	hasher := sha256.New()
	image := make([]byte, 0, header.ImageSize)

	headerEnd := magicOffset + HeaderSize
	if packetLen > headerEnd {
		lead := scanBuf[headerEnd:packetLen]
		image = append(image, lead...)
		hasher.Write(lead)
		dlog.Infof(ctx, "rdf: initial packet carried %d bytes of payload", len(lead))
	}

	if progress != nil {
		progress.Set(DownloadStats{Read: uint64(len(image)), Total: header.ImageSize})
	}

	buf := make([]byte, chunkSize)
	for uint64(len(image)) < header.ImageSize {
		remaining := header.ImageSize - uint64(len(image))
		want := chunkSize
		if uint64(want) > remaining {
			want = int(remaining)
		}
		n, err := r.BulkReadRetry(ctx, buf[:want], streamTimeout)
		if errors.Is(err, usbtransport.ErrNoProgress) || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("rdf: streaming image: %w", err)
		}
		image = append(image, buf[:n]...)
		hasher.Write(buf[:n])
		if progress != nil {
			progress.Set(DownloadStats{Read: uint64(len(image)), Total: header.ImageSize})
		}
	}

	if uint64(len(image)) < header.ImageSize {
		return nil, fmt.Errorf("rdf: %w: %d/%d bytes", ErrIncomplete, len(image), header.ImageSize)
	}

	sum := hasher.Sum(nil)
	if !bytes.Equal(sum, header.ExpectedChecksum[:]) {
		return nil, fmt.Errorf("rdf: %w: expected %x, got %x", ErrChecksumMismatch, header.ExpectedChecksum, sum)
	}
	dlog.Info(ctx, "rdf: checksum verified")

	return image, nil
}
