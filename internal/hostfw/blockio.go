// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hostfw backs the internal/firmware protocol interfaces with
// os.File/host-filesystem implementations, in the same spirit as the
// teacher's diskio.OSFile[A] wrapping *os.File: enough of a real
// platform underneath the interfaces that the whole probe → navigate
// → validate → hand-off pipeline is exercisable on a workstation.
package hostfw

import (
	"fmt"
	"os"

	"go.rignite.dev/rignite/internal/diskio"
)

// BlockDevice adapts an *os.File (a raw block device, or a regular
// file standing in for one in tests) to diskio.BlockIO.
type BlockDevice struct {
	f         *os.File
	mediaID   diskio.MediaID
	blockSize int64
}

var _ diskio.BlockIO = (*BlockDevice)(nil)

// NewBlockDevice opens path and wraps it as a BlockIO of the given
// block size. mediaID is caller-supplied because a host file has no
// native notion of removable-media identity; tests bump it to
// simulate a media-change event.
func NewBlockDevice(path string, blockSize int64, mediaID diskio.MediaID) (*BlockDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hostfw: %w", err)
	}
	return &BlockDevice{f: f, mediaID: mediaID, blockSize: blockSize}, nil
}

func (d *BlockDevice) MediaID() diskio.MediaID { return d.mediaID }
func (d *BlockDevice) BlockSize() int64        { return d.blockSize }

func (d *BlockDevice) LastBlock() int64 {
	info, err := d.f.Stat()
	if err != nil {
		return -1
	}
	return info.Size()/d.blockSize - 1
}

func (d *BlockDevice) ReadBlocks(lba int64, out []byte) error {
	if int64(len(out))%d.blockSize != 0 {
		return diskio.ErrBadAlignment
	}
	_, err := d.f.ReadAt(out, lba*d.blockSize)
	if err != nil {
		return &diskio.DeviceError{Op: "ReadAt", Err: err}
	}
	return nil
}

// Close releases the underlying file.
func (d *BlockDevice) Close() error { return d.f.Close() }

// SetMediaID lets a test simulate a media-change event.
func (d *BlockDevice) SetMediaID(id diskio.MediaID) { d.mediaID = id }
