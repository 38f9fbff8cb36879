// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsnav

import (
	"errors"
	"fmt"

	"go.rignite.dev/rignite/lib/btrfs/btrfsitem"
	"go.rignite.dev/rignite/lib/btrfs/btrfsprim"
	"go.rignite.dev/rignite/lib/btrfs/btrfsvol"
)

// ErrUnsupportedCompression is returned by ReadFile for any extent
// whose compression type is not COMPRESS_NONE; Btrfs compression
// support is out of scope.
var ErrUnsupportedCompression = errors.New("btrfsnav: compressed file extents are not supported")

// ReadFile point-looks-up {inode, EXTENT_DATA_KEY, 0} under fsRoot and
// returns the file's bytes. An inline extent returns its bytes
// directly; a regular extent is read from its backing logical address,
// with a disk_bytenr of 0 ("hole") yielding an empty file.
func (nav *Navigator) ReadFile(fsRoot btrfsvol.LogicalAddr, inode btrfsprim.ObjID) ([]byte, error) {
	item, err := nav.SearchSlot(fsRoot, btrfsprim.Key{
		ObjectID: inode,
		ItemType: btrfsprim.EXTENT_DATA_KEY,
		Offset:   0,
	})
	if err != nil {
		return nil, fmt.Errorf("btrfsnav: read_file(inode=%v): %w", inode, err)
	}
	extent, ok := item.Body.(btrfsitem.FileExtent)
	if !ok {
		return nil, fmt.Errorf("btrfsnav: read_file(inode=%v): item is not an EXTENT_DATA", inode)
	}

	if extent.Compression != btrfsitem.COMPRESS_NONE {
		return nil, fmt.Errorf("btrfsnav: read_file(inode=%v): %w", inode, ErrUnsupportedCompression)
	}

	switch extent.Type {
	case btrfsitem.FILE_EXTENT_INLINE:
		return extent.BodyInline, nil
	case btrfsitem.FILE_EXTENT_REG, btrfsitem.FILE_EXTENT_PREALLOC:
		if extent.BodyExtent.DiskByteNr == 0 {
			return nil, nil // hole: yields an empty file
		}
		out := make([]byte, extent.BodyExtent.NumBytes)
		if err := nav.ReadLogical(extent.BodyExtent.DiskByteNr, out); err != nil {
			return nil, fmt.Errorf("btrfsnav: read_file(inode=%v): %w", inode, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("btrfsnav: read_file(inode=%v): unknown file extent type %v", inode, extent.Type)
	}
}
