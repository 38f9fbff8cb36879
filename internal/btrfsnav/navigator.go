// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsnav implements a minimal, read-only Btrfs navigator: just
// enough B-tree walking and chunk-tree resolution to locate and stream a
// kernel image and initrd from a live volume, given only a block-level
// read primitive. It never writes, never verifies checksums, and only
// understands single-stripe (linear) chunks on a single device.
package btrfsnav

import (
	"errors"
	"fmt"

	"go.rignite.dev/rignite/lib/binstruct"
	"go.rignite.dev/rignite/lib/btrfs/btrfsitem"
	"go.rignite.dev/rignite/lib/btrfs/btrfsprim"
	"go.rignite.dev/rignite/lib/btrfs/btrfstree"
	"go.rignite.dev/rignite/lib/btrfs/btrfsvol"
)

// PhysicalReader is the subset of internal/diskio's BlockReader that the
// navigator needs: a plain byte-addressed, block-backed reader of the
// raw device.
type PhysicalReader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// ErrMappingNotFound is returned by LogicalToPhysical (and anything
// built atop it) when a logical address isn't covered by any known
// chunk mapping.
var ErrMappingNotFound = errors.New("btrfsnav: logical address not covered by any chunk mapping")

// ErrNotFound is returned by point lookups (search_slot and friends)
// when the tree holds no item with the requested key.
var ErrNotFound = errors.New("btrfsnav: key not found")

// Navigator is a read-only view of a single Btrfs volume: a superblock,
// a chunk map, and the physical reader they were built from.
//
// Navigator itself implements diskio.File[btrfsvol.LogicalAddr], so
// that btrfstree.ReadNode can be called directly against it.
type Navigator struct {
	phys   PhysicalReader
	sb     btrfstree.Superblock
	chunks btrfsvol.ChunkMap
}

// Probe reads the superblock at its fixed offset and, if present, walks
// the chunk tree to build a complete chunk map. It returns ok=false
// (not an error) when the magic doesn't match — callers use that to
// fall back to a FAT chainload.
func Probe(phys PhysicalReader) (nav *Navigator, ok bool, err error) {
	buf := make([]byte, binstruct.StaticSize(btrfstree.Superblock{}))
	if _, err := phys.ReadAt(buf, 0x10000); err != nil {
		return nil, false, fmt.Errorf("btrfsnav: probe: %w", err)
	}

	var sb btrfstree.Superblock
	if _, err := binstruct.Unmarshal(buf, &sb); err != nil {
		return nil, false, fmt.Errorf("btrfsnav: probe: %w", err)
	}
	if string(sb.Magic[:]) != btrfstree.SuperblockMagic {
		return nil, false, nil
	}

	nav = &Navigator{phys: phys, sb: sb}

	sysChunks, err := sb.ParseSysChunkArray()
	if err != nil {
		return nil, false, fmt.Errorf("btrfsnav: probe: sys_chunk_array: %w", err)
	}
	for _, sc := range sysChunks {
		if err := nav.chunks.Insert(sc.Chunk.Mapping(sc.Key)); err != nil {
			return nil, false, fmt.Errorf("btrfsnav: probe: sys_chunk_array: %w", err)
		}
	}

	root, err := btrfstree.ReadNode[btrfsvol.LogicalAddr](nav, sb, sb.ChunkTree, btrfstree.NodeExpectations{})
	if err != nil {
		return nil, false, fmt.Errorf("btrfsnav: probe: chunk tree root: %w", err)
	}
	if root.Head.Level != 0 {
		return nil, false, fmt.Errorf("btrfsnav: probe: chunk tree root is not a leaf (level=%v); only leaf-level chunk trees are supported", root.Head.Level)
	}
	for _, item := range root.BodyLeaf {
		if item.Key.ItemType != btrfsprim.CHUNK_ITEM_KEY {
			continue
		}
		chunk, ok := item.Body.(btrfsitem.Chunk)
		if !ok {
			continue
		}
		if err := nav.chunks.Insert(chunk.Mapping(item.Key)); err != nil {
			return nil, false, fmt.Errorf("btrfsnav: probe: chunk tree: %w", err)
		}
	}

	return nav, true, nil
}

// Superblock returns the parsed superblock.
func (nav *Navigator) Superblock() btrfstree.Superblock { return nav.sb }

// LogicalToPhysical resolves a logical address via a linear search over
// the chunk map.
func (nav *Navigator) LogicalToPhysical(addr btrfsvol.LogicalAddr) (btrfsvol.QualifiedPhysicalAddr, btrfsvol.AddrDelta, error) {
	paddr, rest, ok := nav.chunks.Resolve(addr)
	if !ok {
		return btrfsvol.QualifiedPhysicalAddr{}, 0, ErrMappingNotFound
	}
	return paddr, rest, nil
}

// ReadLogical translates addr and reads len(out) bytes into out. The
// read must not cross a chunk-mapping boundary.
func (nav *Navigator) ReadLogical(addr btrfsvol.LogicalAddr, out []byte) error {
	paddr, rest, err := nav.LogicalToPhysical(addr)
	if err != nil {
		return err
	}
	if btrfsvol.AddrDelta(len(out)) > rest {
		return fmt.Errorf("btrfsnav: read of %d bytes at laddr=%v crosses chunk-mapping boundary", len(out), addr)
	}
	if _, err := nav.phys.ReadAt(out, int64(paddr.Addr)); err != nil {
		return fmt.Errorf("btrfsnav: read logical addr=%v: %w", addr, err)
	}
	return nil
}

// The following five methods satisfy diskio.File[btrfsvol.LogicalAddr],
// so that btrfstree.ReadNode can read nodes directly out of the
// navigator without an intermediate physical-translation wrapper.

func (nav *Navigator) Name() string { return fmt.Sprintf("btrfs:fsid=%v", nav.sb.FSUUID) }

func (nav *Navigator) Size() btrfsvol.LogicalAddr {
	return btrfsvol.LogicalAddr(nav.sb.TotalBytes)
}

func (nav *Navigator) Close() error { return nil }

func (nav *Navigator) ReadAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	if err := nav.ReadLogical(off, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt always fails: this is a read-only navigator, per the
// bootloader's write-support Non-goal.
func (nav *Navigator) WriteAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return 0, errors.New("btrfsnav: read-only navigator; writes are not supported")
}
