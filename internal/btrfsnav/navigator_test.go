// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsnav_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.rignite.dev/rignite/internal/btrfsnav"
	"go.rignite.dev/rignite/lib/binstruct"
	"go.rignite.dev/rignite/lib/btrfs/btrfsitem"
	"go.rignite.dev/rignite/lib/btrfs/btrfsprim"
	"go.rignite.dev/rignite/lib/btrfs/btrfstree"
	"go.rignite.dev/rignite/lib/btrfs/btrfsvol"
)

const testNodeSize = 4096

// leafEntry is one item to pack into a hand-built leaf node.
type leafEntry struct {
	key  btrfsprim.Key
	body []byte
}

func buildLeafNode(t *testing.T, fsUUID btrfsprim.UUID, owner btrfsprim.ObjID, addr btrfsvol.LogicalAddr, entries []leafEntry) []byte {
	t.Helper()

	var itemHeads []byte
	var bodies []byte
	tail := testNodeSize - binstruct.StaticSize(btrfstree.NodeHeader{})
	headOffsets := make([]int, len(entries))
	for i, e := range entries {
		bodies = append(e.body, bodies...) // bodies are packed from the tail backward
		tail -= len(e.body)
		headOffsets[i] = tail
	}
	for i, e := range entries {
		ih, err := binstruct.Marshal(btrfstree.ItemHeader{
			Key:        e.key,
			DataOffset: uint32(headOffsets[i]),
			DataSize:   uint32(len(e.body)),
		})
		require.NoError(t, err)
		itemHeads = append(itemHeads, ih...)
	}

	headDat, err := binstruct.Marshal(btrfstree.NodeHeader{
		MetadataUUID: fsUUID,
		Addr:         addr,
		Owner:        owner,
		NumItems:     uint32(len(entries)),
		Level:        0,
	})
	require.NoError(t, err)

	buf := make([]byte, testNodeSize)
	copy(buf, headDat)
	copy(buf[len(headDat):], itemHeads)
	bodyStart := testNodeSize - len(bodies)
	copy(buf[bodyStart:], bodies)
	return buf
}

func marshalDirEntry(t *testing.T, head btrfsitem.DirEntry, name string) []byte {
	t.Helper()
	headDat, err := binstruct.MarshalWithoutInterface(head)
	require.NoError(t, err)
	return append(headDat, []byte(name)...)
}

// testImage assembles a minimal, internally-consistent single-device
// Btrfs volume (superblock + 3 leaf nodes) backed by an in-memory
// byte slice, playing the role of internal/diskio's PhysicalReader.
type testImage struct {
	buf []byte
}

func (img *testImage) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, img.buf[off:])
	return n, nil
}

func newTestImage(t *testing.T) *testImage {
	t.Helper()

	const (
		chunkMapLAddr  = btrfsvol.LogicalAddr(0x30000000)
		chunkMapPAddr  = btrfsvol.PhysicalAddr(0x20000)
		chunkTreeAddr  = chunkMapLAddr
		rootTreeAddr   = chunkMapLAddr + 0x1000
		fsTreeAddr     = chunkMapLAddr + 0x2000
		chunkTreePhys  = int64(chunkMapPAddr)
		rootTreePhys   = int64(chunkMapPAddr) + 0x1000
		fsTreePhys     = int64(chunkMapPAddr) + 0x2000
	)
	fsUUID := btrfsprim.MustParseUUID("11111111-1111-1111-1111-111111111111")

	img := &testImage{buf: make([]byte, 0x40000)}

	// Chunk tree root: a leaf with one harmless, non-chunk item (every
	// node must carry at least one item) so the bootstrap mapping
	// alone resolves every address this test needs.
	inodeDat, err := binstruct.Marshal(btrfsitem.Inode{})
	require.NoError(t, err)
	chunkLeaf := buildLeafNode(t, fsUUID, btrfsprim.CHUNK_TREE_OBJECTID, chunkTreeAddr, []leafEntry{
		{key: btrfsprim.Key{ObjectID: 999, ItemType: btrfsprim.INODE_ITEM_KEY}, body: inodeDat},
	})
	copy(img.buf[chunkTreePhys:], chunkLeaf)

	// Root tree: points tree-id FS_TREE_OBJECTID at the fs tree root.
	rootDat, err := binstruct.Marshal(btrfsitem.Root{ByteNr: fsTreeAddr})
	require.NoError(t, err)
	rootLeaf := buildLeafNode(t, fsUUID, btrfsprim.ROOT_TREE_OBJECTID, rootTreeAddr, []leafEntry{
		{key: btrfsprim.Key{ObjectID: btrfsprim.FS_TREE_OBJECTID, ItemType: btrfsprim.ROOT_ITEM_KEY}, body: rootDat},
	})
	copy(img.buf[rootTreePhys:], rootLeaf)

	// FS tree: a directory entry "hello.txt" under dir 256 pointing at
	// inode 257, whose EXTENT_DATA is an inline 11-byte file.
	dirEntryDat := marshalDirEntry(t, btrfsitem.DirEntry{
		Location: btrfsprim.Key{ObjectID: 257, ItemType: btrfsprim.INODE_ITEM_KEY},
		Type:     btrfsitem.FT_REG_FILE,
		NameLen:  uint16(len("hello.txt")),
	}, "hello.txt")
	extentHeadDat, err := binstruct.Marshal(btrfsitem.FileExtent{
		Type: btrfsitem.FILE_EXTENT_INLINE,
	})
	require.NoError(t, err)
	extentDat := append(extentHeadDat, []byte("hello world")...)
	fsLeaf := buildLeafNode(t, fsUUID, btrfsprim.FS_TREE_OBJECTID, fsTreeAddr, []leafEntry{
		{key: btrfsprim.Key{ObjectID: 256, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: 1}, body: dirEntryDat},
		{key: btrfsprim.Key{ObjectID: 257, ItemType: btrfsprim.EXTENT_DATA_KEY}, body: extentDat},
	})
	copy(img.buf[fsTreePhys:], fsLeaf)

	// Superblock.
	sb := btrfstree.Superblock{
		FSUUID:     fsUUID,
		Generation: 1,
		RootTree:   rootTreeAddr,
		ChunkTree:  chunkTreeAddr,
		TotalBytes: 0x40000000,
		NodeSize:   testNodeSize,
		LeafSize:   testNodeSize,
		SectorSize: 4096,
	}
	copy(sb.Magic[:], btrfstree.SuperblockMagic)

	sysChunkHead, err := binstruct.Marshal(btrfsitem.ChunkHeader{
		Size:       0x10000,
		Owner:      btrfsprim.EXTENT_TREE_OBJECTID,
		Type:       btrfsvol.BLOCK_GROUP_SYSTEM,
		NumStripes: 1,
	})
	require.NoError(t, err)
	sysChunkStripe, err := binstruct.Marshal(btrfsitem.ChunkStripe{
		DeviceID: 1,
		Offset:   chunkMapPAddr,
	})
	require.NoError(t, err)
	sysChunkKey, err := binstruct.Marshal(btrfsprim.Key{
		ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
		ItemType: btrfsprim.CHUNK_ITEM_KEY,
		Offset:   uint64(chunkMapLAddr),
	})
	require.NoError(t, err)
	sysChunk := append(append(sysChunkKey, sysChunkHead...), sysChunkStripe...)
	copy(sb.SysChunkArray[:], sysChunk)
	sb.SysChunkArraySize = uint32(len(sysChunk))

	sbDat, err := binstruct.Marshal(sb)
	require.NoError(t, err)
	copy(img.buf[0x10000:], sbDat)

	return img
}

func TestProbeAndNavigate(t *testing.T) {
	t.Parallel()

	img := newTestImage(t)
	nav, ok, err := btrfsnav.Probe(img)
	require.NoError(t, err)
	require.True(t, ok)

	fsRoot, err := nav.GetTreeRoot(btrfsprim.FS_TREE_OBJECTID)
	require.NoError(t, err)

	loc, err := nav.FindFileInDir(fsRoot, 256, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, btrfsprim.ObjID(257), loc.ObjectID)
	assert.Equal(t, btrfsprim.INODE_ITEM_KEY, loc.ItemType)

	data, err := nav.ReadFile(fsRoot, loc.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	_, err = nav.FindFileInDir(fsRoot, 256, "nonexistent")
	assert.Error(t, err)
}

func TestProbeRejectsBadMagic(t *testing.T) {
	t.Parallel()

	img := &testImage{buf: make([]byte, 0x20000)}
	_, ok, err := btrfsnav.Probe(img)
	require.NoError(t, err)
	assert.False(t, ok)
}
