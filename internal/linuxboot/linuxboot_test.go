// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package linuxboot_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.rignite.dev/rignite/internal/diskio"
	"go.rignite.dev/rignite/internal/firmware"
	"go.rignite.dev/rignite/internal/hostfw"
	"go.rignite.dev/rignite/internal/linuxboot"
	"go.rignite.dev/rignite/lib/binstruct"
	"go.rignite.dev/rignite/lib/btrfs/btrfsitem"
	"go.rignite.dev/rignite/lib/btrfs/btrfsprim"
	"go.rignite.dev/rignite/lib/btrfs/btrfstree"
	"go.rignite.dev/rignite/lib/btrfs/btrfsvol"
)

// fakePE returns a buffer with a well-formed DOS/PE preamble for
// machine, large enough that pecoff.Validate checks every field; it is
// accepted when machine matches the architecture the test runs on.
func fakePE(t *testing.T, machine uint16) []byte {
	t.Helper()
	buf := make([]byte, 0x80)
	buf[0], buf[1] = 'M', 'Z'
	const peOffset = 0x60
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], peOffset)
	buf[peOffset], buf[peOffset+1] = 'P', 'E'
	binary.LittleEndian.PutUint16(buf[peOffset+4:peOffset+6], machine)
	return buf
}

func nativeMachine() uint16 {
	if runtime.GOARCH == "arm64" {
		return 0xAA64
	}
	return 0x8664
}

func TestBootFromMemoryAttachesOptionsAndStarts(t *testing.T) {
	t.Parallel()

	var started *hostfw.LoadedImage
	images := hostfw.NewImageServices(func(img *hostfw.LoadedImage) error {
		started = img
		return nil
	})
	installer := hostfw.NewProtocolInstaller()
	svc := linuxboot.Services{Images: images, Installer: installer}

	kernel := fakePE(t, nativeMachine())
	initrdBytes := []byte("cpio-bytes")

	err := linuxboot.BootFromMemory(context.Background(), svc, kernel, initrdBytes, "console=ttyS0")
	require.NoError(t, err)

	require.NotNil(t, started)
	assert.Equal(t, kernel, started.SourceBuffer)

	dp, fn := installer.Installed()
	assert.NotNil(t, fn)
	assert.NotEmpty(t, dp)

	var size uint64 = 1024
	out := make([]byte, size)
	require.NoError(t, fn(&size, out))
	assert.Equal(t, initrdBytes, out[:size])
}

func TestBootFromMemoryRejectsBadKernel(t *testing.T) {
	t.Parallel()

	images := hostfw.NewImageServices(nil)
	svc := linuxboot.Services{Images: images, Installer: hostfw.NewProtocolInstaller()}

	bad := fakePE(t, nativeMachine())
	bad[1] = 'X' // corrupt "MZ"

	err := linuxboot.BootFromMemory(context.Background(), svc, bad, nil, "console=ttyS0")
	assert.ErrorIs(t, err, firmware.ErrInvalidParameter)
}

// blockResolver and fsResolver are minimal firmware.BlockIOByHandle /
// firmware.FileSystemByHandle implementations for tests.
type blockResolver struct {
	handle firmware.Handle
	block  firmware.BlockIO
}

func (r blockResolver) BlockIO(h firmware.Handle) (firmware.BlockIO, bool) {
	if h != r.handle {
		return nil, false
	}
	return r.block, true
}

type fsResolver struct {
	handle firmware.Handle
	fs     firmware.SimpleFileSystem
}

func (r fsResolver) SimpleFileSystem(h firmware.Handle) (firmware.SimpleFileSystem, bool) {
	if h != r.handle {
		return nil, false
	}
	return r.fs, true
}

// memBlockIO is a tiny in-memory diskio.BlockIO for tests that need to
// hand btrfsnav a byte buffer through the firmware.BlockIO interface,
// the way a real USB or SATA handle would.
type memBlockIO struct {
	buf       []byte
	blockSize int64
}

func (m *memBlockIO) MediaID() diskio.MediaID { return 1 }
func (m *memBlockIO) BlockSize() int64        { return m.blockSize }
func (m *memBlockIO) LastBlock() int64        { return int64(len(m.buf))/m.blockSize - 1 }
func (m *memBlockIO) ReadBlocks(lba int64, out []byte) error {
	off := lba * m.blockSize
	copy(out, m.buf[off:off+int64(len(out))])
	return nil
}

const testNodeSize = 4096

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
		bodies = append(e.body, bodies...)
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

func marshalInlineBytes(t *testing.T, content []byte) []byte {
	t.Helper()
	headDat, err := binstruct.Marshal(btrfsitem.FileExtent{Type: btrfsitem.FILE_EXTENT_INLINE})
	require.NoError(t, err)
	return append(headDat, content...)
}

// buildCoreBootImage assembles a Btrfs volume with a top-level
// subvolume "Core" (crossed into per scenario 6) containing
// Boot/vmlinuz-linux and Boot/initramfs-linux.img.
func buildCoreBootImage(t *testing.T, kernel, initrdData []byte) *memBlockIO {
	t.Helper()

	const blockSize = 4096
	fsUUID := btrfsprim.MustParseUUID("22222222-2222-2222-2222-222222222222")
	const (
		chunkTreeAddr  = btrfsvol.LogicalAddr(0x30000000)
		rootTreeAddr   = chunkTreeAddr + 0x1000
		topFsTreeAddr  = chunkTreeAddr + 0x2000
		coreFsTreeAddr = chunkTreeAddr + 0x3000
		chunkMapPAddr  = btrfsvol.PhysicalAddr(0x20000)
	)
	buf := make([]byte, 0x50000)

	inodeDat, err := binstruct.Marshal(btrfsitem.Inode{})
	require.NoError(t, err)
	chunkLeaf := buildLeafNode(t, fsUUID, btrfsprim.CHUNK_TREE_OBJECTID, chunkTreeAddr, []leafEntry{
		{key: btrfsprim.Key{ObjectID: 999, ItemType: btrfsprim.INODE_ITEM_KEY}, body: inodeDat},
	})
	copy(buf[int64(chunkMapPAddr):], chunkLeaf)

	const coreSubvolID = btrfsprim.ObjID(257)
	topRootDat, err := binstruct.Marshal(btrfsitem.Root{ByteNr: topFsTreeAddr})
	require.NoError(t, err)
	coreRootDat, err := binstruct.Marshal(btrfsitem.Root{ByteNr: coreFsTreeAddr})
	require.NoError(t, err)
	rootLeaf := buildLeafNode(t, fsUUID, btrfsprim.ROOT_TREE_OBJECTID, rootTreeAddr, []leafEntry{
		{key: btrfsprim.Key{ObjectID: btrfsprim.FS_TREE_OBJECTID, ItemType: btrfsprim.ROOT_ITEM_KEY}, body: topRootDat},
		{key: btrfsprim.Key{ObjectID: coreSubvolID, ItemType: btrfsprim.ROOT_ITEM_KEY}, body: coreRootDat},
	})
	copy(buf[int64(chunkMapPAddr)+0x1000:], rootLeaf)

	// Top-level FS tree: dir 256 contains one entry, "Core", pointing
	// at the subvolume root item above (scenario 6: subvolume crossing).
	coreDirEntryDat := marshalDirEntry(t, btrfsitem.DirEntry{
		Location: btrfsprim.Key{ObjectID: coreSubvolID, ItemType: btrfsprim.ROOT_ITEM_KEY},
		Type:     btrfsitem.FT_DIR,
		NameLen:  uint16(len("Core")),
	}, "Core")
	topFsLeaf := buildLeafNode(t, fsUUID, btrfsprim.FS_TREE_OBJECTID, topFsTreeAddr, []leafEntry{
		{key: btrfsprim.Key{ObjectID: 256, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: 1}, body: coreDirEntryDat},
	})
	copy(buf[int64(chunkMapPAddr)+0x2000:], topFsLeaf)

	// Core subvolume's own FS tree: dir 256 contains "Boot" -> inode 258.
	const bootDirInode = btrfsprim.ObjID(258)
	bootDirEntryDat := marshalDirEntry(t, btrfsitem.DirEntry{
		Location: btrfsprim.Key{ObjectID: bootDirInode, ItemType: btrfsprim.INODE_ITEM_KEY},
		Type:     btrfsitem.FT_DIR,
		NameLen:  uint16(len("Boot")),
	}, "Boot")
	kernelEntryDat := marshalDirEntry(t, btrfsitem.DirEntry{
		Location: btrfsprim.Key{ObjectID: 300, ItemType: btrfsprim.INODE_ITEM_KEY},
		Type:     btrfsitem.FT_REG_FILE,
		NameLen:  uint16(len("vmlinuz-linux")),
	}, "vmlinuz-linux")
	initrdEntryDat := marshalDirEntry(t, btrfsitem.DirEntry{
		Location: btrfsprim.Key{ObjectID: 301, ItemType: btrfsprim.INODE_ITEM_KEY},
		Type:     btrfsitem.FT_REG_FILE,
		NameLen:  uint16(len("initramfs-linux.img")),
	}, "initramfs-linux.img")
	coreFsLeaf := buildLeafNode(t, fsUUID, coreSubvolID, coreFsTreeAddr, []leafEntry{
		{key: btrfsprim.Key{ObjectID: 256, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: 1}, body: bootDirEntryDat},
		{key: btrfsprim.Key{ObjectID: bootDirInode, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: 2}, body: kernelEntryDat},
		{key: btrfsprim.Key{ObjectID: bootDirInode, ItemType: btrfsprim.DIR_ITEM_KEY, Offset: 3}, body: initrdEntryDat},
		{key: btrfsprim.Key{ObjectID: 300, ItemType: btrfsprim.EXTENT_DATA_KEY}, body: marshalInlineBytes(t, kernel)},
		{key: btrfsprim.Key{ObjectID: 301, ItemType: btrfsprim.EXTENT_DATA_KEY}, body: marshalInlineBytes(t, initrdData)},
	})
	copy(buf[int64(chunkMapPAddr)+0x3000:], coreFsLeaf)

	sb := btrfstree.Superblock{
		FSUUID:     fsUUID,
		Generation: 1,
		RootTree:   rootTreeAddr,
		ChunkTree:  chunkTreeAddr,
		TotalBytes: uint64(len(buf)),
		NodeSize:   testNodeSize,
		LeafSize:   testNodeSize,
		SectorSize: blockSize,
	}
	copy(sb.Magic[:], btrfstree.SuperblockMagic)

	sysChunkHead, err := binstruct.Marshal(btrfsitem.ChunkHeader{
		Size: 0x10000, Owner: btrfsprim.EXTENT_TREE_OBJECTID,
		Type: btrfsvol.BLOCK_GROUP_SYSTEM, NumStripes: 1,
	})
	require.NoError(t, err)
	sysChunkStripe, err := binstruct.Marshal(btrfsitem.ChunkStripe{DeviceID: 1, Offset: chunkMapPAddr})
	require.NoError(t, err)
	sysChunkKey, err := binstruct.Marshal(btrfsprim.Key{
		ObjectID: btrfsprim.FIRST_CHUNK_TREE_OBJECTID,
		ItemType: btrfsprim.CHUNK_ITEM_KEY,
		Offset:   uint64(chunkTreeAddr),
	})
	require.NoError(t, err)
	sysChunk := append(append(sysChunkKey, sysChunkHead...), sysChunkStripe...)
	copy(sb.SysChunkArray[:], sysChunk)
	sb.SysChunkArraySize = uint32(len(sysChunk))

	sbDat, err := binstruct.Marshal(sb)
	require.NoError(t, err)
	copy(buf[0x10000:], sbDat)

	return &memBlockIO{buf: buf, blockSize: blockSize}
}

func TestBootLinuxFromDriveCrossesSubvolumeAndBoots(t *testing.T) {
	t.Parallel()

	kernel := fakePE(t, nativeMachine())
	initrdData := []byte("initrd-payload")
	dev := buildCoreBootImage(t, kernel, initrdData)

	const handle = firmware.Handle(1)
	var started *hostfw.LoadedImage
	images := hostfw.NewImageServices(func(img *hostfw.LoadedImage) error {
		started = img
		return nil
	})
	svc := linuxboot.DriveServices{
		Services: linuxboot.Services{Images: images, Installer: hostfw.NewProtocolInstaller()},
		Block:    blockResolver{handle: handle, block: dev},
	}

	err := linuxboot.BootLinuxFromDrive(context.Background(), svc, handle, "")
	require.NoError(t, err)
	require.NotNil(t, started)
	assert.Equal(t, kernel, started.SourceBuffer)
}

func TestBootEfiAppChainloads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	kernel := fakePE(t, nativeMachine())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bootx64.efi"), kernel, 0o644))

	volumeDP := []firmware.DevicePathNode{{Type: 0x04, SubType: 0x01, Data: []byte("vol0")}}
	fs := hostfw.NewFileSystem(dir, volumeDP)

	var started *hostfw.LoadedImage
	images := hostfw.NewImageServices(func(img *hostfw.LoadedImage) error {
		started = img
		return nil
	})
	svc := linuxboot.DriveServices{
		Services: linuxboot.Services{Images: images, Installer: hostfw.NewProtocolInstaller()},
		FS:       fsResolver{handle: 1, fs: fs},
	}

	err := linuxboot.BootEfiApp(context.Background(), svc, fs, "/bootx64.efi")
	require.NoError(t, err)
	require.NotNil(t, started)
	assert.Equal(t, kernel, started.SourceBuffer)
	assert.Equal(t, 1, images.Resets)
}

func TestBootLinuxFromDriveUnsupportedVolume(t *testing.T) {
	t.Parallel()

	svc := linuxboot.DriveServices{
		Services: linuxboot.Services{Images: hostfw.NewImageServices(nil), Installer: hostfw.NewProtocolInstaller()},
		Block:    blockResolver{handle: 1, block: nil},
	}
	err := linuxboot.BootLinuxFromDrive(context.Background(), svc, 2, "")
	assert.ErrorIs(t, err, linuxboot.ErrUnsupportedVolume)
}
