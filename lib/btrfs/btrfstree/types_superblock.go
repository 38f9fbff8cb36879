// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"go.rignite.dev/rignite/lib/binstruct"
	"go.rignite.dev/rignite/lib/btrfs/btrfsitem"
	"go.rignite.dev/rignite/lib/btrfs/btrfsprim"
	"go.rignite.dev/rignite/lib/btrfs/btrfsvol"
	"go.rignite.dev/rignite/lib/fmtutil"
)

// Superblock is the filesystem superblock, read from byte offset 0x10000.
//
// This is a read-only, single-device view of the on-disk struct: the
// stored checksum is kept as raw bytes (this bootloader never writes a
// filesystem, so there is nothing to validate it against) and the
// multi-device SuperRoots backup array is not parsed.
type Superblock struct {
	Checksum   [0x20]byte            `bin:"off=0x0,  siz=0x20"` // checksum of everything past this field
	FSUUID     btrfsprim.UUID        `bin:"off=0x20, siz=0x10"`
	Self       btrfsvol.PhysicalAddr `bin:"off=0x30, siz=0x8"` // physical address of this copy of the superblock
	Flags      uint64                `bin:"off=0x38, siz=0x8"`
	Magic      [8]byte               `bin:"off=0x40, siz=0x8"` // '_BHRfS_M'
	Generation btrfsprim.Generation  `bin:"off=0x48, siz=0x8"`

	RootTree  btrfsvol.LogicalAddr `bin:"off=0x50, siz=0x8"` // logical address of the root tree root
	ChunkTree btrfsvol.LogicalAddr `bin:"off=0x58, siz=0x8"` // logical address of the chunk tree root
	LogTree   btrfsvol.LogicalAddr `bin:"off=0x60, siz=0x8"`

	LogRootTransID  uint64          `bin:"off=0x68, siz=0x8"`
	TotalBytes      uint64          `bin:"off=0x70, siz=0x8"`
	BytesUsed       uint64          `bin:"off=0x78, siz=0x8"`
	RootDirObjectID btrfsprim.ObjID `bin:"off=0x80, siz=0x8"` // usually 6
	NumDevices      uint64          `bin:"off=0x88, siz=0x8"`

	SectorSize        uint32 `bin:"off=0x90, siz=0x4"`
	NodeSize          uint32 `bin:"off=0x94, siz=0x4"`
	LeafSize          uint32 `bin:"off=0x98, siz=0x4"` // unused; must equal NodeSize
	StripeSize        uint32 `bin:"off=0x9c, siz=0x4"`
	SysChunkArraySize uint32 `bin:"off=0xa0, siz=0x4"`

	ChunkRootGeneration btrfsprim.Generation `bin:"off=0xa4, siz=0x8"`
	CompatFlags         uint64               `bin:"off=0xac, siz=0x8"`
	CompatROFlags       uint64               `bin:"off=0xb4, siz=0x8"`
	IncompatFlags       IncompatFlags        `bin:"off=0xbc, siz=0x8"`
	ChecksumType        uint16               `bin:"off=0xc4, siz=0x2"` // ignored; no checksum validation is performed

	RootLevel  uint8 `bin:"off=0xc6, siz=0x1"`
	ChunkLevel uint8 `bin:"off=0xc7, siz=0x1"`
	LogLevel   uint8 `bin:"off=0xc8, siz=0x1"`

	DevItem            btrfsitem.Dev        `bin:"off=0xc9,  siz=0x62"`
	Label              [0x100]byte          `bin:"off=0x12b, siz=0x100"`
	CacheGeneration    btrfsprim.Generation `bin:"off=0x22b, siz=0x8"`
	UUIDTreeGeneration btrfsprim.Generation `bin:"off=0x233, siz=0x8"`

	// valid when IncompatFlags.Has(FeatureIncompatMetadataUUID)
	MetadataUUID btrfsprim.UUID `bin:"off=0x23b, siz=0x10"`

	NumGlobalRoots uint64 `bin:"off=0x24b, siz=0x8"`

	BlockGroupRoot           btrfsvol.LogicalAddr `bin:"off=0x253, siz=0x8"`
	BlockGroupRootGeneration btrfsprim.Generation `bin:"off=0x25b, siz=0x8"`
	BlockGroupRootLevel      uint8                `bin:"off=0x263, siz=0x1"`

	Reserved [199]byte `bin:"off=0x264, siz=0xc7"`

	// SysChunkArray holds (Key, Chunk) pairs for the SYSTEM block group,
	// enough to bootstrap logical->physical translation before the
	// chunk tree itself can be read.
	SysChunkArray [0x800]byte `bin:"off=0x32b, siz=0x800"`

	// The multi-device backup-roots array (SuperRoots) is out of scope
	// for a single-device boot medium; its bytes are skipped over
	// rather than decoded.
	SuperRootsRaw [0x2a0]byte `bin:"off=0xb2b, siz=0x2a0"`

	Padding       [565]byte `bin:"off=0xdcb, siz=0x235"`
	binstruct.End `bin:"off=0x1000"`
}

const SuperblockMagic = "_BHRfS_M"

func (sb Superblock) EffectiveMetadataUUID() btrfsprim.UUID {
	if !sb.IncompatFlags.Has(FeatureIncompatMetadataUUID) {
		return sb.FSUUID
	}
	return sb.MetadataUUID
}

type SysChunk struct {
	Key   btrfsprim.Key
	Chunk btrfsitem.Chunk
}

func (sc *SysChunk) UnmarshalBinary(dat []byte) (int, error) {
	n, err := binstruct.Unmarshal(dat, &sc.Key)
	if err != nil {
		return n, err
	}
	_n, err := binstruct.Unmarshal(dat[n:], &sc.Chunk)
	n += _n
	if err != nil {
		return n, err
	}
	return n, nil
}

// ParseSysChunkArray decodes the bootstrap (Key, Chunk) pairs packed into
// the superblock, used to seed the chunk map before the chunk tree is
// read.
func (sb Superblock) ParseSysChunkArray() ([]SysChunk, error) {
	dat := sb.SysChunkArray[:sb.SysChunkArraySize]
	var ret []SysChunk
	for len(dat) > 0 {
		var pair SysChunk
		n, err := binstruct.Unmarshal(dat, &pair)
		dat = dat[n:]
		if err != nil {
			return nil, err
		}
		ret = append(ret, pair)
	}
	return ret, nil
}

type IncompatFlags uint64

const (
	FeatureIncompatMixedBackref = IncompatFlags(1 << iota)
	FeatureIncompatDefaultSubvol
	FeatureIncompatMixedGroups
	FeatureIncompatCompressLZO
	FeatureIncompatCompressZSTD
	FeatureIncompatBigMetadata // buggy
	FeatureIncompatExtendedIRef
	FeatureIncompatRAID56
	FeatureIncompatSkinnyMetadata
	FeatureIncompatNoHoles
	FeatureIncompatMetadataUUID
	FeatureIncompatRAID1C34
	FeatureIncompatZoned
	FeatureIncompatExtentTreeV2
)

var incompatFlagNames = []string{
	"FeatureIncompatMixedBackref",
	"FeatureIncompatDefaultSubvol",
	"FeatureIncompatMixedGroups",
	"FeatureIncompatCompressLZO",
	"FeatureIncompatCompressZSTD",
	"FeatureIncompatBigMetadata ",
	"FeatureIncompatExtendedIRef",
	"FeatureIncompatRAID56",
	"FeatureIncompatSkinnyMetadata",
	"FeatureIncompatNoHoles",
	"FeatureIncompatMetadataUUID",
	"FeatureIncompatRAID1C34",
	"FeatureIncompatZoned",
	"FeatureIncompatExtentTreeV2",
}

func (f IncompatFlags) Has(req IncompatFlags) bool { return f&req == req }
func (f IncompatFlags) String() string {
	return fmtutil.BitfieldString(f, incompatFlagNames, fmtutil.HexLower)
}
