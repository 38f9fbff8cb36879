// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rbc parses and validates the Rignite Binary Config blob: a
// compact, zero-copy, tag-length-value configuration read from the EFI
// System Partition. Like the Btrfs structures in lib/btrfs, every
// fixed-layout piece is declared with lib/binstruct tags; unlike them,
// the atom stream itself is variable-length and is walked by hand, the
// same way the teacher's btrfstree leaf-item loop walks a variable
// number of items without a struct tag to describe "however many there
// happen to be".
package rbc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.rignite.dev/rignite/lib/binstruct"
)

// Magic is the 4-byte literal "RGN!" every config blob must begin with.
var Magic = [4]byte{0x52, 0x47, 0x4E, 0x21}

// Version is the only header version this package understands.
const Version = 1

// HeaderSize is the fixed size of Header, and the offset the first
// atom starts at.
const HeaderSize = 16

// Tag identifies an atom's meaning.
type Tag uint16

const (
	TagMainUUID             Tag = 0x01
	TagMainFsType           Tag = 0x02
	TagMainKernelParams     Tag = 0x03
	TagRecoveryUUID         Tag = 0x10
	TagRecoveryFsType       Tag = 0x11
	TagRecoveryKernelParams Tag = 0x12
	TagSignature            Tag = 0xFF
)

// FsType is the filesystem-type enumeration carried by TagMainFsType /
// TagRecoveryFsType. Values outside the named set are preserved
// as-is; callers that only care about Btrfs vs. not-Btrfs can compare
// directly against FsTypeBtrfs.
type FsType uint16

const (
	FsTypeBtrfs    FsType = 1
	FsTypeExt4     FsType = 2
	FsTypeXfs      FsType = 3
	FsTypeZfs      FsType = 4
	FsTypeF2fs     FsType = 5
	FsTypeBcachefs FsType = 6
	FsTypeErofs    FsType = 10
	FsTypeSquashfs FsType = 11
	FsTypeFat12    FsType = 20
	FsTypeFat16    FsType = 21
	FsTypeFat32    FsType = 22
	FsTypeExFat    FsType = 23
	FsTypeNtfs     FsType = 24
	FsTypeApfs     FsType = 30
	FsTypeHfsPlus  FsType = 31
)

// Header is the blob's fixed 16-byte preamble.
type Header struct {
	Magic     [4]byte `bin:"off=0x0,siz=0x4"`
	Version   uint16  `bin:"off=0x4,siz=0x2"`
	TotalSize uint32  `bin:"off=0x6,siz=0x4"`
	AtomCount uint16  `bin:"off=0xa,siz=0x2"`
	Reserved  [4]byte `bin:"off=0xc,siz=0x4"`
}

var (
	ErrBufferTooSmall     = errors.New("rbc: buffer shorter than header")
	ErrInvalidMagic       = errors.New("rbc: bad magic")
	ErrUnsupportedVersion = errors.New("rbc: unsupported version")
	ErrInvalidSize        = errors.New("rbc: total_size exceeds buffer length")
	ErrUTF8               = errors.New("rbc: kernel params are not valid UTF-8")
	ErrNoSignature        = errors.New("rbc: no signature atom present")
)

// ConfigView is a zero-copy, borrowed view over a validated config
// blob: it never allocates and never copies a value out except for
// small fixed-size integers.
type ConfigView struct {
	data []byte // data[0:TotalSize] of the buffer passed to New
}

// New validates header and size-bounds, and returns a view borrowing
// data[0:total_size]. It never allocates.
func New(data []byte) (ConfigView, error) {
	if len(data) < HeaderSize {
		return ConfigView{}, ErrBufferTooSmall
	}
	var hdr Header
	if _, err := binstruct.Unmarshal(data[:HeaderSize], &hdr); err != nil {
		return ConfigView{}, fmt.Errorf("rbc: %w", err)
	}
	if hdr.Magic != Magic {
		return ConfigView{}, ErrInvalidMagic
	}
	if hdr.Version != Version {
		return ConfigView{}, ErrUnsupportedVersion
	}
	if uint64(len(data)) < uint64(hdr.TotalSize) {
		return ConfigView{}, ErrInvalidSize
	}
	return ConfigView{data: data[:hdr.TotalSize]}, nil
}

// TotalSize returns the validated total_size this view was built from.
func (v ConfigView) TotalSize() int { return len(v.data) }

// Atom is one decoded TLV record: Value aliases directly into the
// view's backing buffer.
type Atom struct {
	Tag   Tag
	Value []byte
}

// AtomIterator lazily walks the atom stream. It stops cleanly (Next
// returns false, no error) both at the natural end of the data and on
// a truncated trailing atom — a malformed tail is silently terminal,
// not an error, per the blob's forward-only recovery design.
type AtomIterator struct {
	data   []byte
	offset int
}

// Atoms returns a fresh iterator positioned at the first atom.
func (v ConfigView) Atoms() *AtomIterator {
	return &AtomIterator{data: v.data, offset: HeaderSize}
}

// Next advances the iterator and reports whether an atom was decoded.
func (it *AtomIterator) Next() (Atom, bool) {
	if it.offset+4 > len(it.data) {
		return Atom{}, false
	}
	tagRaw := binary.LittleEndian.Uint16(it.data[it.offset : it.offset+2])
	length := binary.LittleEndian.Uint16(it.data[it.offset+2 : it.offset+4])

	valueStart := it.offset + 4
	valueEnd := valueStart + int(length)
	if valueEnd > len(it.data) {
		return Atom{}, false
	}
	it.offset = valueEnd
	return Atom{Tag: Tag(tagRaw), Value: it.data[valueStart:valueEnd]}, true
}

// findAtom returns the value of the first atom matching tag.
func (v ConfigView) findAtom(tag Tag) ([]byte, bool) {
	it := v.Atoms()
	for {
		atom, ok := it.Next()
		if !ok {
			return nil, false
		}
		if atom.Tag == tag {
			return atom.Value, true
		}
	}
}

// GetMainUUID returns the main-target filesystem UUID, if present and
// exactly 16 bytes.
func (v ConfigView) GetMainUUID() ([16]byte, bool) {
	return fixed16(v, TagMainUUID)
}

// GetMainFsType returns the main-target filesystem type, if present
// and exactly 2 bytes.
func (v ConfigView) GetMainFsType() (FsType, bool) {
	val, ok := v.findAtom(TagMainFsType)
	if !ok || len(val) != 2 {
		return 0, false
	}
	return FsType(binary.LittleEndian.Uint16(val)), true
}

// GetMainKernelParams returns the main-target kernel command-line
// override, validated as UTF-8.
func (v ConfigView) GetMainKernelParams() (string, error) {
	return kernelParams(v, TagMainKernelParams)
}

// GetRecoveryUUID returns the recovery-target filesystem UUID, if
// present and exactly 16 bytes.
func (v ConfigView) GetRecoveryUUID() ([16]byte, bool) {
	return fixed16(v, TagRecoveryUUID)
}

// GetRecoveryFsType returns the recovery-target filesystem type, if
// present and exactly 2 bytes.
func (v ConfigView) GetRecoveryFsType() (FsType, bool) {
	val, ok := v.findAtom(TagRecoveryFsType)
	if !ok || len(val) != 2 {
		return 0, false
	}
	return FsType(binary.LittleEndian.Uint16(val)), true
}

// GetRecoveryKernelParams returns the recovery-target kernel
// command-line override, validated as UTF-8.
func (v ConfigView) GetRecoveryKernelParams() (string, error) {
	return kernelParams(v, TagRecoveryKernelParams)
}

// GetSignature returns the raw bytes of the terminating 0xFF atom.
func (v ConfigView) GetSignature() ([]byte, bool) {
	return v.findAtom(TagSignature)
}

func fixed16(v ConfigView, tag Tag) ([16]byte, bool) {
	val, ok := v.findAtom(tag)
	if !ok || len(val) != 16 {
		return [16]byte{}, false
	}
	var out [16]byte
	copy(out[:], val)
	return out, true
}

func kernelParams(v ConfigView, tag Tag) (string, error) {
	val, ok := v.findAtom(tag)
	if !ok {
		return "", nil
	}
	if !utf8.Valid(val) {
		return "", ErrUTF8
	}
	return string(val), nil
}
