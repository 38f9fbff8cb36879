// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package firmware declares the small set of UEFI-protocol-shaped
// interfaces that the boot components are written against, so that
// neither the boot logic nor its tests need a real UEFI binding. A
// production port implements these against the platform's actual
// EFI_BLOCK_IO_PROTOCOL / EFI_SIMPLE_FILE_SYSTEM_PROTOCOL /
// EFI_LOADED_IMAGE_PROTOCOL / runtime variable services / LoadImage
// and StartImage boot services; package hostfw implements them against
// the host OS for development and testing.
package firmware

import (
	"errors"

	"go.rignite.dev/rignite/internal/diskio"
)

// Handle is an opaque firmware handle — a block-I/O handle, a
// filesystem handle, a loaded-image handle, or a PCI-I/O handle,
// depending on context. It is comparable, like the vtable pointers
// firmware actually hands out.
type Handle uint64

// BlockIO is the EFI_BLOCK_IO_PROTOCOL-shaped primitive C1 wraps.
type BlockIO = diskio.BlockIO

// DevicePathNode is one node of a UEFI device path. Type/SubType
// follow the UEFI spec's node taxonomy (e.g. 0x04/0x03 for media
// vendor-defined nodes, 0x04/0x04 for media file paths, 0x7F/0xFF for
// the end-entire-path node); Data is the node's type-specific payload,
// already serialized.
type DevicePathNode struct {
	Type    uint8
	SubType uint8
	Data    []byte
}

// EndEntireDevicePath is the standard device-path terminator node.
var EndEntireDevicePath = DevicePathNode{Type: 0x7F, SubType: 0xFF}

// LoadOptions is the UTF-16, NUL-terminated command line attached to a
// loaded image before StartImage.
type LoadOptions []byte

var (
	// ErrInvalidParameter mirrors EFI_INVALID_PARAMETER.
	ErrInvalidParameter = errors.New("firmware: invalid parameter")
	// ErrBufferTooSmall mirrors EFI_BUFFER_TOO_SMALL.
	ErrBufferTooSmall = errors.New("firmware: buffer too small")
	// ErrNotFound mirrors EFI_NOT_FOUND.
	ErrNotFound = errors.New("firmware: not found")
	// ErrUnsupported mirrors EFI_UNSUPPORTED.
	ErrUnsupported = errors.New("firmware: unsupported")
)

// SimpleFileSystem is the EFI_SIMPLE_FILE_SYSTEM_PROTOCOL-shaped
// surface §4.6a's FAT chainload path needs: read a whole file by path,
// and recover the device-path nodes identifying the volume the file
// lives on (so a full device path can be synthesized for LoadImage).
type SimpleFileSystem interface {
	// ReadFile reads path (firmware-native back-slash separators,
	// relative to the volume root) in its entirety.
	ReadFile(path string) ([]byte, error)
	// RootDevicePath returns the device-path node(s) that identify this
	// volume, to be followed by a media-file-path node.
	RootDevicePath() []DevicePathNode
}

// LoadedImage is the EFI_LOADED_IMAGE_PROTOCOL-shaped handle returned
// by LoadImage, used to attach a command line before StartImage.
type LoadedImage interface {
	SetLoadOptions(opts LoadOptions)
}

// VariableAttributes mirrors the EFI variable-service attribute bits
// this bootloader uses.
type VariableAttributes uint32

const (
	VarNonVolatile VariableAttributes = 1 << iota
	VarBootserviceAccess
	VarRuntimeAccess
)

// GlobalVariableGUID is the well-known EFI_GLOBAL_VARIABLE GUID that
// OsIndications lives under.
var GlobalVariableGUID = [16]byte{
	0x61, 0xdf, 0xe4, 0x8b, 0xca, 0x93, 0xd2, 0x11,
	0xaa, 0x0d, 0x00, 0xe0, 0x98, 0x03, 0x2b, 0x8c,
}

// Variables is the UEFI runtime variable-service surface the
// firmware-settings menu action needs.
type Variables interface {
	SetVariable(name string, guid [16]byte, attrs VariableAttributes, data []byte) error
}

// LoadFile2Func is the firmware-dictated shape of a single
// EFI_LOAD_FILE2_PROTOCOL entry point: bufferSize is always non-nil on
// entry per the UEFI spec, but implementations are expected to report
// ErrInvalidParameter if it is nil anyway, as the spec for this
// bootloader's own call discipline requires. Per §9, this must be a
// free function, not a capturing closure — internal/initrd enforces
// that by routing through a single package-scope holder instead of a
// per-install closure.
type LoadFile2Func func(bufferSize *uint64, buffer []byte) error

// ProtocolInstaller is the surface §4.5 needs to publish a
// LoadFile2-shaped callback under the LINUX_EFI_INITRD_MEDIA vendor
// device path so the kernel's own initrd lookup finds it.
type ProtocolInstaller interface {
	InstallLoadFile2(devicePath []DevicePathNode, fn LoadFile2Func) error
}

// ImageServices is the LoadImage/StartImage-shaped surface §4.6 and
// §4.6a drive: load a PE image either from a memory buffer or a
// device path, then transfer control to it.
type ImageServices interface {
	// LoadImage loads a PE image either from sourceBuffer (devicePath
	// nil) or by resolving devicePath (sourceBuffer nil), returning a
	// handle to the new image and its LoadedImage protocol instance.
	LoadImage(parent Handle, devicePath []DevicePathNode, sourceBuffer []byte) (Handle, LoadedImage, error)
	// StartImage transfers control to a previously loaded image. On
	// real firmware, a successful Linux boot never returns from this
	// call; hostfw's implementation calls back into test-supplied code
	// instead so the handoff is observable.
	StartImage(h Handle) error
	// ResetTextConsole resets the console to its default mode, as the
	// FAT chainload path does immediately before StartImage.
	ResetTextConsole() error
	// ColdReset issues a platform cold reset, used by the
	// firmware-settings and reboot menu actions.
	ColdReset() error
	// Shutdown issues a platform power-off, used by the shutdown menu
	// action.
	Shutdown() error
}

// BlockIOByHandle resolves a firmware handle (as produced by USB/PCI
// enumeration or passed in from the menu) to its BlockIO protocol, if
// the handle exposes one.
type BlockIOByHandle interface {
	BlockIO(h Handle) (BlockIO, bool)
}

// DriveEnumerator lists every handle exposing a BlockIO protocol, as
// §4.9's Menu state does via locate_handle_buffer(ByProtocol(BlockIO)).
type DriveEnumerator interface {
	ListDrives() []Handle
}

// FileSystemByHandle resolves a firmware handle to its
// SimpleFileSystem protocol, if the handle exposes one.
type FileSystemByHandle interface {
	SimpleFileSystem(h Handle) (SimpleFileSystem, bool)
}
