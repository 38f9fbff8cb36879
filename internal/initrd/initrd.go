// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package initrd installs the initrd payload the Linux EFI stub reads
// back out through a LINUX_EFI_INITRD_MEDIA LoadFile2 protocol. There
// is exactly one slot: a new kernel handoff replaces whatever was
// there before, the same way the original's install_initrd_protocol
// leaks a new device-path/vtable pair on every call rather than
// tracking a list of them.
package initrd

import (
	"sync"

	"go.rignite.dev/rignite/internal/firmware"
)

// DevicePathGUID is the LINUX_EFI_INITRD_MEDIA vendor device-path
// GUID the Linux EFI stub looks for.
var DevicePathGUID = [16]byte{
	0x27, 0xe4, 0x68, 0x55, 0xfc, 0x68, 0x3d, 0x4f,
	0xac, 0x74, 0xca, 0x55, 0x52, 0x31, 0xcc, 0x68,
}

// DevicePath is the two-node device path (vendor node + end node)
// that must be installed with the LoadFile2 protocol for the Linux
// EFI stub to find the initrd.
func DevicePath() []firmware.DevicePathNode {
	return []firmware.DevicePathNode{
		{Type: 0x04, SubType: 0x03, Data: DevicePathGUID[:]},
		firmware.EndEntireDevicePath,
	}
}

// holder is a non-generic analogue of containers.SyncValue: the
// payload ([]byte) isn't comparable, so SyncValue's CompareAndSwap
// contract doesn't apply, but the same mutex-guarded load/store shape
// does. Per §9 this must back a free function (LoadFile2), not a
// closure capturing per-call state, so there is exactly one
// package-scope instance.
type holder struct {
	mu   sync.Mutex
	data []byte
	ok   bool
}

func (h *holder) store(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data, h.ok = data, true
}

func (h *holder) load() ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data, h.ok
}

var current holder

// Install stores data as the process-wide initrd payload and installs
// the LoadFile2 protocol under the LINUX_EFI_INITRD_MEDIA device path
// via installer. data is not copied; the caller must not mutate it
// afterward.
func Install(installer firmware.ProtocolInstaller, data []byte) error {
	current.store(data)
	return installer.InstallLoadFile2(DevicePath(), loadFile2)
}

// loadFile2 is the single EFI_LOAD_FILE2_PROTOCOL entry point for the
// initrd, dispatched against whatever Install last stored. It is a
// free function (not a closure) so that it can be installed once and
// referenced by value, matching the original's static extern "efiapi"
// function pointer.
func loadFile2(bufferSize *uint64, buffer []byte) error {
	if bufferSize == nil {
		return firmware.ErrInvalidParameter
	}
	data, ok := current.load()
	if !ok {
		return firmware.ErrNotFound
	}
	required := uint64(len(data))
	available := *bufferSize
	*bufferSize = required

	if buffer == nil || available < required {
		return firmware.ErrBufferTooSmall
	}
	copy(buffer, data)
	return nil
}
