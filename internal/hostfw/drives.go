// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package hostfw

import (
	"sort"
	"sync"

	"go.rignite.dev/rignite/internal/firmware"
)

// DriveSet backs firmware.BlockIOByHandle and firmware.DriveEnumerator
// with a simple handle-to-BlockIO map, standing in for the handles
// uefi::boot::locate_handle_buffer(SearchType::ByProtocol(&BlockIO::GUID))
// would return on real firmware.
type DriveSet struct {
	mu    sync.Mutex
	block map[firmware.Handle]firmware.BlockIO
}

// NewDriveSet returns an empty DriveSet.
func NewDriveSet() *DriveSet {
	return &DriveSet{block: make(map[firmware.Handle]firmware.BlockIO)}
}

// Add registers block under h, overwriting any previous registration.
func (d *DriveSet) Add(h firmware.Handle, block firmware.BlockIO) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block[h] = block
}

// BlockIO implements firmware.BlockIOByHandle.
func (d *DriveSet) BlockIO(h firmware.Handle) (firmware.BlockIO, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.block[h]
	return b, ok
}

// ListDrives implements firmware.DriveEnumerator, in a stable,
// ascending-handle order so menu layout is deterministic.
func (d *DriveSet) ListDrives() []firmware.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]firmware.Handle, 0, len(d.block))
	for h := range d.block {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
