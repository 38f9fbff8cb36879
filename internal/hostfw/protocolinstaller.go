// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package hostfw

import (
	"sync"

	"go.rignite.dev/rignite/internal/firmware"
)

// ProtocolInstaller is a host-backed firmware.ProtocolInstaller: it
// just remembers the most recently installed LoadFile2 callback and
// device path, so a test can invoke the callback the same way the
// kernel's own LoadFile2 lookup would.
type ProtocolInstaller struct {
	mu         sync.Mutex
	devicePath []firmware.DevicePathNode
	fn         firmware.LoadFile2Func
}

var _ firmware.ProtocolInstaller = (*ProtocolInstaller)(nil)

func NewProtocolInstaller() *ProtocolInstaller {
	return &ProtocolInstaller{}
}

func (p *ProtocolInstaller) InstallLoadFile2(devicePath []firmware.DevicePathNode, fn firmware.LoadFile2Func) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devicePath = devicePath
	p.fn = fn
	return nil
}

// Installed returns the most recently installed device path and
// callback, for tests to drive directly.
func (p *ProtocolInstaller) Installed() ([]firmware.DevicePathNode, firmware.LoadFile2Func) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devicePath, p.fn
}
