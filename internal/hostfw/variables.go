// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package hostfw

import (
	"sync"

	"go.rignite.dev/rignite/internal/firmware"
)

type varKey struct {
	name string
	guid [16]byte
}

type varEntry struct {
	attrs firmware.VariableAttributes
	data  []byte
}

// Variables is a host-backed firmware.Variables: an in-memory map
// standing in for the platform's NVRAM, so the firmware-settings menu
// action is observable without a real UEFI runtime.
type Variables struct {
	mu   sync.Mutex
	vars map[varKey]varEntry
}

var _ firmware.Variables = (*Variables)(nil)

func NewVariables() *Variables {
	return &Variables{vars: make(map[varKey]varEntry)}
}

func (v *Variables) SetVariable(name string, guid [16]byte, attrs firmware.VariableAttributes, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vars[varKey{name, guid}] = varEntry{attrs: attrs, data: append([]byte(nil), data...)}
	return nil
}

// Get returns a variable previously set via SetVariable, for test
// assertions.
func (v *Variables) Get(name string, guid [16]byte) (data []byte, attrs firmware.VariableAttributes, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.vars[varKey{name, guid}]
	return e.data, e.attrs, ok
}
