// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rbc

// OwnedConfig owns the backing buffer for a config blob (typically the
// bytes just read from the EFI System Partition) and produces
// ConfigViews on demand, so a loader can hand back a single value
// without the caller juggling a separate buffer and view.
type OwnedConfig struct {
	data []byte
}

// Load validates data and returns an OwnedConfig taking ownership of
// it. data must not be mutated afterward.
func Load(data []byte) (*OwnedConfig, error) {
	if _, err := New(data); err != nil {
		return nil, err
	}
	return &OwnedConfig{data: data}, nil
}

// View returns a ConfigView over the owned buffer. Construction cannot
// fail: Load already validated it.
func (c *OwnedConfig) View() ConfigView {
	v, err := New(c.data)
	if err != nil {
		panic("rbc: OwnedConfig data corrupted after Load validated it: " + err.Error())
	}
	return v
}
