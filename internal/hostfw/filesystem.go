// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package hostfw

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.rignite.dev/rignite/internal/firmware"
)

// FileSystem backs firmware.SimpleFileSystem with a host directory
// standing in for a FAT-formatted EFI System Partition.
type FileSystem struct {
	root      string
	volumeDP  []firmware.DevicePathNode
}

var _ firmware.SimpleFileSystem = (*FileSystem)(nil)

// NewFileSystem wraps a host directory as a volume rooted at volumeDP
// (the device-path nodes a real firmware would report for this
// volume's handle, e.g. a hard-drive partition node).
func NewFileSystem(root string, volumeDP []firmware.DevicePathNode) *FileSystem {
	return &FileSystem{root: root, volumeDP: volumeDP}
}

// ReadFile accepts firmware-native paths (back-slash separated,
// optionally with a leading back-slash) and reads the corresponding
// host file under root.
func (fs *FileSystem) ReadFile(path string) ([]byte, error) {
	rel := strings.TrimPrefix(strings.ReplaceAll(path, `\`, "/"), "/")
	dat, err := os.ReadFile(filepath.Join(fs.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("hostfw: %s: %w", path, firmware.ErrNotFound)
		}
		return nil, fmt.Errorf("hostfw: %s: %w", path, err)
	}
	return dat, nil
}

func (fs *FileSystem) RootDevicePath() []firmware.DevicePathNode {
	return fs.volumeDP
}
