// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package linuxboot

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"go.rignite.dev/rignite/internal/firmware"
	"go.rignite.dev/rignite/internal/pecoff"
)

// mediaFilePathNode builds a UEFI media-file-path device-path node
// (type 0x04 / subtype 0x04) carrying path as a UTF-16, NUL-terminated
// string, as §4.6a requires.
func mediaFilePathNode(path string) firmware.DevicePathNode {
	opts := utf16NulOptions(path)
	return firmware.DevicePathNode{Type: 0x04, SubType: 0x04, Data: opts}
}

// BootEfiApp implements §4.6a: the FAT chainload fallback taken when
// a drive isn't a recognized Btrfs volume. It normalizes path to
// firmware-native separators, reads the whole file through fs,
// validates it as a PE image, synthesizes a full device path (the
// volume's own nodes, a media-file-path node for path, and the
// terminator), loads the image from both the buffer and the device
// path, resets the text console, and starts it.
func BootEfiApp(ctx context.Context, svc DriveServices, fs firmware.SimpleFileSystem, path string) error {
	path = normalizeFirmwarePath(path)

	data, err := fs.ReadFile(path)
	if err != nil {
		return fmt.Errorf("linuxboot: boot_efi_app(%q): %w", path, err)
	}

	if err := pecoff.Validate(data); err != nil {
		return fmt.Errorf("linuxboot: boot_efi_app(%q): %w", path, err)
	}

	devicePath := append(append([]firmware.DevicePathNode{}, fs.RootDevicePath()...),
		mediaFilePathNode(path), firmware.EndEntireDevicePath)

	dlog.Infof(ctx, "linuxboot: loading chainload image %q", path)
	handle, _, err := svc.Images.LoadImage(0, devicePath, data)
	if err != nil {
		return fmt.Errorf("linuxboot: boot_efi_app(%q): load_image: %w", path, err)
	}

	if err := svc.Images.ResetTextConsole(); err != nil {
		return fmt.Errorf("linuxboot: boot_efi_app(%q): reset_text_console: %w", path, err)
	}

	dlog.Info(ctx, "linuxboot: starting chainload image")
	if err := svc.Images.StartImage(handle); err != nil {
		return fmt.Errorf("linuxboot: boot_efi_app(%q): start_image: %w", path, err)
	}
	return nil
}
