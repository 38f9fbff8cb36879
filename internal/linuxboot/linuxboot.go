// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package linuxboot hands a kernel image to the firmware's LoadImage /
// StartImage, either straight from a memory buffer (the RDF recovery
// path) or by locating it on a live Btrfs volume (the normal boot
// path), falling back to an EFI chainload when the volume isn't
// Btrfs.
package linuxboot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/datawire/dlib/dlog"

	"go.rignite.dev/rignite/internal/btrfsnav"
	"go.rignite.dev/rignite/internal/diskio"
	"go.rignite.dev/rignite/internal/firmware"
	"go.rignite.dev/rignite/internal/initrd"
	"go.rignite.dev/rignite/internal/pecoff"
	"go.rignite.dev/rignite/lib/btrfs/btrfsprim"
)

// DefaultConsole is the command-line fragment RDF's recovery handoff
// always uses, per §4.8.
const DefaultConsole = "console=ttyS0"

// ErrUnsupportedVolume is returned by BootLinuxFromDrive when handle
// exposes no BlockIO protocol or carries no recognized Btrfs volume; no
// file system on the handle is consulted.
var ErrUnsupportedVolume = errors.New("linuxboot: handle is neither a Btrfs volume nor a readable file system")

// Services bundles the firmware surfaces BootFromMemory needs.
type Services struct {
	Images    firmware.ImageServices
	Installer firmware.ProtocolInstaller
}

// BootFromMemory validates kernelData as a PE image for this
// architecture, installs initrdData (if any) under the initrd
// LoadFile2 protocol, loads the kernel from the buffer, attaches
// cmdline as its UTF-16 load options, and starts it. A normal Linux
// boot never returns from StartImage; if it does, that return is
// reported to the caller rather than assumed to be an error.
func BootFromMemory(ctx context.Context, svc Services, kernelData, initrdData []byte, cmdline string) error {
	if err := pecoff.Validate(kernelData); err != nil {
		return fmt.Errorf("linuxboot: boot_from_memory: %w", err)
	}

	if initrdData != nil {
		if err := initrd.Install(svc.Installer, initrdData); err != nil {
			return fmt.Errorf("linuxboot: boot_from_memory: install initrd: %w", err)
		}
	}

	dlog.Info(ctx, "linuxboot: loading kernel image from buffer")
	handle, img, err := svc.Images.LoadImage(0, nil, kernelData)
	if err != nil {
		return fmt.Errorf("linuxboot: boot_from_memory: load_image: %w", err)
	}
	dlog.Infof(ctx, "linuxboot: kernel image loaded, handle=%v", handle)

	img.SetLoadOptions(utf16NulOptions(cmdline))

	dlog.Info(ctx, "linuxboot: starting image")
	if err := svc.Images.StartImage(handle); err != nil {
		return fmt.Errorf("linuxboot: boot_from_memory: start_image: %w", err)
	}
	dlog.Info(ctx, "linuxboot: image returned")
	return nil
}

// utf16NulOptions encodes cmdline as UTF-16LE with a trailing NUL
// code unit, the shape EFI_LOADED_IMAGE_PROTOCOL.SetLoadOptions wants.
func utf16NulOptions(cmdline string) firmware.LoadOptions {
	units := utf16.Encode([]rune(cmdline))
	units = append(units, 0)
	out := make(firmware.LoadOptions, len(units)*2)
	for i, u := range units {
		out[2*i] = byte(u)
		out[2*i+1] = byte(u >> 8)
	}
	return out
}

// DriveServices bundles what BootLinuxFromDrive needs beyond Services:
// a way to resolve the handle to a block reader (Btrfs path) or a
// file system (chainload fallback).
type DriveServices struct {
	Services
	Block firmware.BlockIOByHandle
	FS    firmware.FileSystemByHandle
}

// BootLinuxFromDrive implements §4.6's ten-step normal-boot sequence:
// probe handle for a Btrfs volume; locate Core/Boot/vmlinuz-linux
// (crossing into a subvolume if Core resolves to one); optionally
// load Core/Boot/initramfs-linux.img; build the command line from
// cmdlineOverride or the volume's fsid; hand off. If handle carries no
// recognized Btrfs volume, the caller should fall back to
// BootEfiApp — this function returns ErrUnsupportedVolume rather than
// attempting that itself, since the chainload path needs a path to
// chainload to.
func BootLinuxFromDrive(ctx context.Context, svc DriveServices, handle firmware.Handle, cmdlineOverride string) error {
	block, ok := svc.Block.BlockIO(handle)
	if !ok {
		return ErrUnsupportedVolume
	}

	nav, ok, err := btrfsnav.Probe(diskio.NewBlockReader(block))
	if err != nil {
		return fmt.Errorf("linuxboot: boot_linux_from_drive: %w", err)
	}
	if !ok {
		return ErrUnsupportedVolume
	}

	sb := nav.Superblock()
	fsRoot, err := nav.GetTreeRoot(btrfsprim.FS_TREE_OBJECTID)
	if err != nil {
		return fmt.Errorf("linuxboot: boot_linux_from_drive: %w", err)
	}
	dirObjectID := btrfsprim.ObjID(256)

	core, err := nav.FindFileInDir(fsRoot, dirObjectID, "Core")
	if err != nil {
		return fmt.Errorf("linuxboot: boot_linux_from_drive: %w", err)
	}
	if core.ItemType == btrfsprim.ROOT_ITEM_KEY {
		dlog.Infof(ctx, "linuxboot: entering subvolume Core (id=%v)", core.ObjectID)
		fsRoot, err = nav.GetTreeRoot(core.ObjectID)
		if err != nil {
			return fmt.Errorf("linuxboot: boot_linux_from_drive: %w", err)
		}
		dirObjectID = 256
	} else {
		dirObjectID = core.ObjectID
	}

	boot, err := nav.FindFileInDir(fsRoot, dirObjectID, "Boot")
	if err != nil {
		return fmt.Errorf("linuxboot: boot_linux_from_drive: %w", err)
	}

	kernel, err := nav.FindFileInDir(fsRoot, boot.ObjectID, "vmlinuz-linux")
	if err != nil {
		return fmt.Errorf("linuxboot: boot_linux_from_drive: %w", err)
	}

	var initrdData []byte
	if initrdEntry, err := nav.FindFileInDir(fsRoot, boot.ObjectID, "initramfs-linux.img"); err == nil {
		dlog.Info(ctx, "linuxboot: found initramfs-linux.img, loading")
		initrdData, err = nav.ReadFile(fsRoot, initrdEntry.ObjectID)
		if err != nil {
			return fmt.Errorf("linuxboot: boot_linux_from_drive: read initrd: %w", err)
		}
		dlog.Infof(ctx, "linuxboot: initrd loaded (%d bytes)", len(initrdData))
	}

	dlog.Info(ctx, "linuxboot: reading kernel")
	kernelData, err := nav.ReadFile(fsRoot, kernel.ObjectID)
	if err != nil {
		return fmt.Errorf("linuxboot: boot_linux_from_drive: read kernel: %w", err)
	}
	dlog.Infof(ctx, "linuxboot: kernel loaded (%d bytes)", len(kernelData))

	cmdline := cmdlineOverride
	if cmdline == "" {
		cmdline = fmt.Sprintf(
			"root=UUID=%s root=/dev/vda rw rootfstype=btrfs init=/Core/sbin/init console=ttyS0",
			sb.FSUUID,
		)
	}
	dlog.Infof(ctx, "linuxboot: command line: %s", cmdline)

	return BootFromMemory(ctx, svc.Services, kernelData, initrdData, cmdline)
}

// normalizeFirmwarePath upper-cases nothing, but converts forward
// slashes to the firmware's native back-slash separator and ensures a
// leading back-slash, per §4.6a.
func normalizeFirmwarePath(path string) string {
	path = strings.ReplaceAll(path, "/", `\`)
	if !strings.HasPrefix(path, `\`) {
		path = `\` + path
	}
	return path
}
