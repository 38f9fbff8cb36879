// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package hostfw_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.rignite.dev/rignite/internal/diskio"
	"go.rignite.dev/rignite/internal/firmware"
	"go.rignite.dev/rignite/internal/hostfw"
)

func TestBlockDeviceReadBlocks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	dev, err := hostfw.NewBlockDevice(path, 512, 1)
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, int64(7), dev.LastBlock())

	out := make([]byte, 512)
	require.NoError(t, dev.ReadBlocks(2, out))
	assert.Equal(t, data[1024:1536], out)

	err = dev.ReadBlocks(0, make([]byte, 10))
	assert.ErrorIs(t, err, diskio.ErrBadAlignment)
}

func TestFileSystemReadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "EFI", "RovelStars", "CONF"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "EFI", "RovelStars", "CONF", "boot.rbc"), []byte("config"), 0o644))

	volumeDP := []firmware.DevicePathNode{{Type: 4, SubType: 1, Data: []byte{0x01}}}
	fs := hostfw.NewFileSystem(dir, volumeDP)

	dat, err := fs.ReadFile(`\EFI\RovelStars\CONF\boot.rbc`)
	require.NoError(t, err)
	assert.Equal(t, "config", string(dat))
	assert.Equal(t, volumeDP, fs.RootDevicePath())

	_, err = fs.ReadFile(`\nonexistent`)
	assert.True(t, errors.Is(err, firmware.ErrNotFound))
}

func TestImageServicesLoadAndStart(t *testing.T) {
	t.Parallel()

	var started *hostfw.LoadedImage
	svc := hostfw.NewImageServices(func(img *hostfw.LoadedImage) error {
		started = img
		return nil
	})

	h, li, err := svc.LoadImage(0, nil, []byte("kernel"))
	require.NoError(t, err)
	li.SetLoadOptions(firmware.LoadOptions("console=ttyS0"))

	require.NoError(t, svc.StartImage(h))
	require.NotNil(t, started)
	assert.Equal(t, []byte("kernel"), started.SourceBuffer)
	assert.Equal(t, firmware.LoadOptions("console=ttyS0"), started.LoadOptions)

	_, _, err = svc.LoadImage(0, nil, nil)
	assert.ErrorIs(t, err, firmware.ErrInvalidParameter)

	require.NoError(t, svc.ResetTextConsole())
	require.NoError(t, svc.ColdReset())
	assert.Equal(t, 1, svc.Resets)
	assert.Equal(t, 1, svc.ColdRst)
}

func TestVariablesRoundTrip(t *testing.T) {
	t.Parallel()

	v := hostfw.NewVariables()
	require.NoError(t, v.SetVariable("OsIndications", firmware.GlobalVariableGUID,
		firmware.VarNonVolatile|firmware.VarBootserviceAccess|firmware.VarRuntimeAccess,
		[]byte{0x01, 0, 0, 0, 0, 0, 0, 0}))

	data, attrs, ok := v.Get("OsIndications", firmware.GlobalVariableGUID)
	require.True(t, ok)
	assert.Equal(t, byte(1), data[0])
	assert.Equal(t, firmware.VarNonVolatile|firmware.VarBootserviceAccess|firmware.VarRuntimeAccess, attrs)
}

func TestProtocolInstaller(t *testing.T) {
	t.Parallel()

	p := hostfw.NewProtocolInstaller()
	dp := []firmware.DevicePathNode{firmware.EndEntireDevicePath}
	require.NoError(t, p.InstallLoadFile2(dp, func(sz *uint64, buf []byte) error {
		*sz = 3
		if len(buf) < 3 {
			return firmware.ErrBufferTooSmall
		}
		copy(buf, "abc")
		return nil
	}))

	gotDP, fn := p.Installed()
	assert.Equal(t, dp, gotDP)

	var sz uint64
	err := fn(&sz, nil)
	assert.ErrorIs(t, err, firmware.ErrBufferTooSmall)
	assert.Equal(t, uint64(3), sz)

	buf := make([]byte, 3)
	require.NoError(t, fn(&sz, buf))
	assert.Equal(t, "abc", string(buf))
}
