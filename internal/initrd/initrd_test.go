// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package initrd_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.rignite.dev/rignite/internal/firmware"
	"go.rignite.dev/rignite/internal/hostfw"
	"go.rignite.dev/rignite/internal/initrd"
)

func TestDevicePathShape(t *testing.T) {
	t.Parallel()

	dp := initrd.DevicePath()
	require.Len(t, dp, 2)
	assert.Equal(t, uint8(0x04), dp[0].Type)
	assert.Equal(t, uint8(0x03), dp[0].SubType)
	assert.Equal(t, initrd.DevicePathGUID[:], dp[0].Data)
	assert.Equal(t, firmware.EndEntireDevicePath, dp[1])
}

func TestInstallAndReadBack(t *testing.T) {
	t.Parallel()

	installer := hostfw.NewProtocolInstaller()
	payload := []byte("cpio-initrd-bytes")
	require.NoError(t, initrd.Install(installer, payload))

	dp, fn := installer.Installed()
	assert.Equal(t, initrd.DevicePath(), dp)
	require.NotNil(t, fn)

	var size uint64 = 1024
	buf := make([]byte, size)
	require.NoError(t, fn(&size, buf))
	assert.Equal(t, uint64(len(payload)), size)
	assert.Equal(t, payload, buf[:size])
}

func TestLoadFile2NilSizePointer(t *testing.T) {
	t.Parallel()

	installer := hostfw.NewProtocolInstaller()
	require.NoError(t, initrd.Install(installer, []byte("x")))
	_, fn := installer.Installed()

	err := fn(nil, nil)
	assert.ErrorIs(t, err, firmware.ErrInvalidParameter)
}

func TestLoadFile2BufferTooSmall(t *testing.T) {
	t.Parallel()

	installer := hostfw.NewProtocolInstaller()
	payload := []byte("0123456789")
	require.NoError(t, initrd.Install(installer, payload))
	_, fn := installer.Installed()

	var size uint64 = 2
	buf := make([]byte, 2)
	err := fn(&size, buf)
	assert.ErrorIs(t, err, firmware.ErrBufferTooSmall)
	assert.Equal(t, uint64(len(payload)), size)
}

func TestLoadFile2NilBufferReportsSize(t *testing.T) {
	t.Parallel()

	installer := hostfw.NewProtocolInstaller()
	payload := []byte("0123456789")
	require.NoError(t, initrd.Install(installer, payload))
	_, fn := installer.Installed()

	var size uint64 = 100
	err := fn(&size, nil)
	assert.ErrorIs(t, err, firmware.ErrBufferTooSmall)
	assert.Equal(t, uint64(len(payload)), size)
}
