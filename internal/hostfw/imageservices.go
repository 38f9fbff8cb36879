// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package hostfw

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.rignite.dev/rignite/internal/firmware"
)

// StartFunc is called by ImageServices.StartImage in place of
// transferring control to a real kernel/EFI application. A production
// firmware port never returns from a successful Linux boot; the host
// simulation instead hands the loaded image's buffer, device path, and
// load options to test code so the handoff is observable.
type StartFunc func(img *LoadedImage) error

// ImageServices is a host-backed firmware.ImageServices: it records
// every LoadImage call and, on StartImage, invokes a test-supplied
// StartFunc instead of executing anything.
type ImageServices struct {
	mu      sync.Mutex
	next    atomic.Uint64
	images  map[firmware.Handle]*LoadedImage
	Start         StartFunc
	Resets        int
	ColdRst       int
	ShutdownCount int
}

var _ firmware.ImageServices = (*ImageServices)(nil)

// LoadedImage is the host-backed firmware.LoadedImage: it records both
// how the image was loaded and the load options later attached to it.
type LoadedImage struct {
	Parent       firmware.Handle
	DevicePath   []firmware.DevicePathNode
	SourceBuffer []byte
	LoadOptions  firmware.LoadOptions
}

func (img *LoadedImage) SetLoadOptions(opts firmware.LoadOptions) {
	img.LoadOptions = opts
}

// NewImageServices constructs an ImageServices whose StartImage calls
// start when invoked.
func NewImageServices(start StartFunc) *ImageServices {
	return &ImageServices{images: make(map[firmware.Handle]*LoadedImage), Start: start}
}

func (s *ImageServices) LoadImage(parent firmware.Handle, devicePath []firmware.DevicePathNode, sourceBuffer []byte) (firmware.Handle, firmware.LoadedImage, error) {
	if devicePath == nil && sourceBuffer == nil {
		return 0, nil, fmt.Errorf("hostfw: LoadImage: %w", firmware.ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := firmware.Handle(s.next.Add(1))
	img := &LoadedImage{Parent: parent, DevicePath: devicePath, SourceBuffer: sourceBuffer}
	s.images[h] = img
	return h, img, nil
}

func (s *ImageServices) StartImage(h firmware.Handle) error {
	s.mu.Lock()
	img, ok := s.images[h]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("hostfw: StartImage(%v): %w", h, firmware.ErrNotFound)
	}
	if s.Start == nil {
		return nil
	}
	return s.Start(img)
}

func (s *ImageServices) ResetTextConsole() error {
	s.mu.Lock()
	s.Resets++
	s.mu.Unlock()
	return nil
}

func (s *ImageServices) ColdReset() error {
	s.mu.Lock()
	s.ColdRst++
	s.mu.Unlock()
	return nil
}

func (s *ImageServices) Shutdown() error {
	s.mu.Lock()
	s.ShutdownCount++
	s.mu.Unlock()
	return nil
}
