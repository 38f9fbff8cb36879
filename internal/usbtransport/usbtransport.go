// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package usbtransport discovers USB devices, drives the Android Open
// Accessory 1.0 handshake against them, and streams bulk-IN reads with
// the transport-level retry policy every higher layer (RDF) relies
// on. This is the one component with no firmware-protocol counterpart
// to wrap: there is no Go EFI_USB_IO_PROTOCOL binding in the corpus
// any more than there's a Go UEFI binding generally, but unlike the
// rest of this bootloader's firmware surface, USB device access has a
// mature, portable Go library in google/gousb, so this package talks
// to it directly instead of routing through an additional interface
// layer.
package usbtransport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/gousb"
)

// Google's AOA vendor ID and the two PIDs a device renumbers as once
// accessory mode is active.
const (
	GoogleVendorID   = gousb.ID(0x18D1)
	AccessoryPID1    = gousb.ID(0x2D00)
	AccessoryPID2Adb = gousb.ID(0x2D01)
)

// AOA vendor control request codes, per original_source/src/rdf/mod.rs.
const (
	aoaGetProtocol = 51
	aoaSendString  = 52
	aoaStart       = 53
)

// AOA string indices, in the order the handshake must send them.
const (
	aoaIdxManufacturer = 0
	aoaIdxModel        = 1
	aoaIdxDescription  = 2
	aoaIdxVersion      = 3
	aoaIdxURI          = 4
	aoaIdxSerial       = 5
)

// Strings is the six NUL-terminated ASCII accessory-identification
// strings sent during the AOA handshake, indexed 0..5
// (manufacturer/model/description/version/uri/serial).
type Strings struct {
	Manufacturer string
	Model        string
	Description  string
	Version      string
	URI          string
	Serial       string
}

// DefaultStrings is the accessory identity Rignite presents during the
// AOA handshake, matching the literal strings the original sends via
// aoa_send_string.
var DefaultStrings = Strings{
	Manufacturer: "Rignite",
	Model:        "RDF",
	Description:  "Rignite Device Flasher",
	Version:      "1.0",
	URI:          "https://rignite.io",
	Serial:       "1234567890",
}

func (s Strings) ordered() [6]string {
	return [6]string{s.Manufacturer, s.Model, s.Description, s.Version, s.URI, s.Serial}
}

// UsbDevice identifies one enumerated USB device, mirroring
// original_source/src/rdf/mod.rs's UsbDevice (handle/vid/pid).
type UsbDevice struct {
	VID gousb.ID
	PID gousb.ID

	desc *gousb.DeviceDesc
}

// ErrNoBulkInEndpoint is returned when a device's active interface
// exposes no bulk-IN endpoint to read from.
var ErrNoBulkInEndpoint = errors.New("usbtransport: no bulk-IN endpoint on active interface")

// ErrNoProgress is returned by BulkReadRetry when every retry attempt
// timed out without reading any bytes.
var ErrNoProgress = errors.New("usbtransport: bulk read timed out with no progress after all retries")

// Transport owns the libusb context enumeration happens through.
type Transport struct {
	ctx *gousb.Context
}

// New opens a libusb context. Kickstart (original_source's PCI
// class-code scan + connect_controller/EFI_USB2_HC_PROTOCOL dance) has
// no equivalent here: gousb talks to devices the host kernel has
// already enumerated, so there is no lazy firmware USB-bus driver to
// force-load.
func New() *Transport {
	return &Transport{ctx: gousb.NewContext()}
}

// Close releases the libusb context.
func (t *Transport) Close() error {
	return t.ctx.Close()
}

// Enumerate lists every currently attached USB device, matching §4.7's
// "list all handles exposing a USB-I/O protocol and return
// {handle, vid, pid} per device descriptor".
func (t *Transport) Enumerate() ([]UsbDevice, error) {
	var found []UsbDevice
	devs, err := t.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		found = append(found, UsbDevice{VID: desc.Vendor, PID: desc.Product, desc: desc})
		return false // never keep them open during enumeration
	})
	for _, d := range devs {
		_ = d.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("usbtransport: enumerate: %w", err)
	}
	return found, nil
}

// IsAccessory reports whether d is already enumerated as a Google
// accessory (no AOA handshake needed).
func (d UsbDevice) IsAccessory() bool {
	return d.VID == GoogleVendorID && (d.PID == AccessoryPID1 || d.PID == AccessoryPID2Adb)
}

// Device is an opened, interface-claimed USB device with its active
// bulk-IN endpoint selected, ready for AOA handshake or streaming
// reads.
type Device struct {
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	epIn   *gousb.InEndpoint
	retries int
	backoff time.Duration
}

const (
	defaultRetries = 5
	defaultBackoff = 50 * time.Millisecond
)

// Open claims configuration 1, interface 0 alt-setting 0 of d, and
// selects the first bulk-IN endpoint on it, per §4.7's "iterate
// endpoints, pick the first whose address has the IN bit set and
// whose attributes encode bulk transfer".
func (t *Transport) Open(d UsbDevice) (*Device, error) {
	dev, err := t.ctx.OpenDeviceWithVIDPID(int(d.VID), int(d.PID))
	if err != nil {
		return nil, fmt.Errorf("usbtransport: open %04x:%04x: %w", d.VID, d.PID, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("usbtransport: open %04x:%04x: %w", d.VID, d.PID, gousb.ErrorNotFound)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("usbtransport: config: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, fmt.Errorf("usbtransport: interface: %w", err)
	}

	epIn, err := firstBulkInEndpoint(intf)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return nil, err
	}

	return &Device{
		dev: dev, cfg: cfg, intf: intf, epIn: epIn,
		retries: defaultRetries, backoff: defaultBackoff,
	}, nil
}

func firstBulkInEndpoint(intf *gousb.Interface) (*gousb.InEndpoint, error) {
	num, ok := selectBulkInEndpoint(intf.Setting.Endpoints)
	if !ok {
		return nil, ErrNoBulkInEndpoint
	}
	return intf.InEndpoint(num)
}

// selectBulkInEndpoint picks the lowest-numbered bulk-IN endpoint out
// of a device's advertised endpoints, split out from
// firstBulkInEndpoint so the selection policy is testable without a
// live USB device.
func selectBulkInEndpoint(endpoints map[gousb.EndpointAddress]gousb.EndpointDesc) (int, bool) {
	best := -1
	for addr, ep := range endpoints {
		if ep.Direction != gousb.EndpointDirectionIn {
			continue
		}
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if best == -1 || ep.Number < best {
			best = ep.Number
		}
		_ = addr
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// Close releases the interface, configuration, and device in that
// order, as guiperry-HASHER's USBDevice.Close does.
func (d *Device) Close() error {
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	if d.dev != nil {
		return d.dev.Close()
	}
	return nil
}

// controlIn issues a vendor IN control request with the given request
// code and length, matching aoa_validate_protocol's request shape.
func (d *Device) controlIn(request uint8, value, index uint16, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := d.dev.Control(0xC0, request, value, index, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// controlOut issues a vendor OUT control request carrying data,
// matching aoa_send_string/aoa_start's request shape.
func (d *Device) controlOut(request uint8, value, index uint16, data []byte) error {
	_, err := d.dev.Control(0x40, request, value, index, data)
	return err
}

// AOAHandshake performs §4.7's Android Open Accessory handshake: read
// the 2-byte protocol version; if it supports AOA (version >= 1), send
// the six identification strings at indices 0..5, then request
// accessory start. The device is expected to disconnect and renumerate
// under one of the accessory PIDs; the caller re-enumerates to find it.
func (d *Device) AOAHandshake(ctx context.Context, strings Strings) error {
	versionBytes, err := d.controlIn(aoaGetProtocol, 0, 0, 2)
	if err != nil {
		return fmt.Errorf("usbtransport: aoa_get_protocol: %w", err)
	}
	version := uint16(versionBytes[0]) | uint16(versionBytes[1])<<8
	if version < 1 {
		return fmt.Errorf("usbtransport: device does not support AOA (protocol=%d)", version)
	}
	dlog.Infof(ctx, "usbtransport: AOA protocol version %d", version)

	for i, s := range strings.ordered() {
		payload := append([]byte(s), 0)
		if err := d.controlOut(aoaSendString, 0, uint16(i), payload); err != nil {
			return fmt.Errorf("usbtransport: aoa_send_string(%d): %w", i, err)
		}
	}

	if err := d.controlOut(aoaStart, 0, 0, nil); err != nil {
		return fmt.Errorf("usbtransport: aoa_start: %w", err)
	}
	return nil
}

// BulkReadRetry reads into buf with a per-attempt timeout, retrying up
// to the device's retry budget with a fixed back-off on any error, per
// §4.7's "Bulk-IN with retry". A zero-length read counts as "no data,
// try again", not as an error or EOF. If every attempt exhausts the
// timeout with zero bytes read, it returns ErrNoProgress; callers
// loop (scanning) or return (streaming) on that, per §4.8.
func (d *Device) BulkReadRetry(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		n, err := d.bulkReadOnce(ctx, buf, timeout)
		if err == nil {
			if n == 0 {
				lastErr = nil
				time.Sleep(d.backoff)
				continue
			}
			return n, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(d.backoff):
		}
	}
	if lastErr != nil {
		return 0, fmt.Errorf("usbtransport: bulk read: %w", lastErr)
	}
	return 0, ErrNoProgress
}

func (d *Device) bulkReadOnce(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	n, err := d.epIn.ReadContext(readCtx, buf)
	if err != nil && n == 0 && ctx.Err() == nil && readCtx.Err() != nil {
		// The per-attempt timeout expired with nothing read: report it
		// as a zero-length read rather than as an error.
		return 0, nil
	}
	return n, err
}
