// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bootctl implements §4.9's top-level state machine: splash,
// the chord-gated confirm step, auto-boot target selection, the
// interactive menu's action dispatch, and the USB recovery loop. It
// deliberately knows nothing about pixels, fonts, or icons — those are
// out of scope per the specification this machine comes from — and is
// driven entirely through the EventSource interface and the firmware
// services bundled in Services,
// the same boundary the original draws between efi_main's state logic
// and its UefiDisplay/FontRenderer/Icon rendering helpers.
package bootctl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"

	"go.rignite.dev/rignite/internal/btrfsnav"
	"go.rignite.dev/rignite/internal/diskio"
	"go.rignite.dev/rignite/internal/firmware"
	"go.rignite.dev/rignite/internal/linuxboot"
	"go.rignite.dev/rignite/internal/rbc"
	"go.rignite.dev/rignite/internal/rdf"
	"go.rignite.dev/rignite/internal/usbtransport"
)

// State is one node of the §4.9 state table.
type State int

const (
	StateSplash State = iota
	StateConfirmMenu
	StateAutoBoot
	StateMenu
	StateHandoff
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateSplash:
		return "Splash"
	case StateConfirmMenu:
		return "ConfirmMenu"
	case StateAutoBoot:
		return "AutoBoot"
	case StateMenu:
		return "Menu"
	case StateHandoff:
		return "Handoff"
	case StateRecovery:
		return "Recovery"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Timings, per §4.9's entry column.
const (
	IdleTimeout    = 2 * time.Second
	ConfirmTimeout = 5 * time.Second
)

// DefaultLabel is the Btrfs label that marks the default auto-boot
// volume, per §6's "Label RunixOS selects the default auto-boot target".
const DefaultLabel = "RunixOS"

// MenuChoiceKind identifies what the user picked out of the Menu
// state. The menu's own rendering and cursor movement are out of
// scope; this is the single point where a completed choice crosses
// into the state machine.
type MenuChoiceKind int

const (
	ChoiceDrive MenuChoiceKind = iota
	ChoiceEfiFile
	ChoiceFirmwareSettings
	ChoiceReboot
	ChoiceShutdown
	ChoiceRecovery
)

// MenuChoice is one completed Menu selection.
type MenuChoice struct {
	Kind        MenuChoiceKind
	DriveHandle firmware.Handle
	EfiFilePath string
}

// EventSource is the boundary between this state machine and whatever
// actually draws the splash/menu and reads the keyboard — out of
// scope per the specification, and therefore abstracted away entirely.
type EventSource interface {
	// WaitChord blocks up to timeout for the splash-screen
	// cancellation gesture (Up+Down), returning true if it was seen.
	WaitChord(ctx context.Context, timeout time.Duration) bool
	// WaitMenuChoice blocks until the user completes a menu selection.
	WaitMenuChoice(ctx context.Context) (MenuChoice, error)
}

// OsIndicationsBootToFwUI is the EFI_OS_INDICATIONS bit that requests
// the platform present its firmware setup UI on the next boot.
const OsIndicationsBootToFwUI uint64 = 0x1

// osIndicationsName is "OsIndications" as a variable name; kept as a
// plain string since firmware.Variables.SetVariable takes one (the
// UTF-16 CStr16 conversion the original needs is a firmware binding
// detail, not a state-machine concern).
const osIndicationsName = "OsIndications"

// Services bundles every dependency the controller drives. A
// production wiring supplies firmware/hostfw implementations for all
// of these; tests substitute fakes.
type Services struct {
	Drives      firmware.BlockIOByHandle
	DriveLister firmware.DriveEnumerator
	FS          firmware.FileSystemByHandle
	Variables   firmware.Variables
	Images      firmware.ImageServices
	Installer   firmware.ProtocolInstaller
	Transport   *usbtransport.Transport
	Events      EventSource
	Config      *rbc.OwnedConfig // nil if no boot.rbc was found/valid
}

// Controller runs the §4.9 state machine to completion: every path
// out of Run either hands off to a kernel (which, on real firmware,
// never returns control here) or resets the platform.
type Controller struct {
	svc Services
}

// New builds a Controller over svc.
func New(svc Services) *Controller {
	return &Controller{svc: svc}
}

// Run drives the state machine starting at Splash until a terminal
// action (successful handoff, firmware-settings reset, reboot, or
// shutdown) is reached, or ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	state := StateSplash
	for {
		dlog.Infof(ctx, "bootctl: entering state %s", state)
		var next State
		var err error
		switch state {
		case StateSplash:
			next, err = c.runSplash(ctx)
		case StateConfirmMenu:
			next, err = c.runConfirmMenu(ctx)
		case StateAutoBoot:
			next, err = c.runAutoBoot(ctx)
		case StateMenu:
			next, err = c.runMenu(ctx)
		case StateRecovery:
			next, err = c.runRecovery(ctx)
		case StateHandoff:
			return nil
		default:
			return fmt.Errorf("bootctl: unreachable state %s", state)
		}
		if err != nil {
			return err
		}
		state = next
	}
}

func (c *Controller) runSplash(ctx context.Context) (State, error) {
	if c.svc.Events.WaitChord(ctx, IdleTimeout) {
		return StateConfirmMenu, nil
	}
	return StateAutoBoot, nil
}

func (c *Controller) runConfirmMenu(ctx context.Context) (State, error) {
	if c.svc.Events.WaitChord(ctx, ConfirmTimeout) {
		return StateMenu, nil
	}
	return StateAutoBoot, nil
}

// runAutoBoot looks for a Btrfs volume labeled DefaultLabel among the
// enumerated drives and, if found, hands off to it directly; otherwise
// falls through to the interactive Menu, per §4.9's AutoBoot row.
func (c *Controller) runAutoBoot(ctx context.Context) (State, error) {
	handle, ok := c.findDefaultDrive(ctx)
	if !ok {
		dlog.Info(ctx, "bootctl: no default (label RunixOS) volume found, falling back to menu")
		return StateMenu, nil
	}
	if err := c.bootDrive(ctx, handle); err != nil {
		dlog.Errorf(ctx, "bootctl: auto-boot failed: %v", err)
		return StateMenu, nil
	}
	return StateHandoff, nil
}

func (c *Controller) findDefaultDrive(ctx context.Context) (firmware.Handle, bool) {
	if c.svc.DriveLister == nil {
		return 0, false
	}
	for _, h := range c.svc.DriveLister.ListDrives() {
		block, ok := c.svc.Drives.BlockIO(h)
		if !ok {
			continue
		}
		nav, ok, err := btrfsnav.Probe(diskio.NewBlockReader(block))
		if err != nil || !ok {
			continue
		}
		if labelString(nav.Superblock().Label) == DefaultLabel {
			return h, true
		}
	}
	return 0, false
}

func labelString(label [0x100]byte) string {
	n := 0
	for n < len(label) && label[n] != 0 {
		n++
	}
	return string(label[:n])
}

// runMenu waits for one user selection and dispatches it, per §4.9's
// Menu row. Firmware-settings, reboot, and shutdown are terminal
// platform resets and never return to the caller on real firmware;
// bootDrive/chainload failures fall back to Menu again.
func (c *Controller) runMenu(ctx context.Context) (State, error) {
	choice, err := c.svc.Events.WaitMenuChoice(ctx)
	if err != nil {
		return 0, fmt.Errorf("bootctl: menu: %w", err)
	}
	switch choice.Kind {
	case ChoiceDrive:
		if err := c.bootDrive(ctx, choice.DriveHandle); err != nil {
			dlog.Errorf(ctx, "bootctl: boot drive failed: %v", err)
			return StateMenu, nil
		}
		return StateHandoff, nil
	case ChoiceEfiFile:
		if err := c.chainload(ctx, choice.DriveHandle, choice.EfiFilePath); err != nil {
			dlog.Errorf(ctx, "bootctl: chainload failed: %v", err)
			return StateMenu, nil
		}
		return StateHandoff, nil
	case ChoiceFirmwareSettings:
		return StateHandoff, c.rebootToFirmwareSettings(ctx)
	case ChoiceReboot:
		return StateHandoff, c.svc.Images.ColdReset()
	case ChoiceShutdown:
		return StateHandoff, c.svc.Images.Shutdown()
	case ChoiceRecovery:
		return StateRecovery, nil
	default:
		return 0, fmt.Errorf("bootctl: unknown menu choice %d", choice.Kind)
	}
}

// rebootToFirmwareSettings implements §6's firmware-settings action:
// set OsIndications bit 0, then cold reset, exactly as the original
// does — including falling through to a plain cold reset if the
// variable write fails, rather than leaving the user stuck.
func (c *Controller) rebootToFirmwareSettings(ctx context.Context) error {
	attrs := firmware.VarBootserviceAccess | firmware.VarRuntimeAccess | firmware.VarNonVolatile
	var buf [8]byte
	buf[0] = byte(OsIndicationsBootToFwUI)
	if err := c.svc.Variables.SetVariable(osIndicationsName, firmware.GlobalVariableGUID, attrs, buf[:]); err != nil {
		dlog.Warnf(ctx, "bootctl: failed to set OsIndications: %v, doing normal reboot", err)
	} else {
		dlog.Info(ctx, "bootctl: OsIndications set, cold-resetting to firmware UI")
	}
	return c.svc.Images.ColdReset()
}

func (c *Controller) bootDrive(ctx context.Context, handle firmware.Handle) error {
	block, ok := c.svc.Drives.BlockIO(handle)
	if !ok {
		return fmt.Errorf("bootctl: %w: handle %v", linuxboot.ErrUnsupportedVolume, handle)
	}
	svc := linuxboot.DriveServices{
		Services: linuxboot.Services{Images: c.svc.Images, Installer: c.svc.Installer},
		Block:    driveResolver{handle: handle, block: block},
	}
	cmdlineOverride := c.kernelParamsOverride()
	return linuxboot.BootLinuxFromDrive(ctx, svc, handle, cmdlineOverride)
}

// kernelParamsOverride returns the RBC main-kernel-params override, if
// a boot.rbc was loaded and carries one.
func (c *Controller) kernelParamsOverride() string {
	if c.svc.Config == nil {
		return ""
	}
	params, err := c.svc.Config.View().GetMainKernelParams()
	if err != nil {
		return ""
	}
	return params
}

func (c *Controller) chainload(ctx context.Context, handle firmware.Handle, path string) error {
	if c.svc.FS == nil {
		return errors.New("bootctl: chainload: no filesystem service configured")
	}
	fs, ok := c.svc.FS.SimpleFileSystem(handle)
	if !ok {
		return fmt.Errorf("bootctl: chainload: handle %v exposes no filesystem", handle)
	}
	svc := linuxboot.DriveServices{
		Services: linuxboot.Services{Images: c.svc.Images, Installer: c.svc.Installer},
	}
	return linuxboot.BootEfiApp(ctx, svc, fs, path)
}

// runRecovery implements §4.9's Recovery row: poll for a USB device,
// drive it through AOA and RDF, and hand the recovered image off from
// memory. A device that isn't yet accessible, or fails mid-handshake,
// is retried every second rather than treated as fatal — recovery mode
// only exits on success or context cancellation.
func (c *Controller) runRecovery(ctx context.Context) (State, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		dev, ok, err := c.pollRecoveryDevice(ctx)
		if err != nil {
			dlog.Warnf(ctx, "bootctl: recovery poll failed: %v", err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(1 * time.Second):
				continue
			}
		}

		image, err := rdf.Receive(ctx, dev, nil)
		if err != nil {
			dlog.Errorf(ctx, "bootctl: recovery download failed: %v", err)
			continue
		}
		if err := linuxboot.BootFromMemory(ctx, linuxboot.Services{Images: c.svc.Images, Installer: c.svc.Installer},
			image, nil, linuxboot.DefaultConsole); err != nil {
			dlog.Errorf(ctx, "bootctl: recovery boot_from_memory failed: %v", err)
			continue
		}
		return StateHandoff, nil
	}
}

// pollRecoveryDevice enumerates attached USB devices, opens the first
// one, and drives it through the AOA handshake if it isn't already in
// accessory mode, per §4.7.
func (c *Controller) pollRecoveryDevice(ctx context.Context) (*usbtransport.Device, bool, error) {
	devices, err := c.svc.Transport.Enumerate()
	if err != nil {
		return nil, false, err
	}
	if len(devices) == 0 {
		return nil, false, nil
	}

	for _, d := range devices {
		dev, err := c.svc.Transport.Open(d)
		if err != nil {
			continue
		}
		if !d.IsAccessory() {
			if err := dev.AOAHandshake(ctx, usbtransport.DefaultStrings); err != nil {
				dlog.Warnf(ctx, "bootctl: AOA handshake failed for %04x:%04x: %v", d.VID, d.PID, err)
				dev.Close()
				continue
			}
			// Device disconnects and re-enumerates under an
			// accessory PID; this poll iteration yields and the
			// caller retries in one second.
			dev.Close()
			return nil, false, nil
		}
		return dev, true, nil
	}
	return nil, false, nil
}

// driveResolver adapts a single already-resolved (handle, BlockIO)
// pair to firmware.BlockIOByHandle, since linuxboot.BootLinuxFromDrive
// takes a resolver rather than a bare BlockIO.
type driveResolver struct {
	handle firmware.Handle
	block  firmware.BlockIO
}

func (r driveResolver) BlockIO(h firmware.Handle) (firmware.BlockIO, bool) {
	if h != r.handle {
		return nil, false
	}
	return r.block, true
}
