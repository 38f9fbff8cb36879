// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command rignite-boot wires the production bootctl state machine
// against hostfw's os.File-backed firmware implementation, so the
// whole probe → navigate → validate → hand-off pipeline (plus the USB
// recovery path) is exercisable and testable on a workstation. A real
// firmware port replaces hostfw with bindings against the platform's
// actual EFI protocols and calls the same internal/bootctl.Controller.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"go.rignite.dev/rignite/internal/bootctl"
	"go.rignite.dev/rignite/internal/firmware"
	"go.rignite.dev/rignite/internal/hostfw"
	"go.rignite.dev/rignite/internal/rbc"
	"go.rignite.dev/rignite/internal/usbtransport"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

// stdinEventSource is a headless-friendly EventSource: the splash
// chord is never observed automatically (AutoBoot and the RunixOS
// label drive the common path), and the menu is driven by single-line
// commands read from stdin — a stand-in for the splash/menu renderer
// and keyboard-chord reader the specification puts out of scope.
type stdinEventSource struct {
	lines *bufio.Scanner
}

func newStdinEventSource() *stdinEventSource {
	return &stdinEventSource{lines: bufio.NewScanner(os.Stdin)}
}

func (s *stdinEventSource) WaitChord(_ context.Context, _ time.Duration) bool {
	return false
}

func (s *stdinEventSource) WaitMenuChoice(ctx context.Context) (bootctl.MenuChoice, error) {
	fmt.Fprintln(os.Stderr, "menu: drive <n> | efi <n> <path> | firmware-settings | reboot | shutdown | recovery")
	for s.lines.Scan() {
		fields := strings.Fields(s.lines.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "drive":
			if len(fields) != 2 {
				fmt.Fprintln(os.Stderr, "usage: drive <handle>")
				continue
			}
			n, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			return bootctl.MenuChoice{Kind: bootctl.ChoiceDrive, DriveHandle: firmware.Handle(n)}, nil
		case "efi":
			if len(fields) != 3 {
				fmt.Fprintln(os.Stderr, "usage: efi <handle> <path>")
				continue
			}
			n, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			return bootctl.MenuChoice{Kind: bootctl.ChoiceEfiFile, DriveHandle: firmware.Handle(n), EfiFilePath: fields[2]}, nil
		case "firmware-settings":
			return bootctl.MenuChoice{Kind: bootctl.ChoiceFirmwareSettings}, nil
		case "reboot":
			return bootctl.MenuChoice{Kind: bootctl.ChoiceReboot}, nil
		case "shutdown":
			return bootctl.MenuChoice{Kind: bootctl.ChoiceShutdown}, nil
		case "recovery":
			return bootctl.MenuChoice{Kind: bootctl.ChoiceRecovery}, nil
		default:
			fmt.Fprintf(os.Stderr, "unrecognized command %q\n", fields[0])
		}
	}
	if err := s.lines.Err(); err != nil {
		return bootctl.MenuChoice{}, err
	}
	return bootctl.MenuChoice{}, fmt.Errorf("rignite-boot: stdin closed without a menu choice")
}

func main() {
	logLevel := logLevelFlag{Level: logrus.InfoLevel}
	var drivesFlag []string
	var blockSize int64
	var rbcPath string

	argparser := &cobra.Command{
		Use:   "rignite-boot [flags]",
		Short: "Run the Rignite boot controller against host-backed firmware",

		Args: cliutil.WrapPositionalArgs(cobra.NoArgs),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.Flags().Var(&logLevel, "verbosity", "set the verbosity")
	argparser.Flags().StringArrayVar(&drivesFlag, "drive", nil, "register `path` as a drive, in the order given, starting at handle 1")
	argparser.Flags().Int64Var(&blockSize, "block-size", 512, "block size of the registered drives")
	argparser.Flags().StringVar(&rbcPath, "rbc", "", "path to a signed boot.rbc configuration blob")
	if err := argparser.MarkFlagFilename("rbc"); err != nil {
		panic(err)
	}

	argparser.RunE = func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		drives := hostfw.NewDriveSet()
		for i, path := range drivesFlag {
			dev, err := hostfw.NewBlockDevice(path, blockSize, 1)
			if err != nil {
				return fmt.Errorf("rignite-boot: %w", err)
			}
			drives.Add(firmware.Handle(i+1), dev)
		}

		var cfg *rbc.OwnedConfig
		if rbcPath != "" {
			data, err := os.ReadFile(rbcPath)
			if err != nil {
				return fmt.Errorf("rignite-boot: %w", err)
			}
			cfg, err = rbc.Load(data)
			if err != nil {
				return fmt.Errorf("rignite-boot: %w", err)
			}
		}

		images := hostfw.NewImageServices(func(img *hostfw.LoadedImage) error {
			dlog.Infof(ctx, "rignite-boot: handoff reached: loaded image of %d bytes, options=%q",
				len(img.SourceBuffer), string(img.LoadOptions))
			return nil
		})

		transport := usbtransport.New()
		defer transport.Close() //nolint:errcheck

		svc := bootctl.Services{
			Drives:      drives,
			DriveLister: drives,
			Variables:   hostfw.NewVariables(),
			Images:      images,
			Installer:   hostfw.NewProtocolInstaller(),
			Transport:   transport,
			Events:      newStdinEventSource(),
			Config:      cfg,
		}

		controller := bootctl.New(svc)

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
		grp.Go("bootctl", controller.Run)
		return grp.Wait()
	}

	logger := logrus.New()
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))
	argparser.PersistentPreRun = func(*cobra.Command, []string) {
		logger.SetLevel(logLevel.Level)
	}

	if err := argparser.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
