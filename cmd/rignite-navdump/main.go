// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command rignite-navdump opens a raw device file (or a regular file
// standing in for one), probes it as Btrfs via internal/btrfsnav, and
// prints what it finds: the superblock, the resolved location of a
// named file, or the file's own content. It exists to exercise the
// navigator end-to-end on a workstation, the way cmd/btrfs-rec's
// inspect subcommands exercise the teacher's own tree walker.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"go.rignite.dev/rignite/internal/btrfsnav"
	"go.rignite.dev/rignite/internal/diskio"
	"go.rignite.dev/rignite/internal/hostfw"
	"go.rignite.dev/rignite/lib/btrfs/btrfsprim"
	"go.rignite.dev/rignite/lib/btrfs/btrfsvol"
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

// openNavigator opens path at blockSize and probes it, returning a
// navigator or a descriptive error if the volume isn't Btrfs.
func openNavigator(path string, blockSize int64) (*btrfsnav.Navigator, error) {
	dev, err := hostfw.NewBlockDevice(path, blockSize, 1)
	if err != nil {
		return nil, err
	}
	nav, ok, err := btrfsnav.Probe(diskio.NewBlockReader(dev))
	if err != nil {
		return nil, fmt.Errorf("probe %q: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("probe %q: not a Btrfs volume (bad superblock magic)", path)
	}
	return nav, nil
}

// navigateToPath resolves a /-separated path relative to the
// top-level FS tree's root directory (objectid 256), crossing into a
// subvolume whenever an intermediate component names one — the same
// walk BootLinuxFromDrive does for "Core/Boot/vmlinuz-linux", but
// generalized to an arbitrary depth and an arbitrary final type.
func navigateToPath(nav *btrfsnav.Navigator, path string) (btrfsnav.DirEntryLocation, error) {
	loc, _, err := navigateToFileInSubvol(nav, path)
	return loc, err
}

// navigateToFileInSubvol is like navigateToPath, but also returns the
// logical address of the FS-tree root of the subvolume the final
// component was found in, which is what Navigator.ReadFile needs to
// resolve an inode's extents.
func navigateToFileInSubvol(nav *btrfsnav.Navigator, path string) (btrfsnav.DirEntryLocation, btrfsvol.LogicalAddr, error) {
	fsRoot, err := nav.GetTreeRoot(btrfsprim.FS_TREE_OBJECTID)
	if err != nil {
		return btrfsnav.DirEntryLocation{}, 0, err
	}
	dirObjectID := btrfsprim.ObjID(256)

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return btrfsnav.DirEntryLocation{}, 0, fmt.Errorf("navigate: empty path")
	}

	var loc btrfsnav.DirEntryLocation
	for i, part := range parts {
		loc, err = nav.FindFileInDir(fsRoot, dirObjectID, part)
		if err != nil {
			return btrfsnav.DirEntryLocation{}, 0, fmt.Errorf("navigate %q: %w", path, err)
		}
		last := i == len(parts)-1
		switch {
		case loc.ItemType == btrfsprim.ROOT_ITEM_KEY && !last:
			fsRoot, err = nav.GetTreeRoot(loc.ObjectID)
			if err != nil {
				return btrfsnav.DirEntryLocation{}, 0, fmt.Errorf("navigate %q: %w", path, err)
			}
			dirObjectID = 256
		case !last:
			dirObjectID = loc.ObjectID
		}
	}
	return loc, fsRoot, nil
}

func labelString(label [0x100]byte) string {
	n := 0
	for n < len(label) && label[n] != 0 {
		n++
	}
	return string(label[:n])
}

func main() {
	logLevel := logLevelFlag{Level: logrus.InfoLevel}
	var blockSize int64
	var asJSON bool

	argparser := &cobra.Command{
		Use:   "rignite-navdump {[flags]|SUBCOMMAND}",
		Short: "Inspect a Btrfs volume through the Rignite navigator",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevel, "verbosity", "set the verbosity")
	argparser.PersistentFlags().Int64Var(&blockSize, "block-size", 512, "block size of the device or image being read")
	argparser.PersistentFlags().BoolVar(&asJSON, "json", false, "print structured output as JSON instead of Go-syntax")

	logger := logrus.New()
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))

	argparser.PersistentPreRun = func(*cobra.Command, []string) {
		logger.SetLevel(logLevel.Level)
	}

	dumpStruct := func(v any) error {
		if asJSON {
			buffer := bufio.NewWriter(os.Stdout)
			defer buffer.Flush() //nolint:errcheck
			return lowmemjson.Encode(&lowmemjson.ReEncoder{Out: buffer, Indent: "\t"}, v)
		}
		cfg := spew.NewDefaultConfig()
		cfg.DisablePointerAddresses = true
		cfg.Fdump(os.Stdout, v)
		return nil
	}

	argparser.AddCommand(&cobra.Command{
		Use:   "probe DEVICE",
		Short: "Print the superblock of a Btrfs volume",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			nav, err := openNavigator(args[0], blockSize)
			if err != nil {
				return err
			}
			sb := nav.Superblock()
			dlog.Infof(cmd.Context(), "probed %q: label=%q fsid=%v", args[0], labelString(sb.Label), sb.FSUUID)
			return dumpStruct(sb)
		},
	})

	argparser.AddCommand(&cobra.Command{
		Use:   "find DEVICE PATH",
		Short: "Resolve a /-separated path (relative to the volume's top-level root) to an objectid",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			nav, err := openNavigator(args[0], blockSize)
			if err != nil {
				return err
			}
			loc, err := navigateToPath(nav, args[1])
			if err != nil {
				return err
			}
			dlog.Infof(cmd.Context(), "resolved %q: objectid=%v type=%v", args[1], loc.ObjectID, loc.ItemType)
			return dumpStruct(loc)
		},
	})

	argparser.AddCommand(&cobra.Command{
		Use:   "cat DEVICE PATH",
		Short: "Print the content of a regular file, resolved relative to the volume's top-level root",
		Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			nav, err := openNavigator(args[0], blockSize)
			if err != nil {
				return err
			}
			loc, fsRoot, err := navigateToFileInSubvol(nav, args[1])
			if err != nil {
				return err
			}
			if loc.ItemType != btrfsprim.INODE_ITEM_KEY {
				return fmt.Errorf("cat: %q is not a regular file", args[1])
			}
			data, err := nav.ReadFile(fsRoot, loc.ObjectID)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	})

	if err := argparser.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
