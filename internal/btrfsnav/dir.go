// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsnav

import (
	"bytes"
	"errors"
	"fmt"

	"go.rignite.dev/rignite/lib/btrfs/btrfsitem"
	"go.rignite.dev/rignite/lib/btrfs/btrfsprim"
	"go.rignite.dev/rignite/lib/btrfs/btrfstree"
	"go.rignite.dev/rignite/lib/btrfs/btrfsvol"
)

// DirEntryLocation is what find_file_in_dir returns for a matching
// directory entry: the objectid the entry points to, and whether that
// objectid names an inode or the root of a subvolume the caller must
// cross into.
type DirEntryLocation struct {
	ObjectID btrfsprim.ObjID
	ItemType btrfsprim.ItemType // INODE_ITEM_KEY or ROOT_ITEM_KEY
}

// FindFileInDir descends to the left-most leaf of the tree rooted at
// fsRoot and scans every DIR_INDEX_KEY/DIR_ITEM_KEY item owned by
// dirObjectID for one whose embedded name matches name exactly.
func (nav *Navigator) FindFileInDir(fsRoot btrfsvol.LogicalAddr, dirObjectID btrfsprim.ObjID, name string) (DirEntryLocation, error) {
	addr := fsRoot
	for {
		node, err := btrfstree.ReadNode[btrfsvol.LogicalAddr](nav, nav.sb, addr, btrfstree.NodeExpectations{})
		if err != nil {
			return DirEntryLocation{}, fmt.Errorf("btrfsnav: find_file_in_dir(%v, %q): %w", dirObjectID, name, err)
		}
		if node.Head.Level == 0 {
			return nav.scanDirLeaf(node, dirObjectID, name)
		}
		if len(node.BodyInterior) == 0 {
			return DirEntryLocation{}, fmt.Errorf("btrfsnav: find_file_in_dir(%v, %q): interior node@%v has no key pointers", dirObjectID, name, addr)
		}
		addr = node.BodyInterior[0].BlockPtr
	}
}

func (nav *Navigator) scanDirLeaf(node *btrfstree.Node, dirObjectID btrfsprim.ObjID, name string) (DirEntryLocation, error) {
	want := []byte(name)
	for i := range node.BodyLeaf {
		item := &node.BodyLeaf[i]
		if item.Key.ObjectID != dirObjectID {
			continue
		}
		if item.Key.ItemType != btrfsprim.DIR_INDEX_KEY && item.Key.ItemType != btrfsprim.DIR_ITEM_KEY {
			continue
		}
		entry, ok := item.Body.(btrfsitem.DirEntry)
		if !ok {
			continue
		}
		if bytes.Equal(entry.Name, want) {
			return DirEntryLocation{
				ObjectID: entry.Location.ObjectID,
				ItemType: entry.Location.ItemType,
			}, nil
		}
	}
	return DirEntryLocation{}, fmt.Errorf("btrfsnav: find_file_in_dir(%v, %q): %w", dirObjectID, name, errNotFoundInDir)
}

var errNotFoundInDir = errors.New("no such entry")
