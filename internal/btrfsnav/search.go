// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsnav

import (
	"fmt"

	"go.rignite.dev/rignite/lib/btrfs/btrfsitem"
	"go.rignite.dev/rignite/lib/btrfs/btrfsprim"
	"go.rignite.dev/rignite/lib/btrfs/btrfstree"
	"go.rignite.dev/rignite/lib/btrfs/btrfsvol"
)

// SearchSlot performs a point lookup of key starting at the node at
// rootLogical: at each interior level it walks the key-pointer array
// and descends into the last pointer whose key is <= the target (or
// the first pointer, if the target is smaller than every key in the
// node); at the leaf it scans items for an exact match, stopping as
// soon as an item's key exceeds the target. Returns ErrNotFound (not a
// hard failure) when no item matches; any other error is a fatal
// malformed-tree condition.
func (nav *Navigator) SearchSlot(rootLogical btrfsvol.LogicalAddr, key btrfsprim.Key) (*btrfstree.Item, error) {
	addr := rootLogical
	for {
		node, err := btrfstree.ReadNode[btrfsvol.LogicalAddr](nav, nav.sb, addr, btrfstree.NodeExpectations{})
		if err != nil {
			return nil, fmt.Errorf("btrfsnav: search_slot: %w", err)
		}

		if node.Head.Level == 0 {
			for i := range node.BodyLeaf {
				item := &node.BodyLeaf[i]
				cmp := item.Key.Cmp(key)
				if cmp == 0 {
					return item, nil
				}
				if cmp > 0 {
					break
				}
			}
			return nil, ErrNotFound
		}

		if len(node.BodyInterior) == 0 {
			return nil, fmt.Errorf("btrfsnav: search_slot: interior node@%v has no key pointers", addr)
		}
		idx := 0
		for i, kp := range node.BodyInterior {
			if kp.Key.Cmp(key) <= 0 {
				idx = i
			} else {
				break
			}
		}
		addr = node.BodyInterior[idx].BlockPtr
	}
}

// GetTreeRoot looks up {tree_id, ROOT_ITEM_KEY, 0} in the root-of-roots
// tree and returns the logical address of that tree's root node.
func (nav *Navigator) GetTreeRoot(treeID btrfsprim.ObjID) (btrfsvol.LogicalAddr, error) {
	item, err := nav.SearchSlot(nav.sb.RootTree, btrfsprim.Key{
		ObjectID: treeID,
		ItemType: btrfsprim.ROOT_ITEM_KEY,
		Offset:   0,
	})
	if err != nil {
		return 0, fmt.Errorf("btrfsnav: get_tree_root(%v): %w", treeID, err)
	}
	root, ok := item.Body.(btrfsitem.Root)
	if !ok {
		return 0, fmt.Errorf("btrfsnav: get_tree_root(%v): item is not a ROOT_ITEM", treeID)
	}
	return root.ByteNr, nil
}
