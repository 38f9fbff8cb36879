// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"fmt"
	"reflect"

	"go.rignite.dev/rignite/lib/binstruct"
	"go.rignite.dev/rignite/lib/btrfs/btrfsprim"
)

type Item interface {
	isItem()
}

type Error struct {
	Dat []byte
	Err error
}

func (Error) isItem() {}

func (o *Error) UnmarshalBinary(dat []byte) (int, error) {
	o.Dat = dat
	return len(dat), nil
}

var keytype2gotype = map[btrfsprim.ItemType]reflect.Type{
	btrfsprim.INODE_ITEM_KEY: reflect.TypeOf(Inode{}),
	btrfsprim.DIR_ITEM_KEY:   reflect.TypeOf(DirEntry{}),
	btrfsprim.DIR_INDEX_KEY:  reflect.TypeOf(DirEntry{}),
	btrfsprim.XATTR_ITEM_KEY: reflect.TypeOf(DirEntry{}),
	btrfsprim.EXTENT_DATA_KEY: reflect.TypeOf(FileExtent{}),
	btrfsprim.ROOT_ITEM_KEY:  reflect.TypeOf(Root{}),
	btrfsprim.CHUNK_ITEM_KEY: reflect.TypeOf(Chunk{}),
	btrfsprim.DEV_ITEM_KEY:   reflect.TypeOf(Dev{}),
}

// UnmarshalItem decodes the body of a tree item, dispatching on the
// item's key type. Rather than returning a separate error value, an
// unrecognized or malformed item decodes to an Error item so that
// navigation of the rest of the tree can continue.
func UnmarshalItem(key btrfsprim.Key, dat []byte) Item {
	gotyp, ok := keytype2gotype[key.ItemType]
	if !ok {
		return &Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): unknown item type", key.ItemType),
		}
	}
	retPtr := reflect.New(gotyp)
	n, err := binstruct.Unmarshal(dat, retPtr.Interface())
	if err != nil {
		return &Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): %w", key.ItemType, err),
		}
	}
	if n < len(dat) {
		return &Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): left over data: got %v bytes but only consumed %v",
				key.ItemType, len(dat), n),
		}
	}
	return retPtr.Elem().Interface().(Item)
}
