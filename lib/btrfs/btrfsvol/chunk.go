// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsvol

import (
	"fmt"
	"sort"

	"go.rignite.dev/rignite/lib/containers"
)

// Mapping is one logical->physical chunk-map entry. Only single-stripe
// (linear) chunks are represented; RAID/DUP chunks are rejected by
// Insert before they would ever become a Mapping.
type Mapping struct {
	LAddr      LogicalAddr
	PAddr      QualifiedPhysicalAddr
	Size       AddrDelta
	SizeLocked bool
	Flags      containers.Optional[BlockGroupFlags]
}

func (a Mapping) cmpRange(b Mapping) int {
	switch {
	case a.LAddr.Add(a.Size) <= b.LAddr:
		return -1
	case b.LAddr.Add(b.Size) <= a.LAddr:
		return 1
	default:
		return 0
	}
}

// ChunkMap is the logical->physical address translation built from a
// superblock's bootstrap sys_chunk_array and the chunk tree. Entries are
// kept sorted and disjoint over the logical axis, per spec.
type ChunkMap struct {
	mappings []Mapping
}

// Insert adds a chunk mapping. It is an error for the new mapping's
// logical range to overlap an existing one, and it is an error for the
// mapping to carry RAID/DUP flags (Non-goal: Btrfs volumes needing more
// than one physical stripe to resolve a logical address).
func (cm *ChunkMap) Insert(m Mapping) error {
	if m.Flags.OK && m.Flags.Val.Multistripe() {
		return fmt.Errorf("btrfsvol: chunk at laddr=%v has multi-stripe flags %v, which is unsupported", m.LAddr, m.Flags.Val)
	}
	i := sort.Search(len(cm.mappings), func(i int) bool {
		return cm.mappings[i].cmpRange(m) >= 0
	})
	if i < len(cm.mappings) && cm.mappings[i].cmpRange(m) == 0 {
		return fmt.Errorf("btrfsvol: chunk at laddr=%v overlaps existing chunk at laddr=%v", m.LAddr, cm.mappings[i].LAddr)
	}
	cm.mappings = append(cm.mappings, Mapping{})
	copy(cm.mappings[i+1:], cm.mappings[i:])
	cm.mappings[i] = m
	return nil
}

// Resolve translates a logical address to its backing physical address,
// per spec's logical_to_physical operation.
func (cm *ChunkMap) Resolve(laddr LogicalAddr) (QualifiedPhysicalAddr, AddrDelta, bool) {
	i := sort.Search(len(cm.mappings), func(i int) bool {
		return cm.mappings[i].LAddr.Add(cm.mappings[i].Size) > laddr
	})
	if i >= len(cm.mappings) || cm.mappings[i].LAddr > laddr {
		return QualifiedPhysicalAddr{}, 0, false
	}
	m := cm.mappings[i]
	off := laddr.Sub(m.LAddr)
	return m.PAddr.Add(off), m.Size - off, true
}

// Mappings returns the chunk map's entries in logical order.
func (cm *ChunkMap) Mappings() []Mapping {
	return cm.mappings
}
