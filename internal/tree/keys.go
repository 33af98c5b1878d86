// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"encoding/binary"

	"github.com/perspectivedb/perspectivedb/internal/record"
)

// Key type prefixes. The on-disk layout is byte-exact and read by
// external tooling; do not renumber.
const (
	typeData      = 0x01
	typeInsertion = 0x02
	typeVersion   = 0x03
	typeHead      = 0x04
)

// treePrefix returns the tree-name prefix every key in this tree
// carries: the UTF-8 tree name followed by 0x00.
func treePrefix(name string) []byte {
	b := make([]byte, 0, len(name)+1)
	b = append(b, name...)
	b = append(b, 0x00)
	return b
}

func putUint64(i uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, i)
	return b
}

func getUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// dataKey builds the primary data key: 0x01 | id | 0x00 | i.
func dataKey(treeName string, id record.ID, i uint64) []byte {
	p := treePrefix(treeName)
	k := make([]byte, 0, len(p)+1+len(id)+1+8)
	k = append(k, p...)
	k = append(k, typeData)
	k = append(k, id...)
	k = append(k, 0x00)
	k = append(k, putUint64(i)...)
	return k
}

// dataPrefix is the range-scan prefix for all records of one id; a
// scan under it yields that id's records in insertion order.
func dataPrefix(treeName string, id record.ID) []byte {
	p := treePrefix(treeName)
	k := make([]byte, 0, len(p)+1+len(id)+1)
	k = append(k, p...)
	k = append(k, typeData)
	k = append(k, id...)
	k = append(k, 0x00)
	return k
}

// insertionKey builds the insertion index key: 0x02 | i.
func insertionKey(treeName string, i uint64) []byte {
	p := treePrefix(treeName)
	k := make([]byte, 0, len(p)+1+8)
	k = append(k, p...)
	k = append(k, typeInsertion)
	k = append(k, putUint64(i)...)
	return k
}

func insertionPrefix(treeName string) []byte {
	p := treePrefix(treeName)
	k := make([]byte, 0, len(p)+1)
	k = append(k, p...)
	k = append(k, typeInsertion)
	return k
}

// insertionValue builds the insertion index value: id | 0x00 | i.
func insertionValue(id record.ID, i uint64) []byte {
	v := make([]byte, 0, len(id)+1+8)
	v = append(v, id...)
	v = append(v, 0x00)
	v = append(v, putUint64(i)...)
	return v
}

func parseInsertionValue(v []byte) (id record.ID, i uint64, ok bool) {
	if len(v) < 9 {
		return nil, 0, false
	}
	id = record.ID(v[:len(v)-9])
	if v[len(v)-9] != 0x00 {
		return nil, 0, false
	}
	i = getUint64(v[len(v)-8:])
	return id, i, true
}

// versionKey builds the version index key: 0x03 | v (raw decoded bytes).
func versionKey(treeName string, vRaw []byte) []byte {
	p := treePrefix(treeName)
	k := make([]byte, 0, len(p)+1+len(vRaw))
	k = append(k, p...)
	k = append(k, typeVersion)
	k = append(k, vRaw...)
	return k
}

// headKey builds the head index key: 0x04 | id | 0x00 | v.
func headKey(treeName string, id record.ID, v record.Version) []byte {
	p := treePrefix(treeName)
	k := make([]byte, 0, len(p)+1+len(id)+1+len(v))
	k = append(k, p...)
	k = append(k, typeHead)
	k = append(k, id...)
	k = append(k, 0x00)
	k = append(k, v...)
	return k
}

func headPrefix(treeName string, id record.ID) []byte {
	p := treePrefix(treeName)
	k := make([]byte, 0, len(p)+1+len(id)+1)
	k = append(k, p...)
	k = append(k, typeHead)
	k = append(k, id...)
	k = append(k, 0x00)
	return k
}

func parseHeadKey(treeName string, key []byte) (record.Version, bool) {
	prefix := append(treePrefix(treeName), typeHead)
	if len(key) <= len(prefix) {
		return "", false
	}
	rest := key[len(prefix):]
	sep := -1
	for i, b := range rest {
		if b == 0x00 {
			sep = i
			break
		}
	}
	if sep < 0 {
		return "", false
	}
	return record.Version(rest[sep+1:]), true
}
