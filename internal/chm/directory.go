// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package chm

import (
	"encoding/binary"
	"log/slog"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-tinylfu"
)

// Unit identifies one named object inside a CHM archive: a content page, a
// well-known metadata stream, or an internal data-space unit. Names are
// stored lower-case with a leading slash (except the "::"-prefixed internal
// namespace, which never carries one).
type Unit struct {
	Name    string
	Section int
	Offset  uint64
	Length  uint64
}

type dirEntry struct {
	unit Unit
}

type indexEntry struct {
	name       string
	childBlock int64
}

// parsePMGLBlock decodes a leaf directory block's entries. raw must be
// exactly itsp.dirBlockLen bytes.
func parsePMGLBlock(raw []byte) (entries []dirEntry, prev, next int32, err error) {
	if len(raw) < 20 {
		return nil, 0, 0, errf(KindCorrupt, "PMGL block shorter than header")
	}
	if string(raw[0:4]) != "PMGL" {
		return nil, 0, 0, errf(KindCorrupt, "bad PMGL magic %q", raw[0:4])
	}
	freeSpace := le32(raw[4:8])
	prev = int32(le32(raw[12:16]))
	next = int32(le32(raw[16:20]))

	end := len(raw) - int(freeSpace)
	if end < 20 || end > len(raw) {
		return nil, 0, 0, errf(KindCorrupt, "PMGL free space %d out of range", freeSpace)
	}

	b := newByteReader(&byteSliceReaderAt{raw[:end]}, int64(end))
	if err := b.seek(20); err != nil {
		return nil, 0, 0, err
	}
	for b.tell() < b.len() {
		nameLen, err := b.readEncint()
		if err != nil {
			return nil, 0, 0, wrapf(KindCorrupt, err, "reading PMGL entry name length")
		}
		nameRaw, err := b.readExact(int(nameLen))
		if err != nil {
			return nil, 0, 0, wrapf(KindCorrupt, err, "reading PMGL entry name")
		}
		section, err := b.readEncint()
		if err != nil {
			return nil, 0, 0, wrapf(KindCorrupt, err, "reading PMGL entry section")
		}
		offset, err := b.readEncint()
		if err != nil {
			return nil, 0, 0, wrapf(KindCorrupt, err, "reading PMGL entry offset")
		}
		length, err := b.readEncint()
		if err != nil {
			return nil, 0, 0, wrapf(KindCorrupt, err, "reading PMGL entry length")
		}
		entries = append(entries, dirEntry{unit: Unit{
			Name:    lowerName(string(nameRaw)),
			Section: int(section),
			Offset:  offset,
			Length:  length,
		}})
	}
	return entries, prev, next, nil
}

// parsePMGIBlock decodes an index directory block's entries.
func parsePMGIBlock(raw []byte) (entries []indexEntry, err error) {
	if len(raw) < 12 {
		return nil, errf(KindCorrupt, "PMGI block shorter than header")
	}
	if string(raw[0:4]) != "PMGI" {
		return nil, errf(KindCorrupt, "bad PMGI magic %q", raw[0:4])
	}
	freeSpace := le32(raw[4:8])
	end := len(raw) - int(freeSpace)
	if end < 12 || end > len(raw) {
		return nil, errf(KindCorrupt, "PMGI free space %d out of range", freeSpace)
	}

	b := newByteReader(&byteSliceReaderAt{raw[:end]}, int64(end))
	if err := b.seek(12); err != nil {
		return nil, err
	}
	for b.tell() < b.len() {
		nameLen, err := b.readEncint()
		if err != nil {
			return nil, wrapf(KindCorrupt, err, "reading PMGI entry name length")
		}
		nameRaw, err := b.readExact(int(nameLen))
		if err != nil {
			return nil, wrapf(KindCorrupt, err, "reading PMGI entry name")
		}
		childBlock, err := b.readEncint()
		if err != nil {
			return nil, wrapf(KindCorrupt, err, "reading PMGI child block")
		}
		entries = append(entries, indexEntry{
			name:       lowerName(string(nameRaw)),
			childBlock: int64(childBlock),
		})
	}
	return entries, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// directory provides enumeration and name resolution over the PMGL/PMGI
// chain described by an ITSP header. Raw block bytes go through a small
// admission-aware cache (the same tinylfu.T shape internal/lzx uses for
// decoded reset intervals) keyed on block number via xxhash, since a
// PMGI descent and an index_depth==1 linear scan both tend to revisit the
// same handful of blocks across a session.
type directory struct {
	file  *byteReader
	itsp  itspHeader
	cache *tinylfu.T[uint64, []byte]
}

func newDirectory(file *byteReader, itsp itspHeader) *directory {
	const blockCacheSize = 64
	return &directory{
		file:  file,
		itsp:  itsp,
		cache: tinylfu.New[uint64, []byte](blockCacheSize, blockCacheSize*10, hashBlockNum),
	}
}

func hashBlockNum(n uint64) uint64 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(n))
	return xxhash.Sum64(buf[:])
}

func (d *directory) readRawBlock(blockNum uint32) ([]byte, error) {
	key := uint64(blockNum)
	if raw, ok := d.cache.Get(key); ok {
		return raw, nil
	}

	off := d.itsp.blocksFileOff + int64(blockNum)*int64(d.itsp.dirBlockLen)
	sub, err := d.file.section(off, int64(d.itsp.dirBlockLen))
	if err != nil {
		return nil, errf(KindCorrupt, "directory block %d lies outside file", blockNum)
	}
	raw, err := sub.readExact(int(d.itsp.dirBlockLen))
	if err != nil {
		return nil, err
	}
	slog.Debug("dirBlockMiss", "block", blockNum)
	d.cache.Add(key, raw)
	return raw, nil
}

// enumerate walks the PMGL chain from first to last, calling fn with every
// entry in directory order. fn's error, if any, stops the walk and is
// returned.
func (d *directory) enumerate(fn func(Unit) error) error {
	block := d.itsp.firstPMGL
	for {
		raw, err := d.readRawBlock(block)
		if err != nil {
			return err
		}
		entries, _, next, err := parsePMGLBlock(raw)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := fn(e.unit); err != nil {
				return err
			}
		}
		if next < 0 || block == d.itsp.lastPMGL {
			return nil
		}
		block = uint32(next)
	}
}

// resolve finds the unit named lname (already normalized and lower-cased)
// by walking the index tree (PMGI descent, if index_depth == 2) down to a
// leaf and binary-searching it for an exact match.
func (d *directory) resolve(lname string) (Unit, bool, error) {
	block := d.itsp.firstPMGL
	if d.itsp.indexDepth == 2 {
		if d.itsp.indexRoot < 0 {
			return Unit{}, false, errf(KindCorrupt, "index depth 2 but no index root")
		}
		block = uint32(d.itsp.indexRoot)
	}

	for {
		raw, err := d.readRawBlock(block)
		if err != nil {
			return Unit{}, false, err
		}
		if len(raw) < 4 {
			return Unit{}, false, errf(KindCorrupt, "directory block %d too short", block)
		}
		switch string(raw[0:4]) {
		case "PMGI":
			entries, err := parsePMGIBlock(raw)
			if err != nil {
				return Unit{}, false, err
			}
			if len(entries) == 0 {
				return Unit{}, false, errf(KindCorrupt, "empty PMGI block %d", block)
			}
			// Largest entry name <= lname: first index whose name > lname,
			// predecessor is one before it.
			i := sort.Search(len(entries), func(i int) bool { return entries[i].name > lname })
			if i == 0 {
				return Unit{}, false, nil
			}
			child := entries[i-1].childBlock
			if child < 0 {
				return Unit{}, false, errf(KindCorrupt, "negative child block from PMGI entry")
			}
			block = uint32(child)

		case "PMGL":
			// A leaf is reached either by PMGI descent (exactly one block
			// can hold the match) or, at index_depth == 1, by a linear scan
			// across the whole chain (blocks partition the name space in
			// order, so a block whose own range precedes lname means
			// continuing to the next; any other miss is final).
			entries, _, next, err := parsePMGLBlock(raw)
			if err != nil {
				return Unit{}, false, err
			}
			i := sort.Search(len(entries), func(i int) bool { return entries[i].unit.Name >= lname })
			if i < len(entries) && entries[i].unit.Name == lname {
				return entries[i].unit, true, nil
			}
			if d.itsp.indexDepth == 1 && i == len(entries) && next >= 0 && block != d.itsp.lastPMGL {
				block = uint32(next)
				continue
			}
			return Unit{}, false, nil

		default:
			return Unit{}, false, errf(KindCorrupt, "bad directory block magic %q", raw[0:4])
		}
	}
}
