// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package chm

import (
	"bytes"
	"io"
	"testing"
)

const dirBlockLen = 4096

// encodeEncint is an independent re-implementation of the ENCINT encoding
// for building test fixtures, mirroring byteReader.readEncint's decode rule
// (MSB-first base-128, continuation bit on every byte but the last).
func encodeEncint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var groups []byte
	for v > 0 {
		groups = append(groups, byte(v&0x7f))
		v >>= 7
	}
	for i, j := 0, len(groups)-1; i < j; i, j = i+1, j-1 {
		groups[i], groups[j] = groups[j], groups[i]
	}
	for i := 0; i < len(groups)-1; i++ {
		groups[i] |= 0x80
	}
	return groups
}

type fixtureLeafEntry struct {
	name    string
	section int
	offset  uint64
	length  uint64
}

func buildPMGL(entries []fixtureLeafEntry, prev, next int32) []byte {
	var body bytes.Buffer
	for _, e := range entries {
		body.Write(encodeEncint(uint64(len(e.name))))
		body.WriteString(e.name)
		body.Write(encodeEncint(uint64(e.section)))
		body.Write(encodeEncint(e.offset))
		body.Write(encodeEncint(e.length))
	}
	return assembleBlock("PMGL", 20, body.Bytes(), func(b []byte) {
		putLE32(b[8:12], 0) // unknown
		putLE32(b[12:16], uint32(prev))
		putLE32(b[16:20], uint32(next))
	})
}

type fixtureIndexEntry struct {
	name       string
	childBlock int64
}

func buildPMGI(entries []fixtureIndexEntry) []byte {
	var body bytes.Buffer
	for _, e := range entries {
		body.Write(encodeEncint(uint64(len(e.name))))
		body.WriteString(e.name)
		body.Write(encodeEncint(uint64(e.childBlock)))
	}
	return assembleBlock("PMGI", 12, body.Bytes(), func(b []byte) {
		putLE32(b[8:12], 0) // unknown
	})
}

func assembleBlock(magic string, headerLen int, body []byte, fillHeader func([]byte)) []byte {
	block := make([]byte, dirBlockLen)
	copy(block[0:4], magic)
	end := headerLen + len(body)
	if end > dirBlockLen {
		panic("fixture body too large for one directory block")
	}
	copy(block[headerLen:end], body)
	putLE32(block[4:8], uint32(dirBlockLen-end)) // free space
	fillHeader(block)
	return block
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// memDirFile is an io.ReaderAt over a set of fixed-size directory blocks
// laid out contiguously from a given base offset, standing in for the
// on-disk ITSP block chain.
type memDirFile struct {
	base   int64
	blocks [][]byte
}

func (m *memDirFile) ReadAt(p []byte, off int64) (int, error) {
	buf := make([]byte, 0, int64(len(m.blocks))*dirBlockLen)
	for _, b := range m.blocks {
		buf = append(buf, b...)
	}
	rel := off - m.base
	if rel < 0 || rel > int64(len(buf)) {
		return 0, errf(KindOutOfRange, "out of range")
	}
	n := copy(p, buf[rel:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func newTestDirectory(blocks [][]byte, indexDepth uint32, indexRoot int32, firstPMGL, lastPMGL uint32) *directory {
	file := newByteReader(&memDirFile{base: 0, blocks: blocks}, int64(len(blocks))*dirBlockLen)
	itsp := itspHeader{
		indexDepth:    indexDepth,
		indexRoot:     indexRoot,
		firstPMGL:     firstPMGL,
		lastPMGL:      lastPMGL,
		dirBlockLen:   dirBlockLen,
		blocksFileOff: 0,
	}
	return newDirectory(file, itsp)
}

func TestDirectoryDepth1SingleBlockResolve(t *testing.T) {
	leaf := buildPMGL([]fixtureLeafEntry{
		{name: "/a.htm", section: 0, offset: 0, length: 10},
		{name: "/b.htm", section: 0, offset: 10, length: 20},
		{name: "/c.htm", section: 1, offset: 0, length: 30},
	}, -1, -1)

	d := newTestDirectory([][]byte{leaf}, 1, -1, 0, 0)

	u, ok, err := d.resolve("/b.htm")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok {
		t.Fatalf("expected a match")
	}
	if u.Offset != 10 || u.Length != 20 || u.Section != 0 {
		t.Fatalf("got %+v", u)
	}

	if _, ok, err := d.resolve("/missing.htm"); err != nil || ok {
		t.Fatalf("expected no match, got (%v, %v)", ok, err)
	}
}

func TestDirectoryDepth1MultiBlockLinearScan(t *testing.T) {
	first := buildPMGL([]fixtureLeafEntry{
		{name: "/a.htm", section: 0, offset: 0, length: 1},
		{name: "/b.htm", section: 0, offset: 1, length: 1},
	}, -1, 1)
	second := buildPMGL([]fixtureLeafEntry{
		{name: "/c.htm", section: 0, offset: 2, length: 1},
		{name: "/d.htm", section: 0, offset: 3, length: 1},
	}, 0, -1)

	d := newTestDirectory([][]byte{first, second}, 1, -1, 0, 1)

	u, ok, err := d.resolve("/d.htm")
	if err != nil || !ok {
		t.Fatalf("resolve /d.htm: ok=%v err=%v", ok, err)
	}
	if u.Offset != 3 {
		t.Fatalf("got offset %d", u.Offset)
	}

	if _, ok, err := d.resolve("/zzz.htm"); err != nil || ok {
		t.Fatalf("expected no match past the chain, got (%v, %v)", ok, err)
	}
}

func TestDirectoryDepth2PMGIDescent(t *testing.T) {
	leaf0 := buildPMGL([]fixtureLeafEntry{
		{name: "/", section: 0, offset: 0, length: 5},
		{name: "/alpha.htm", section: 0, offset: 5, length: 7},
	}, -1, 2)
	leaf1 := buildPMGL([]fixtureLeafEntry{
		{name: "/infobar.jpg", section: 0, offset: 12, length: 9},
		{name: "/zeta.htm", section: 0, offset: 21, length: 3},
	}, 1, -1)
	root := buildPMGI([]fixtureIndexEntry{
		{name: "/", childBlock: 1},
		{name: "/infobar.jpg", childBlock: 2},
	})

	// Block numbers: 0 = root PMGI, 1 = leaf0, 2 = leaf1.
	d := newTestDirectory([][]byte{root, leaf0, leaf1}, 2, 0, 1, 2)

	u, ok, err := d.resolve("/alpha.htm")
	if err != nil || !ok {
		t.Fatalf("resolve /alpha.htm: ok=%v err=%v", ok, err)
	}
	if u.Length != 7 {
		t.Fatalf("got length %d", u.Length)
	}

	u2, ok, err := d.resolve("/zeta.htm")
	if err != nil || !ok {
		t.Fatalf("resolve /zeta.htm: ok=%v err=%v", ok, err)
	}
	if u2.Offset != 21 {
		t.Fatalf("got offset %d", u2.Offset)
	}

	if _, ok, err := d.resolve("/nope.htm"); err != nil || ok {
		t.Fatalf("expected no match, got (%v, %v)", ok, err)
	}
}

func TestDirectoryEnumerateOrder(t *testing.T) {
	leaf := buildPMGL([]fixtureLeafEntry{
		{name: "/a.htm", section: 0, offset: 0, length: 1},
		{name: "/b.htm", section: 0, offset: 1, length: 1},
		{name: "/c.htm", section: 0, offset: 2, length: 1},
	}, -1, -1)
	d := newTestDirectory([][]byte{leaf}, 1, -1, 0, 0)

	var names []string
	err := d.enumerate(func(u Unit) error {
		names = append(names, u.Name)
		return nil
	})
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	want := []string{"/a.htm", "/b.htm", "/c.htm"}
	if len(names) != len(want) {
		t.Fatalf("got %v want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v want %v", names, want)
		}
	}
}
