// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package chm

import (
	"io"
	"os"

	bufra "github.com/avvmoto/buf-readerat"

	"github.com/elliotnunn/chmhelp/internal/sectionreader"
)

// openFile turns a path into a bounds-known [io.ReaderAt]. On unix it maps
// the whole file read-only, the fastest way to give a format that seeks
// constantly (directory descent, reset-table lookups) random access without
// a syscall per read. Everywhere else, and for any file mmap refuses (zero
// length, non-regular file), it falls back to a buffered *os.File reader —
// the same wrapping open.go's cookedOpen does for a regular *os.File.
func openFile(path string) (io.ReaderAt, int64, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, wrapf(KindIO, err, "open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, wrapf(KindIO, err, "stat %s", path)
	}
	size := info.Size()

	if m, ok := mmapFile(f, size); ok {
		return m, size, m.(io.Closer), nil
	}

	const bufSize = 4096
	return bufra.NewBufReaderAt(f, bufSize), size, f, nil
}

// byteReader is a bounds-checked cursor over an [io.ReaderAt], the component
// every other chm parser builds on: fixed-width little-endian integers,
// exact-length slices, and the CHM ENCINT variable-length integer.
type byteReader struct {
	r   io.ReaderAt
	pos int64
	n   int64 // total addressable length
}

func newByteReader(r io.ReaderAt, n int64) *byteReader {
	return &byteReader{r: r, n: n}
}

func (b *byteReader) len() int64 { return b.n }
func (b *byteReader) tell() int64 { return b.pos }

func (b *byteReader) seek(off int64) error {
	if off < 0 || off > b.n {
		return errf(KindOutOfRange, "seek to %d outside 0..%d", off, b.n)
	}
	b.pos = off
	return nil
}

func (b *byteReader) readExact(n int) ([]byte, error) {
	if n < 0 || b.pos+int64(n) > b.n {
		return nil, errf(KindCorrupt, "read of %d bytes at %d exceeds length %d", n, b.pos, b.n)
	}
	buf := make([]byte, n)
	got, err := b.r.ReadAt(buf, b.pos)
	if got == n {
		b.pos += int64(n)
		return buf, nil
	}
	if err == io.EOF || err == nil {
		return nil, errf(KindTruncated, "read of %d bytes at %d: only %d available", n, b.pos, got)
	}
	return nil, wrapf(KindIO, err, "read at %d", b.pos)
}

func (b *byteReader) readU8() (uint8, error) {
	buf, err := b.readExact(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b *byteReader) readU16LE() (uint16, error) {
	buf, err := b.readExact(2)
	if err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func (b *byteReader) readU32LE() (uint32, error) {
	buf, err := b.readExact(4)
	if err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func (b *byteReader) readU64LE() (uint64, error) {
	buf, err := b.readExact(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// readEncint reads a CHM ENCINT: MSB-first base-128 varint, each byte
// contributing its low 7 bits with the high bit as a continuation flag.
// Fails with KindCorrupt if no terminating byte (high bit clear) appears
// within 10 bytes.
func (b *byteReader) readEncint() (uint64, error) {
	var v uint64
	for i := 0; i < 10; i++ {
		by, err := b.readU8()
		if err != nil {
			return 0, err
		}
		v = v<<7 | uint64(by&0x7f)
		if by&0x80 == 0 {
			return v, nil
		}
	}
	return 0, errf(KindCorrupt, "ENCINT exceeds 10 bytes")
}

// section slices out a read-only view of b's underlying reader spanning
// [off, off+n), the way internal/apm carves up a disk image into partitions.
func (b *byteReader) section(off, n int64) (*byteReader, error) {
	if off < 0 || n < 0 || off+n > b.n {
		return nil, errf(KindOutOfRange, "section [%d,%d) outside 0..%d", off, off+n, b.n)
	}
	return newByteReader(sectionreader.Section(b.r, off, n), n), nil
}
