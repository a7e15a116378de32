// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package lzx

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-tinylfu"
)

// ResetTable describes the reset-interval boundaries of one LZX-compressed
// content stream, as read from the archive's LZX reset-table unit (not from
// CLCD/ControlData): IntervalLen uncompressed bytes are
// produced between consecutive entries of Offsets, each of which gives the
// compressed byte offset (relative to the start of the content section)
// where that interval's first LZX block begins.
type ResetTable struct {
	IntervalLen uint64
	Offsets     []uint64
}

// Reader is a random-access, [io.ReaderAt] view of the uncompressed bytes
// of one LZX content stream. It decodes whole reset intervals on demand and
// caches them, the same "checkpoint, decode from the nearest one, cache the
// result" strategy internal/flate's Reader uses around its resumePoint
// checkpoints — except here the checkpoints are handed to us by the
// archive's reset table instead of being discovered by probing.
type Reader struct {
	src             io.ReaderAt
	srcLen          int64
	resets          ResetTable
	windowSize      uint32
	uncompressedLen int64
	cache           *tinylfu.T[uint64, []byte]
	pos             int64 // for Read/Seek; ReadAt ignores this entirely
}

// NewReader builds a Reader. src must span exactly the compressed content
// stream (section 1) that resets describes; uncompressedLen is the known
// total size of the decompressed unit the reset table was built over
// (internal/chm passes the reset table's own uncompressed-length field).
func NewReader(src io.ReaderAt, srcLen int64, resets ResetTable, windowSize uint32, uncompressedLen int64) *Reader {
	const segmentCacheSize = 64
	return &Reader{
		src:             src,
		srcLen:          srcLen,
		resets:          resets,
		windowSize:      windowSize,
		uncompressedLen: uncompressedLen,
		cache: tinylfu.New[uint64, []byte](
			segmentCacheSize, segmentCacheSize*10, hashInterval),
	}
}

func hashInterval(k uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], k)
	return xxhash.Sum64(buf[:])
}

// Size reports the total number of decompressed bytes addressable through
// ReadAt.
func (r *Reader) Size() int64 { return r.uncompressedLen }

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errOutOfRange
	}
	if off >= r.uncompressedLen {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= r.uncompressedLen {
			break
		}
		interval := uint64(pos) / r.resets.IntervalLen
		data, err := r.decodeInterval(interval)
		if err != nil {
			return n, err
		}
		within := int(uint64(pos) % r.resets.IntervalLen)
		copied := copy(p[n:], data[within:])
		n += copied
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Read and Seek make Reader an io.ReadSeeker over the same decompressed
// span ReadAt addresses, so callers like net/http's ServeContent can use a
// Reader directly instead of wrapping it in their own seek bookkeeping.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.pos)
	r.pos += int64(n)
	return n, err
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = r.pos
	case io.SeekEnd:
		base = r.uncompressedLen
	default:
		return 0, errOutOfRange
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, errOutOfRange
	}
	r.pos = newPos
	return newPos, nil
}

func (r *Reader) decodeInterval(idx uint64) ([]byte, error) {
	if data, ok := r.cache.Get(idx); ok {
		return data, nil
	}
	slog.Debug("resetIntervalMiss", "interval", idx)

	if idx >= uint64(len(r.resets.Offsets)) {
		return nil, errOutOfRange
	}
	compOff := int64(r.resets.Offsets[idx])
	compEnd := r.srcLen
	if idx+1 < uint64(len(r.resets.Offsets)) {
		compEnd = int64(r.resets.Offsets[idx+1])
	}
	if compOff < 0 || compEnd < compOff || compEnd > r.srcLen {
		return nil, errCorruptReset
	}

	want := int64(r.resets.IntervalLen)
	intervalStart := int64(idx) * int64(r.resets.IntervalLen)
	if remaining := r.uncompressedLen - intervalStart; remaining < want {
		want = remaining
	}

	sr := io.NewSectionReader(r.src, compOff, compEnd-compOff)
	br := bufio.NewReader(sr)
	eng, err := NewEngine(br, r.windowSize)
	if err != nil {
		return nil, err
	}
	data, err := eng.Decode(0, int(want))
	if err != nil {
		return nil, err
	}

	r.cache.Add(idx, data)
	return data, nil
}
