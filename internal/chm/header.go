// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package chm

import (
	"io"
	"strings"
)

// itsfHeader is the fixed ITSF (file header) block: magic, version, a
// two-entry header-section table (section 0 is an "unknown" span, section 1
// locates ITSP), and — for version 3 — the absolute file offset where
// section-0 content begins.
type itsfHeader struct {
	version    uint32
	headerLen  uint64
	langID     uint32
	dirOffset  uint64
	dirLength  uint64
	dataOffset uint64
}

func parseITSF(b *byteReader) (itsfHeader, error) {
	if err := b.seek(0); err != nil {
		return itsfHeader{}, err
	}
	magic, err := b.readExact(4)
	if err != nil {
		return itsfHeader{}, wrapf(KindFormat, err, "reading ITSF magic")
	}
	if string(magic) != "ITSF" {
		return itsfHeader{}, errf(KindFormat, "bad ITSF magic %q", magic)
	}
	version, err := b.readU32LE()
	if err != nil {
		return itsfHeader{}, wrapf(KindFormat, err, "reading ITSF version")
	}
	if version != 3 {
		return itsfHeader{}, errf(KindUnsupportedVersion, "ITSF version %d", version)
	}
	headerLen, err := b.readU32LE()
	if err != nil {
		return itsfHeader{}, wrapf(KindFormat, err, "reading ITSF header length")
	}
	if _, err := b.readU32LE(); err != nil { // unknown_1
		return itsfHeader{}, wrapf(KindFormat, err, "reading ITSF unknown field")
	}
	if _, err := b.readU32LE(); err != nil { // last_modified, unused
		return itsfHeader{}, wrapf(KindFormat, err, "reading ITSF timestamp")
	}
	langID, err := b.readU32LE()
	if err != nil {
		return itsfHeader{}, wrapf(KindFormat, err, "reading ITSF language id")
	}
	if _, err := b.readExact(16); err != nil { // dir_uuid
		return itsfHeader{}, wrapf(KindFormat, err, "reading ITSF dir uuid")
	}
	if _, err := b.readExact(16); err != nil { // stream_uuid
		return itsfHeader{}, wrapf(KindFormat, err, "reading ITSF stream uuid")
	}
	// Header-section table: two {offset,len} uint64 pairs. Section 0 is an
	// unknown span we don't use; section 1 locates ITSP.
	if _, err := b.readU64LE(); err != nil { // section 0 offset
		return itsfHeader{}, wrapf(KindFormat, err, "reading ITSF section 0 offset")
	}
	if _, err := b.readU64LE(); err != nil { // section 0 length
		return itsfHeader{}, wrapf(KindFormat, err, "reading ITSF section 0 length")
	}
	dirOffset, err := b.readU64LE()
	if err != nil {
		return itsfHeader{}, wrapf(KindFormat, err, "reading ITSF dir offset")
	}
	dirLength, err := b.readU64LE()
	if err != nil {
		return itsfHeader{}, wrapf(KindFormat, err, "reading ITSF dir length")
	}
	dataOffset, err := b.readU64LE()
	if err != nil {
		return itsfHeader{}, wrapf(KindFormat, err, "reading ITSF data offset")
	}

	return itsfHeader{
		version:    version,
		headerLen:  uint64(headerLen),
		langID:     langID,
		dirOffset:  dirOffset,
		dirLength:  dirLength,
		dataOffset: dataOffset,
	}, nil
}

// itspHeader is the ITSP (directory header) block immediately preceding the
// PMGL/PMGI chain.
type itspHeader struct {
	version       uint32
	headerLen     uint32
	dirBlockLen   uint32
	density       uint32
	indexDepth    uint32
	indexRoot     int32
	firstPMGL     uint32
	lastPMGL      uint32
	numDirBlocks  uint32
	blocksFileOff int64 // absolute file offset where directory block 0 begins
}

func parseITSP(b *byteReader, itsf itsfHeader) (itspHeader, error) {
	if err := b.seek(int64(itsf.dirOffset)); err != nil {
		return itspHeader{}, err
	}
	magic, err := b.readExact(4)
	if err != nil {
		return itspHeader{}, wrapf(KindFormat, err, "reading ITSP magic")
	}
	if string(magic) != "ITSP" {
		return itspHeader{}, errf(KindFormat, "bad ITSP magic %q", magic)
	}
	version, err := b.readU32LE()
	if err != nil {
		return itspHeader{}, wrapf(KindFormat, err, "reading ITSP version")
	}
	headerLen, err := b.readU32LE()
	if err != nil {
		return itspHeader{}, wrapf(KindFormat, err, "reading ITSP header length")
	}
	if _, err := b.readU32LE(); err != nil { // unknown_1 (0x0a)
		return itspHeader{}, wrapf(KindFormat, err, "reading ITSP unknown field")
	}
	blockLen, err := b.readU32LE()
	if err != nil {
		return itspHeader{}, wrapf(KindFormat, err, "reading ITSP block length")
	}
	density, err := b.readU32LE()
	if err != nil {
		return itspHeader{}, wrapf(KindFormat, err, "reading ITSP quick-ref density")
	}
	indexDepth, err := b.readU32LE()
	if err != nil {
		return itspHeader{}, wrapf(KindFormat, err, "reading ITSP index depth")
	}
	indexRootRaw, err := b.readU32LE()
	if err != nil {
		return itspHeader{}, wrapf(KindFormat, err, "reading ITSP index root")
	}
	if _, err := b.readU32LE(); err != nil { // num_blocks / unknown_2
		return itspHeader{}, wrapf(KindFormat, err, "reading ITSP block count")
	}
	firstPMGL, err := b.readU32LE()
	if err != nil {
		return itspHeader{}, wrapf(KindFormat, err, "reading ITSP first PMGL")
	}
	lastPMGL, err := b.readU32LE()
	if err != nil {
		return itspHeader{}, wrapf(KindFormat, err, "reading ITSP last PMGL")
	}
	if _, err := b.readU32LE(); err != nil { // unknown_3 (-1)
		return itspHeader{}, wrapf(KindFormat, err, "reading ITSP unknown field")
	}
	numDirBlocks, err := b.readU32LE()
	if err != nil {
		return itspHeader{}, wrapf(KindFormat, err, "reading ITSP directory block count")
	}

	if indexDepth != 1 && indexDepth != 2 {
		return itspHeader{}, errf(KindFormat, "unsupported ITSP index depth %d", indexDepth)
	}
	if blockLen == 0 {
		return itspHeader{}, errf(KindFormat, "ITSP directory block length is zero")
	}

	return itspHeader{
		version:       version,
		headerLen:     headerLen,
		dirBlockLen:   blockLen,
		density:       density,
		indexDepth:    indexDepth,
		indexRoot:     int32(indexRootRaw),
		firstPMGL:     firstPMGL,
		lastPMGL:      lastPMGL,
		numDirBlocks:  numDirBlocks,
		blocksFileOff: int64(itsf.dirOffset) + int64(headerLen),
	}, nil
}

// systemEntry is one {type, data} record from the /#SYSTEM stream.
type systemEntry struct {
	kind uint16
	data []byte
}

func parseSystemStream(raw []byte) ([]systemEntry, error) {
	b := newByteReader(&byteSliceReaderAt{raw}, int64(len(raw)))
	var entries []systemEntry
	for b.tell() < b.len() {
		kind, err := b.readU16LE()
		if err != nil {
			return nil, wrapf(KindFormat, err, "reading /#SYSTEM entry type")
		}
		length, err := b.readU16LE()
		if err != nil {
			return nil, wrapf(KindFormat, err, "reading /#SYSTEM entry length")
		}
		data, err := b.readExact(int(length))
		if err != nil {
			return nil, wrapf(KindFormat, err, "reading /#SYSTEM entry body")
		}
		entries = append(entries, systemEntry{kind: kind, data: data})
	}
	return entries, nil
}

// encodingForSystemStream derives the content character encoding from the
// /#SYSTEM stream's type-4 (Win32 language id) entry, falling back to
// iso-8859-1 when absent or unrecognized — CHM archives overwhelmingly carry
// Western European or unmarked content.
func encodingForSystemStream(entries []systemEntry) string {
	for _, e := range entries {
		if e.kind == 4 && len(e.data) >= 4 {
			langID := uint32(e.data[0]) | uint32(e.data[1])<<8 | uint32(e.data[2])<<16 | uint32(e.data[3])<<24
			if enc, ok := langIDEncoding[langID]; ok {
				return enc
			}
			return "iso-8859-1"
		}
	}
	return "iso-8859-1"
}

// langIDEncoding maps a handful of common Win32 language ids to the content
// encoding CHM compilers paired them with. Unlisted ids fall back to
// iso-8859-1, which covers the overwhelming majority of Western archives.
var langIDEncoding = map[uint32]string{
	0x0409: "iso-8859-1", // en-US
	0x0407: "iso-8859-1", // de-DE
	0x040c: "iso-8859-1", // fr-FR
	0x0410: "iso-8859-1", // it-IT
	0x0411: "shift_jis",  // ja-JP
	0x0412: "euc-kr",     // ko-KR
	0x0404: "big5",       // zh-TW
	0x0804: "gb2312",     // zh-CN
	0x0419: "windows-1251", // ru-RU
}

// clcd is the "CLCD" ControlData stream: LZX version and tuning parameters
// shared by every reset interval in section 1.
type clcd struct {
	version       uint32
	resetInterval uint32
	windowSize    uint32
	cacheSize     uint32
}

func parseCLCD(raw []byte) (clcd, error) {
	b := newByteReader(&byteSliceReaderAt{raw}, int64(len(raw)))
	dwordCount, err := b.readU32LE()
	if err != nil {
		return clcd{}, wrapf(KindFormat, err, "reading ControlData dword count")
	}
	if dwordCount != 6 {
		return clcd{}, errf(KindFormat, "ControlData dword count %d, want 6", dwordCount)
	}
	magic, err := b.readExact(4)
	if err != nil {
		return clcd{}, wrapf(KindFormat, err, "reading ControlData signature")
	}
	if string(magic) != "LZXC" {
		return clcd{}, errf(KindFormat, "bad ControlData signature %q", magic)
	}
	version, err := b.readU32LE()
	if err != nil {
		return clcd{}, wrapf(KindFormat, err, "reading ControlData version")
	}
	resetInterval, err := b.readU32LE()
	if err != nil {
		return clcd{}, wrapf(KindFormat, err, "reading ControlData reset interval")
	}
	windowSize, err := b.readU32LE()
	if err != nil {
		return clcd{}, wrapf(KindFormat, err, "reading ControlData window size")
	}
	if windowSize > 1<<21 {
		return clcd{}, errf(KindUnsupportedVersion, "ControlData window size %d exceeds the 2MB LZX maximum", windowSize)
	}
	cacheSize, err := b.readU32LE()
	if err != nil {
		return clcd{}, wrapf(KindFormat, err, "reading ControlData cache size")
	}
	// The sixth dword counted by dwordCount is a reserved field that every
	// encoder observed in practice leaves zero. The LZX spec overloads a bit
	// in this position of the stream for the Intel E8 call-site translation
	// flag; CHM's framing of LZXC ControlData never sets it, so rather than
	// silently ignore a field we can't interpret, a nonzero value here is
	// treated as an unsupported ControlData extension (which would include
	// E8 translation, were it ever turned on) instead of decoded as if it
	// were the all-zero case. See DESIGN.md for the elision rationale.
	reserved, err := b.readU32LE()
	if err != nil {
		return clcd{}, wrapf(KindFormat, err, "reading ControlData reserved field")
	}
	if reserved != 0 {
		return clcd{}, errf(KindUnsupportedVersion, "ControlData reserved field %#x is non-zero (possible Intel E8 call-site translation, which this reader does not implement)", reserved)
	}
	return clcd{
		version:       version,
		resetInterval: resetInterval,
		windowSize:    windowSize,
		cacheSize:     cacheSize,
	}, nil
}

// parseResetTable decodes the on-disk "LZX reset table" unit: a 40-byte header
// followed by numEntries little-endian uint64 compressed-byte offsets, one
// per reset interval of intervalLen uncompressed bytes each.
func parseResetTable(raw []byte) (resetTable, error) {
	b := newByteReader(&byteSliceReaderAt{raw}, int64(len(raw)))
	if _, err := b.readU16LE(); err != nil { // version
		return resetTable{}, wrapf(KindFormat, err, "reading reset table version")
	}
	if _, err := b.readU16LE(); err != nil { // unknown
		return resetTable{}, wrapf(KindFormat, err, "reading reset table reserved field")
	}
	numEntries, err := b.readU32LE()
	if err != nil {
		return resetTable{}, wrapf(KindFormat, err, "reading reset table entry count")
	}
	entrySize, err := b.readU32LE()
	if err != nil {
		return resetTable{}, wrapf(KindFormat, err, "reading reset table entry size")
	}
	if entrySize != 8 {
		return resetTable{}, errf(KindFormat, "reset table entry size %d, want 8", entrySize)
	}
	tableOffset, err := b.readU32LE()
	if err != nil {
		return resetTable{}, wrapf(KindFormat, err, "reading reset table offset field")
	}
	uncompressedLen, err := b.readU64LE()
	if err != nil {
		return resetTable{}, wrapf(KindFormat, err, "reading reset table uncompressed length")
	}
	if _, err := b.readU64LE(); err != nil { // compressed length, unused
		return resetTable{}, wrapf(KindFormat, err, "reading reset table compressed length")
	}
	intervalLen, err := b.readU64LE()
	if err != nil {
		return resetTable{}, wrapf(KindFormat, err, "reading reset table interval length")
	}

	if err := b.seek(int64(tableOffset)); err != nil {
		return resetTable{}, wrapf(KindFormat, err, "seeking to reset table addresses")
	}
	addrs := make([]uint64, numEntries)
	for i := range addrs {
		v, err := b.readU64LE()
		if err != nil {
			return resetTable{}, wrapf(KindFormat, err, "reading reset table address %d", i)
		}
		addrs[i] = v
	}
	if len(addrs) > 0 && addrs[0] != 0 {
		return resetTable{}, errf(KindCorrupt, "reset table address 0 is %d, want 0", addrs[0])
	}
	for i := 1; i < len(addrs); i++ {
		if addrs[i] <= addrs[i-1] {
			return resetTable{}, errf(KindCorrupt, "reset table addresses not strictly increasing at %d", i)
		}
	}

	return resetTable{
		intervalLen:     intervalLen,
		uncompressedLen: uncompressedLen,
		addresses:       addrs,
	}, nil
}

// resetTable is the parsed form of the on-disk reset-table unit.
type resetTable struct {
	intervalLen     uint64
	uncompressedLen uint64
	addresses       []uint64
}

// wellKnownResetTableName is the fixed internal unit holding the reset
// table for section 1's sole compression transform (LZX).
const wellKnownResetTableName = "::dataspace/storage/mscompressed/transform/{7fc28940-9d31-11d0-9b27-00a0c91e9c7c}/instancedata/resettable"
const wellKnownControlDataName = "::dataspace/storage/mscompressed/controldata"
const wellKnownSystemName = "/#system"

// lowerName normalizes a unit name the way directory comparisons do: ASCII
// lower-case, bytes >= 0x80 left alone (no Unicode folding — see spec's
// name comparison design note).
func lowerName(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// byteSliceReaderAt adapts an in-memory []byte, the content of a
// well-known metadata unit already pulled out of section 0, to io.ReaderAt
// so it can be driven by the same byteReader as the on-disk archive.
type byteSliceReaderAt struct{ b []byte }

func (s *byteSliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s.b)) {
		return 0, io.EOF
	}
	n := copy(p, s.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
