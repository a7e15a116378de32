// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package chm

import (
	"bytes"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/elliotnunn/chmhelp/internal/lzx"
)

// Archive is an open CHM file: parsed ITSF/ITSP headers, the LZX control
// data and reset table for section 1, and exclusive ownership of the
// underlying reader. Not safe for concurrent use by multiple goroutines.
type Archive struct {
	closer   io.Closer
	file     *byteReader
	itsf     itsfHeader
	itsp     itspHeader
	dir      *directory
	encoding string
	clcd     clcd
	resets   resetTable
	lzxR     *lzx.Reader // nil if the archive has no section-1 content
	closed   bool
}

// Open parses path as a CHM archive: ITSF and ITSP headers, the directory
// index, and — if present — the LZX control data and reset table for
// section 1. Headers are parsed eagerly; directory blocks are read lazily
// (through a small block cache) and parsed on each resolve/enumerate call.
func Open(path string) (*Archive, error) {
	ra, size, closer, err := openFile(path)
	if err != nil {
		return nil, err
	}

	a, err := openArchive(ra, size)
	if err != nil {
		closer.Close()
		return nil, err
	}
	a.closer = closer
	return a, nil
}

// OpenReader parses an already-open archive, the way Open does, without
// taking ownership of anything to Close — useful for archives embedded
// inside another container.
func OpenReader(r io.ReaderAt, size int64) (*Archive, error) {
	return openArchive(r, size)
}

func openArchive(ra io.ReaderAt, size int64) (*Archive, error) {
	file := newByteReader(ra, size)

	itsf, err := parseITSF(file)
	if err != nil {
		return nil, err
	}
	itsp, err := parseITSP(file, itsf)
	if err != nil {
		return nil, err
	}

	dir := newDirectory(file, itsp)

	a := &Archive{
		file:     file,
		itsf:     itsf,
		itsp:     itsp,
		dir:      dir,
		encoding: "iso-8859-1",
	}

	if sys, ok, err := dir.resolve(wellKnownSystemName); err != nil {
		return nil, err
	} else if ok {
		raw, err := a.retrieveRaw(sys)
		if err != nil {
			return nil, wrapf(KindFormat, err, "reading /#SYSTEM")
		}
		entries, err := parseSystemStream(raw)
		if err != nil {
			return nil, err
		}
		a.encoding = encodingForSystemStream(entries)
	}

	cd, hasCD, err := dir.resolve(wellKnownControlDataName)
	if err != nil {
		return nil, err
	}
	rt, hasRT, err := dir.resolve(wellKnownResetTableName)
	if err != nil {
		return nil, err
	}

	if hasCD && hasRT {
		cdRaw, err := a.retrieveRaw(cd)
		if err != nil {
			return nil, wrapf(KindFormat, err, "reading ControlData")
		}
		a.clcd, err = parseCLCD(cdRaw)
		if err != nil {
			return nil, err
		}

		rtRaw, err := a.retrieveRaw(rt)
		if err != nil {
			return nil, wrapf(KindFormat, err, "reading reset table")
		}
		a.resets, err = parseResetTable(rtRaw)
		if err != nil {
			return nil, err
		}

		contentUnit, hasContent, err := dir.resolve("::dataspace/storage/mscompressed/content")
		if err != nil {
			return nil, err
		}
		if hasContent {
			sub, err := file.section(int64(itsf.dataOffset)+int64(contentUnit.Offset), int64(contentUnit.Length))
			if err != nil {
				return nil, errf(KindCorrupt, "MSCompressed content unit outside file")
			}
			a.lzxR = lzx.NewReader(sub.r, sub.n, lzx.ResetTable{
				IntervalLen: a.resets.intervalLen,
				Offsets:     a.resets.addresses,
			}, a.clcd.windowSize, int64(a.resets.uncompressedLen))
		}
	}

	return a, nil
}

// retrieveRaw reads a unit's bytes from section 0 directly, bypassing
// a.lzxR — used during Open, before the LZX reader exists, to pull out the
// metadata units that describe how to build it.
func (a *Archive) retrieveRaw(u Unit) ([]byte, error) {
	if u.Section != 0 {
		return nil, errf(KindCorrupt, "metadata unit %q unexpectedly in section %d", u.Name, u.Section)
	}
	if u.Length == 0 {
		return nil, nil
	}
	sub, err := a.file.section(int64(a.itsf.dataOffset)+int64(u.Offset), int64(u.Length))
	if err != nil {
		return nil, errf(KindCorrupt, "unit %q outside file", u.Name)
	}
	return sub.readExact(int(u.Length))
}

// Encoding returns the IANA character-encoding name content in this
// archive is expected to be decoded with.
func (a *Archive) Encoding() string { return a.encoding }

// Enumerate calls fn once per unit in directory order (ascending
// case-insensitive byte order on the name). fn's error stops the walk.
func (a *Archive) Enumerate(fn func(Unit) error) error {
	if a.closed {
		return &Error{Kind: KindClosed, Msg: "enumerate", Err: ErrClosed}
	}
	return a.dir.enumerate(fn)
}

// ContentFiles calls fn once per unit that represents actual page content:
// names starting with "/" but not "/#", "/$", or exactly "/".
func (a *Archive) ContentFiles(fn func(Unit) error) error {
	return a.Enumerate(func(u Unit) error {
		if !isContentFile(u.Name) {
			return nil
		}
		return fn(u)
	})
}

func isContentFile(name string) bool {
	if !strings.HasPrefix(name, "/") {
		return false
	}
	if name == "/" {
		return false
	}
	if strings.HasPrefix(name, "/#") || strings.HasPrefix(name, "/$") {
		return false
	}
	return true
}

// Resolve looks up name, accepted with or without a leading slash and in
// any case, returning (Unit{}, false, nil) if no such unit exists.
func (a *Archive) Resolve(name string) (Unit, bool, error) {
	if a.closed {
		return Unit{}, false, &Error{Kind: KindClosed, Msg: "resolve", Err: ErrClosed}
	}
	if name == "" {
		return Unit{}, false, nil
	}
	if !strings.HasPrefix(name, "/") && !strings.HasPrefix(name, "::") {
		name = "/" + name
	}
	return a.dir.resolve(lowerName(name))
}

// GetHHC returns the first content file whose name ends in ".hhc"
// (ASCII case-insensitive), the conventional contents-tree file.
func (a *Archive) GetHHC() (Unit, bool, error) {
	var found Unit
	var ok bool
	err := a.ContentFiles(func(u Unit) error {
		if ok {
			return nil
		}
		if strings.HasSuffix(u.Name, ".hhc") {
			found, ok = u, true
		}
		return nil
	})
	if err != nil {
		return Unit{}, false, err
	}
	return found, ok, nil
}

// Retrieve reads a unit's full contents: one absolute read for a section-0
// unit, or a reset-table-driven LZX decode for a section-1 unit.
func (a *Archive) Retrieve(u Unit) ([]byte, error) {
	if a.closed {
		return nil, &Error{Kind: KindClosed, Msg: "retrieve", Err: ErrClosed}
	}
	if u.Length == 0 {
		return []byte{}, nil
	}
	switch u.Section {
	case 0:
		return a.retrieveRaw(u)
	case 1:
		if a.lzxR == nil {
			return nil, errf(KindCorrupt, "unit %q in section 1 but archive has no compressed content", u.Name)
		}
		if int64(u.Offset)+int64(u.Length) > a.lzxR.Size() {
			return nil, errf(KindOutOfRange, "unit %q extends past decompressed content size", u.Name)
		}
		buf := make([]byte, u.Length)
		n, err := a.lzxR.ReadAt(buf, int64(u.Offset))
		if err != nil && !(err == io.EOF && n == len(buf)) {
			// lzx.Reader doesn't distinguish corrupt vs truncated input in
			// its exported error values, so any failure here (other than a
			// clean EOF after a full read) is reported as corrupt data.
			return nil, wrapf(KindCorrupt, err, "decoding unit %q", u.Name)
		}
		return buf, nil
	default:
		return nil, errf(KindCorrupt, "unit %q has unsupported section %d", u.Name, u.Section)
	}
}

// FS returns a read-only io/fs.FS view of this archive's content files
// (the same set ContentFiles walks), with unit names mapped onto fs.FS's
// slash-separated, no-leading-slash convention. Each Open goes straight
// through Resolve and Retrieve rather than an intermediate static tree.
// The view has no directory entries: opening a directory name, including
// ".", reports fs.ErrNotExist.
func (a *Archive) FS() fs.FS {
	return &archiveFS{a: a}
}

type archiveFS struct{ a *Archive }

func (afs *archiveFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	u, ok, err := afs.a.Resolve(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	if !ok || !isContentFile(u.Name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	data, err := afs.a.Retrieve(u)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return &archiveFile{
		info:   archiveFileInfo{name: strings.TrimPrefix(u.Name, "/"), size: int64(len(data))},
		Reader: bytes.NewReader(data),
	}, nil
}

type archiveFile struct {
	info archiveFileInfo
	*bytes.Reader
}

func (f *archiveFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *archiveFile) Close() error               { return nil }

type archiveFileInfo struct {
	name string
	size int64
}

func (i archiveFileInfo) Name() string       { return pathBase(i.name) }
func (i archiveFileInfo) Size() int64        { return i.size }
func (i archiveFileInfo) Mode() fs.FileMode  { return 0o444 }
func (i archiveFileInfo) ModTime() time.Time { return time.Time{} }
func (i archiveFileInfo) IsDir() bool        { return false }
func (i archiveFileInfo) Sys() any           { return nil }

func pathBase(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// OpenUnit returns a seekable view of a unit's decompressed bytes, for
// callers like an HTTP front-end that want to hand net/http.ServeContent a
// stream instead of materializing the whole unit with Retrieve. Section-1
// units are served off the shared lzx.Reader's ReadAt through a bounded
// io.SectionReader, reusing its reset-interval
// cache instead of decoding twice.
func (a *Archive) OpenUnit(u Unit) (io.ReadSeeker, error) {
	if a.closed {
		return nil, &Error{Kind: KindClosed, Msg: "openunit", Err: ErrClosed}
	}
	switch u.Section {
	case 0:
		data, err := a.retrieveRaw(u)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	case 1:
		if a.lzxR == nil {
			return nil, errf(KindCorrupt, "unit %q in section 1 but archive has no compressed content", u.Name)
		}
		if int64(u.Offset)+int64(u.Length) > a.lzxR.Size() {
			return nil, errf(KindOutOfRange, "unit %q extends past decompressed content size", u.Name)
		}
		return io.NewSectionReader(a.lzxR, int64(u.Offset), int64(u.Length)), nil
	default:
		return nil, errf(KindCorrupt, "unit %q has unsupported section %d", u.Name, u.Section)
	}
}

// Close releases the archive's reader. Subsequent operations fail with
// KindClosed.
func (a *Archive) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}
