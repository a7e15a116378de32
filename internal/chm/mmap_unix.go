// Copyright (c) Elliot Nunn
// Licensed under the MIT license

//go:build unix

package chm

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile maps f read-only for its whole length, the way fileid's
// build-tagged syscall access restricts itself to the platform that can
// provide it and leaves everyone else to a portable fallback. The returned
// reader also implements io.Closer: unmapping and closing f together.
func mmapFile(f *os.File, size int64) (io.ReaderAt, bool) {
	if size <= 0 {
		return nil, false
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, false
	}
	return &mmapReaderAt{data: data, file: f}, true
}

type mmapReaderAt struct {
	data []byte
	file *os.File
}

func (m *mmapReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return (&byteSliceReaderAt{m.data}).ReadAt(p, off)
}

// Close unmaps before closing the backing file descriptor, in that order —
// munmap after the fd is gone is undefined on some platforms.
func (m *mmapReaderAt) Close() error {
	err := unix.Munmap(m.data)
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}
