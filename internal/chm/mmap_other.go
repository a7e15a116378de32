// Copyright (c) Elliot Nunn
// Licensed under the MIT license

//go:build !unix

package chm

import (
	"io"
	"os"
)

// mmapFile has no portable implementation outside unix; openFile falls back
// to a plain buffered *os.File reader wherever this reports false.
func mmapFile(f *os.File, size int64) (io.ReaderAt, bool) {
	return nil, false
}
