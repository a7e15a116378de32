// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package lzx

import "errors"

// errTruncatedLZX is the error Decode (and so Reader.ReadAt) returns, as is,
// when the compressed input ends before the requested bytes are produced.
// It does not wrap io.ErrUnexpectedEOF, and internal/chm does not tell it
// apart from other decode failures: Archive.Retrieve reports it as
// KindCorrupt, not KindTruncated.
var errTruncatedLZX = errors.New("lzx: truncated bitstream")

var (
	errOutOfRange   = errors.New("lzx: read offset outside decompressed stream")
	errCorruptReset = errors.New("lzx: reset table entry out of bounds")
)
