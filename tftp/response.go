// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package tftp

import (
	"bytes"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// ErrSizeUnknown is returned by ResponseData.Size when the total length of
// the stream cannot be determined up front. Sessions omit the tsize option
// from the OACK in that case.
var ErrSizeUnknown = errors.New("response data size unknown")

// ErrNotFound marks a path that cannot be resolved to content. Resolver
// hooks should wrap or return it (or an os.ErrNotExist) so the session
// reports "file not found" instead of a generic failure to the peer.
var ErrNotFound = errors.New("file not found")

// ResponseData is a finite, forward-only byte source served to one peer.
// Read follows io.Reader semantics. Size reports the total byte count, or
// ErrSizeUnknown when it cannot be known without consuming the stream.
type ResponseData interface {
	io.Reader
	Size() (int64, error)
	Close() error
}

// BytesResponseData serves an in-memory buffer.
type BytesResponseData struct {
	reader *bytes.Reader
}

// NewBytesResponseData creates a ResponseData backed by b.
func NewBytesResponseData(b []byte) *BytesResponseData {
	return &BytesResponseData{reader: bytes.NewReader(b)}
}

func (r *BytesResponseData) Read(p []byte) (int, error) { return r.reader.Read(p) }

func (r *BytesResponseData) Size() (int64, error) { return r.reader.Size(), nil }

func (r *BytesResponseData) Close() error { return nil }

// FileResponseData serves a file from the local filesystem.
type FileResponseData struct {
	file *os.File
	size int64
}

// NewFileResponseData opens path for reading. A missing file is reported as
// ErrNotFound so sessions answer with the right TFTP error code.
func NewFileResponseData(path string) (*FileResponseData, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, path)
		}
		return nil, errors.WithStack(err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &FileResponseData{file: f, size: fi.Size()}, nil
}

func (r *FileResponseData) Read(p []byte) (int, error) { return r.file.Read(p) }

func (r *FileResponseData) Size() (int64, error) { return r.size, nil }

func (r *FileResponseData) Close() error { return r.file.Close() }

// SnappyResponseData decompresses a snappy framed stream on the fly. The
// decompressed length is not recorded in the framing, so Size reports
// ErrSizeUnknown and tsize stays out of the OACK.
type SnappyResponseData struct {
	inner  ResponseData
	reader *snappy.Reader
}

// NewSnappyResponseData wraps rd, which must carry snappy framed data.
func NewSnappyResponseData(rd ResponseData) *SnappyResponseData {
	return &SnappyResponseData{inner: rd, reader: snappy.NewReader(rd)}
}

func (r *SnappyResponseData) Read(p []byte) (int, error) { return r.reader.Read(p) }

func (r *SnappyResponseData) Size() (int64, error) { return 0, ErrSizeUnknown }

func (r *SnappyResponseData) Close() error { return r.inner.Close() }
