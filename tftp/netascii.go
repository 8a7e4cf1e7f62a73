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
)

// NetasciiReader encodes the bytes of an underlying ResponseData into
// netascii: every LF becomes CR LF, every bare CR becomes CR NUL.
//
// Reads stream incrementally, keeping expansion overflow in a residual
// buffer that is served first on the next call. Size has to know the total
// encoded length, which is only possible by producing the whole stream; the
// materialized copy is cached and every later Read is served from it. This
// is the price of honoring the tsize option on a netascii transfer.
type NetasciiReader struct {
	reader   ResponseData
	residual []byte
	slurp    *bytes.Reader
	size     int64
}

// NewNetasciiReader wraps rd in the netascii encoder.
func NewNetasciiReader(rd ResponseData) *NetasciiReader {
	return &NetasciiReader{reader: rd}
}

func (r *NetasciiReader) Read(p []byte) (int, error) {
	if r.slurp != nil {
		return r.slurp.Read(p)
	}
	if len(p) == 0 {
		return 0, nil
	}

	data := r.residual
	r.residual = nil
	if want := len(p) - len(data); want > 0 {
		raw := make([]byte, want)
		n, err := r.reader.Read(raw)
		if err != nil && err != io.EOF {
			return 0, err
		}
		for _, c := range raw[:n] {
			switch c {
			case '\n':
				data = append(data, '\r', '\n')
			case '\r':
				data = append(data, '\r', 0)
			default:
				data = append(data, c)
			}
		}
	}

	n := copy(p, data)
	if n < len(data) {
		r.residual = append(r.residual, data[n:]...)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Size materializes the fully encoded stream once, caches it, and returns
// its length. Subsequent reads come from the cached copy.
func (r *NetasciiReader) Size() (int64, error) {
	if r.slurp != nil {
		return r.size, nil
	}
	var all bytes.Buffer
	chunk := make([]byte, DefaultBlksize)
	for {
		n, err := r.Read(chunk)
		all.Write(chunk[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	r.slurp = bytes.NewReader(all.Bytes())
	r.size = int64(all.Len())
	return r.size, nil
}

func (r *NetasciiReader) Close() error {
	return r.reader.Close()
}
