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
	"testing"
)

func readAll(t *testing.T, r *NetasciiReader, chunk int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, chunk)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func TestNetasciiLineFeeds(t *testing.T) {
	r := NewNetasciiReader(NewBytesResponseData([]byte("foo\nbar\nand another\none")))
	buf := make([]byte, 512)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "foo\r\nbar\r\nand another\r\none"
	if string(buf[:n]) != want {
		t.Fatalf("got %q, want %q", buf[:n], want)
	}
}

func TestNetasciiCarriageReturns(t *testing.T) {
	r := NewNetasciiReader(NewBytesResponseData([]byte("foo\r\nbar\r\nand another\r\none")))
	buf := make([]byte, 512)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "foo\r\x00\r\nbar\r\x00\r\nand another\r\x00\r\none"
	if string(buf[:n]) != want {
		t.Fatalf("got %q, want %q", buf[:n], want)
	}
}

func TestNetasciiSmallReads(t *testing.T) {
	// Expansion overflows the caller's buffer; residual bytes must carry
	// over to the next call without loss or reordering.
	r := NewNetasciiReader(NewBytesResponseData([]byte("a\nb\nc\nd\n")))
	got := readAll(t, r, 3)
	if string(got) != "a\r\nb\r\nc\r\nd\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestNetasciiSizeMaterializes(t *testing.T) {
	input := []byte("foo\nbar\r")
	r := NewNetasciiReader(NewBytesResponseData(input))
	size, err := r.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	// foo CR LF bar CR NUL
	if size != 10 {
		t.Fatalf("size = %d, want 10", size)
	}
	got := readAll(t, r, 4)
	if int64(len(got)) != size {
		t.Fatalf("produced %d bytes, size promised %d", len(got), size)
	}
	if string(got) != "foo\r\nbar\r\x00" {
		t.Fatalf("got %q", got)
	}
	// Size is cached.
	again, err := r.Size()
	if err != nil || again != size {
		t.Fatalf("second size: %d, %v", again, err)
	}
}

func TestNetasciiRoundTrip(t *testing.T) {
	input := []byte("mixed\nline\rendings\r\nhere\n\r")
	r := NewNetasciiReader(NewBytesResponseData(input))
	encoded := readAll(t, r, 512)
	if len(encoded) < len(input) {
		t.Fatalf("encoding must never shrink: %d < %d", len(encoded), len(input))
	}

	// Invert the encoding: CR LF -> LF, CR NUL -> CR.
	var decoded []byte
	for i := 0; i < len(encoded); i++ {
		if encoded[i] == '\r' && i+1 < len(encoded) {
			switch encoded[i+1] {
			case '\n':
				decoded = append(decoded, '\n')
				i++
				continue
			case 0:
				decoded = append(decoded, '\r')
				i++
				continue
			}
		}
		decoded = append(decoded, encoded[i])
	}
	if !bytes.Equal(decoded, input) {
		t.Fatalf("round trip mismatch: %q -> %q -> %q", input, encoded, decoded)
	}
}

func TestNetasciiEmptySource(t *testing.T) {
	r := NewNetasciiReader(NewBytesResponseData(nil))
	buf := make([]byte, 16)
	if n, err := r.Read(buf); n != 0 || err != io.EOF {
		t.Fatalf("expected EOF, got %d, %v", n, err)
	}
	size, err := r.Size()
	if err != nil || size != 0 {
		t.Fatalf("empty size: %d, %v", size, err)
	}
}
