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
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Option is a single key/value pair from an RRQ or an OACK. Options travel
// as a slice rather than a map because the OACK must echo them in the order
// the client asked for them.
type Option struct {
	Key   string
	Value string
}

// Options is an ordered option list.
type Options []Option

// Get returns the value for key and whether it was present.
func (o Options) Get(key string) (string, bool) {
	for _, opt := range o {
		if opt.Key == key {
			return opt.Value, true
		}
	}
	return "", false
}

// Set appends the pair, replacing the value in place if the key exists.
func (o Options) Set(key, value string) Options {
	for i := range o {
		if o[i].Key == key {
			o[i].Value = value
			return o
		}
	}
	return append(o, Option{key, value})
}

// request is a parsed RRQ datagram.
type request struct {
	path    string
	mode    string
	options Options
}

// parseRequest decodes the body of an RRQ: filename, mode and zero or more
// option pairs, each NUL terminated. Token counting follows the dispatcher
// robustness rule: empty tokens are discarded, then fewer than two tokens or
// an odd token count means the datagram is malformed.
func parseRequest(data []byte) (*request, error) {
	if len(data) < 2 {
		return nil, errors.Errorf("request too short: %d bytes", len(data))
	}
	if binary.BigEndian.Uint16(data[:2]) != OpRRQ {
		return nil, errors.Errorf("not an RRQ: opcode %d", binary.BigEndian.Uint16(data[:2]))
	}

	var tokens []string
	for _, tok := range bytes.Split(data[2:], []byte{0}) {
		if len(tok) > 0 {
			tokens = append(tokens, string(tok))
		}
	}
	if len(tokens) < 2 || len(tokens)%2 != 0 {
		return nil, errors.Errorf("malformed request (tokens length: %d)", len(tokens))
	}

	req := &request{
		path: tokens[0],
		mode: strings.ToLower(tokens[1]),
	}
	for pos := 2; pos < len(tokens); pos += 2 {
		req.options = append(req.options, Option{
			Key:   strings.ToLower(tokens[pos]),
			Value: tokens[pos+1],
		})
	}
	return req, nil
}

// encodeData builds a DATA datagram for one block.
func encodeData(block uint16, payload []byte) []byte {
	pkt := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(pkt[0:2], OpData)
	binary.BigEndian.PutUint16(pkt[2:4], block)
	copy(pkt[4:], payload)
	return pkt
}

// encodeOack builds an OACK datagram echoing opts in order.
func encodeOack(opts Options) []byte {
	var buf bytes.Buffer
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], OpOack)
	buf.Write(hdr[:])
	for _, opt := range opts {
		buf.WriteString(opt.Key)
		buf.WriteByte(0)
		buf.WriteString(opt.Value)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// encodeError builds an ERROR datagram.
func encodeError(code uint16, message string) []byte {
	pkt := make([]byte, 4+len(message)+1)
	binary.BigEndian.PutUint16(pkt[0:2], OpError)
	binary.BigEndian.PutUint16(pkt[2:4], code)
	copy(pkt[4:], message)
	return pkt
}
