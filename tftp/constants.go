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

// Package tftp implements a framework for building dynamic, read-only TFTP
// servers. It speaks RFC 1350 read transactions with option negotiation per
// RFC 2347/2348/2349 and netascii translation, while the caller supplies the
// logic that maps a requested path onto a stream of bytes.
package tftp

import "time"

// TFTP opcodes, RFC 1350 / RFC 2347.
const (
	OpRRQ   uint16 = 1
	OpWRQ   uint16 = 2
	OpData  uint16 = 3
	OpAck   uint16 = 4
	OpError uint16 = 5
	OpOack  uint16 = 6
)

// TFTP error codes.
const (
	ErrUndefined         uint16 = 0 // not defined, see error message (if any)
	ErrFileNotFound      uint16 = 1
	ErrAccessViolation   uint16 = 2
	ErrDiskFull          uint16 = 3
	ErrIllegalOperation  uint16 = 4
	ErrUnknownTransferID uint16 = 5
	ErrFileExists        uint16 = 6
	ErrNoSuchUser        uint16 = 7
	ErrInvalidOptions    uint16 = 8 // RFC 2347
)

// TFTP transfer modes.
const (
	ModeNetascii = "netascii"
	ModeOctet    = "octet"
)

const (
	// DefaultBlksize is the block size mandated by RFC 1350 when the client
	// does not negotiate one.
	DefaultBlksize = 512

	// MinBlksize and MaxBlksize bound the blksize option, RFC 2348.
	MinBlksize = 8
	MaxBlksize = 65464

	// MaxBlockNumber is the largest 16 bit block number. The counter wraps
	// to zero past this point so that large transfers keep flowing.
	MaxBlockNumber = 65535

	// DefaultStatsInterval is how often the server stats callback fires.
	DefaultStatsInterval = 60 * time.Second
)

// Option keys. default_timeout and retries are injected by the dispatcher
// alongside the client-requested options; they carry server configuration
// into the session and are stripped before the OACK is built. mode is filled
// from the RRQ's mode field and is never echoed; blksize, tsize and timeout
// are the client-requested options the session recognizes.
const (
	optMode           = "mode"
	optDefaultTimeout = "default_timeout"
	optRetries        = "retries"
	optBlksize        = "blksize"
	optTsize          = "tsize"
	optTimeout        = "timeout"
)
