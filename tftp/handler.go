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
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ResponseDataFactory resolves the requested path into a byte source. It is
// called once, during session construction. Return ErrNotFound (or an
// os.ErrNotExist) for a missing path so the peer gets the right error code.
type ResponseDataFactory func() (ResponseData, error)

// Handler drives one read session: option negotiation, the block-at-a-time
// stop-and-wait loop with retransmits, and the terminal stats report. It
// owns a fresh UDP socket whose ephemeral port is the session's transfer
// id; datagrams arriving from any other source terminate the session.
//
// A Handler is built by NewHandler and driven by a single call to Run,
// normally in a goroutine of its own. It shares no state with the
// dispatcher or with other sessions.
type Handler struct {
	serverAddr *net.UDPAddr
	peer       *net.UDPAddr
	path       string
	options    Options
	statsCB    SessionStatsCallback

	conn     *net.UDPConn
	response ResponseData
	recvBuf  []byte

	timeout   time.Duration
	retries   int
	blockSize int

	lastBlockSent     uint16
	retransmits       int
	globalRetransmits int
	currentBlock      []byte
	waitingLastAck    bool
	shouldStop        bool
	expireAt          time.Time

	ack   Options
	stats SessionStats
}

// NewHandler constructs a session for one RRQ. options is the dispatcher's
// ordered option list, including the injected default_timeout and retries
// entries. Construction never fails: a factory error is recorded and Run
// reports it to the peer before terminating.
func NewHandler(serverAddr, peer *net.UDPAddr, path string, options Options, factory ResponseDataFactory, statsCB SessionStatsCallback) *Handler {
	h := &Handler{
		serverAddr: copyUDPAddr(serverAddr),
		peer:       copyUDPAddr(peer),
		path:       path,
		options:    options,
		statsCB:    statsCB,
		recvBuf:    make([]byte, DefaultBlksize),
		timeout:    5 * time.Second,
		retries:    3,
		blockSize:  DefaultBlksize,
	}
	if v, ok := options.Get(optDefaultTimeout); ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			h.timeout = time.Duration(secs) * time.Second
		}
	}
	if v, ok := options.Get(optRetries); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			h.retries = n
		}
	}
	// The session socket follows the listener's family: the v4-mapped
	// form of a v4 peer is normalized so the transfer-id comparison and
	// the reply destination agree.
	if ip4 := h.serverAddr.IP.To4(); ip4 != nil {
		h.serverAddr.IP = ip4
		if peer4 := h.peer.IP.To4(); peer4 != nil {
			h.peer.IP = peer4
		}
	}

	log.Printf("new connection from peer %v asking for path %q", h.peer, path)

	h.stats = SessionStats{
		Peer:       h.peer,
		ServerAddr: h.serverAddr,
		FilePath:   path,
		StartTime:  time.Now(),
		Blksize:    DefaultBlksize,
	}

	rd, err := factory()
	switch {
	case err != nil:
		log.Printf("resolving %q for peer %v: %v", path, h.peer, err)
		code := ErrUndefined
		if errors.Is(err, ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			code = ErrFileNotFound
		}
		h.stats.Error = &TransferError{Code: code, Message: err.Error()}
	case rd == nil:
		h.stats.Error = &TransferError{Code: ErrUndefined, Message: "no response data"}
	default:
		h.response = rd
	}

	h.resetTimeout()
	return h
}

// Run performs the whole transfer and blocks until the session reaches a
// terminal state. The stats callback, the response data and the session
// socket are all released before it returns.
func (h *Handler) Run() {
	defer h.close()

	if h.stats.Error != nil {
		h.transmitError()
		return
	}
	if !h.parseOptions() {
		return
	}
	if len(h.ack) > 0 {
		h.transmitOack()
	} else {
		h.nextBlock()
		if h.shouldStop {
			return
		}
		h.transmitData()
	}
	h.resetTimeout()
	for !h.shouldStop {
		h.runOnce()
	}
}

// runOnce waits for one datagram (bounded by the negotiated timeout) and
// fires the retransmit logic when the deadline has passed.
func (h *Handler) runOnce() {
	h.onNewData()
	if time.Now().After(h.expireAt) {
		h.handleTimeout()
	}
}

func (h *Handler) resetTimeout() {
	h.expireAt = time.Now().Add(h.timeout)
}

// listener lazily binds the session socket on the server's address with an
// ephemeral port, establishing the transfer id.
func (h *Handler) listener() (*net.UDPConn, error) {
	if h.conn != nil {
		return h.conn, nil
	}
	// Plain "udp" keeps a wildcard v6 bind dual-stack; the address picks
	// the actual family.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: h.serverAddr.IP})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	h.conn = conn
	return conn, nil
}

// parseOptions validates the client's options and collects the subset to
// echo in the OACK, in request order. It reports false when the session
// must end immediately (unknown mode).
func (h *Handler) parseOptions() bool {
	var in Options
	for _, opt := range h.options {
		if opt.Key == optDefaultTimeout || opt.Key == optRetries {
			continue
		}
		in = append(in, opt)
	}
	h.stats.OptionsIn = in
	log.Printf("options requested from peer %v: %v", h.peer, in)

	if mode, ok := in.Get(optMode); ok {
		switch mode {
		case ModeNetascii:
			h.response = NewNetasciiReader(h.response)
		case ModeOctet:
		default:
			h.stats.Error = &TransferError{
				Code:    ErrIllegalOperation,
				Message: fmt.Sprintf("Unknown mode: '%s'", mode),
			}
			h.transmitError()
			return false
		}
	}

	var ack Options
	for _, opt := range in {
		switch opt.Key {
		case optBlksize:
			size, err := strconv.Atoi(opt.Value)
			if err != nil || size < MinBlksize || size > MaxBlksize {
				log.Printf("dropping invalid blksize %q from peer %v", opt.Value, h.peer)
				continue
			}
			h.blockSize = size
			ack = append(ack, opt)
		case optTsize:
			size, err := h.response.Size()
			if err != nil {
				log.Printf("tsize requested but size unknown for %q: %v", h.path, err)
				continue
			}
			ack = append(ack, Option{Key: optTsize, Value: strconv.FormatInt(size, 10)})
		case optTimeout:
			secs, err := strconv.Atoi(opt.Value)
			if err != nil || secs < 1 || secs > 255 {
				log.Printf("dropping invalid timeout %q from peer %v", opt.Value, h.peer)
				continue
			}
			h.timeout = time.Duration(secs) * time.Second
			ack = append(ack, opt)
		}
	}
	h.ack = ack
	h.stats.Blksize = h.blockSize
	h.stats.OptionsAcked = ack
	log.Printf("options to ack for peer %v: %v", h.peer, ack)
	return true
}

// onNewData receives one datagram from the session socket and dispatches on
// its opcode. A receive timeout simply returns so the caller can check the
// retransmit deadline.
func (h *Handler) onNewData() {
	conn, err := h.listener()
	if err != nil {
		log.Printf("session %v: %v", h.peer, err)
		h.shouldStop = true
		return
	}
	conn.SetReadDeadline(time.Now().Add(h.timeout))
	n, from, err := conn.ReadFromUDP(h.recvBuf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		log.Printf("session %v: read: %v", h.peer, err)
		h.shouldStop = true
		return
	}
	if !from.IP.Equal(h.peer.IP) || from.Port != h.peer.Port {
		log.Printf("unexpected peer: %v, expected %v", from, h.peer)
		h.shouldStop = true
		return
	}
	if n < 4 {
		log.Printf("short datagram (%d bytes) from peer %v, ignoring", n, h.peer)
		return
	}

	code := binary.BigEndian.Uint16(h.recvBuf[0:2])
	arg := binary.BigEndian.Uint16(h.recvBuf[2:4])
	switch {
	case code == OpError:
		var msg string
		if n > 4 {
			msg = string(h.recvBuf[4 : n-1])
		}
		h.stats.Error = &TransferError{Code: arg, Message: msg}
		log.Printf("error reported from client: %s", msg)
		h.transmitError()
		h.shouldStop = true
	case code != OpAck:
		log.Printf("expected an ACK opcode from %v, got: %d", h.peer, code)
		h.stats.Error = &TransferError{
			Code:    ErrIllegalOperation,
			Message: "I only do reads, really",
		}
		h.transmitError()
		h.shouldStop = true
	default:
		h.handleAck(arg)
	}
}

// handleAck advances the transfer by one block. ACKs for any block other
// than the one in flight are ignored; the deadline stays armed. The final
// ACK (the one that arrives while waiting for the last block to be
// acknowledged) closes the session without being counted, which keeps
// packets_acked == packets_sent-1 on every clean completion.
func (h *Handler) handleAck(block uint16) {
	if block != h.lastBlockSent {
		return
	}
	h.resetTimeout()
	h.retransmits = 0
	if h.waitingLastAck {
		h.shouldStop = true
		return
	}
	h.stats.PacketsAcked++
	h.nextBlock()
	if h.shouldStop {
		return
	}
	h.transmitData()
}

// handleTimeout retransmits the current datagram while budget remains, and
// otherwise fails the session.
func (h *Handler) handleTimeout() {
	if h.retransmits < h.retries {
		h.transmitData()
		h.retransmits++
		h.globalRetransmits++
		h.resetTimeout()
		return
	}

	msg := fmt.Sprintf("timeout after %d retransmits.", h.retransmits)
	if h.waitingLastAck {
		msg += " Missed last ack."
	}
	h.stats.Error = &TransferError{Code: ErrUndefined, Message: msg}
	h.shouldStop = true
	log.Print(msg)
}

// nextBlock fills the next block from the response data. Reads keep going
// until the block is full or a read makes no progress, which is EOF.
func (h *Handler) nextBlock() {
	h.lastBlockSent++ // uint16, wraps past 65535 on its own
	block := make([]byte, h.blockSize)
	filled := 0
	for filled < h.blockSize {
		n, err := h.response.Read(block[filled:])
		filled += n
		if err == io.EOF || (err == nil && n == 0) {
			break
		}
		if err != nil {
			log.Printf("error while reading from source: %v", err)
			h.stats.Error = &TransferError{
				Code:    ErrUndefined,
				Message: "Error while reading from source",
			}
			h.transmitError()
			h.shouldStop = true
			return
		}
	}
	h.currentBlock = block[:filled]
}

// transmitData sends the block in flight, or repeats the OACK when no block
// has been produced yet (the negotiation phase).
func (h *Handler) transmitData() {
	if h.currentBlock == nil {
		h.transmitOack()
		return
	}
	if !h.send(encodeData(h.lastBlockSent, h.currentBlock)) {
		return
	}
	h.stats.PacketsSent++
	h.stats.BytesSent += int64(len(h.currentBlock))
	if len(h.currentBlock) < h.blockSize {
		h.waitingLastAck = true
	}
}

func (h *Handler) transmitOack() {
	if !h.send(encodeOack(h.ack)) {
		return
	}
	h.stats.PacketsSent++
}

func (h *Handler) transmitError() {
	if h.stats.Error == nil {
		return
	}
	h.send(encodeError(h.stats.Error.Code, h.stats.Error.Message))
}

func (h *Handler) send(pkt []byte) bool {
	conn, err := h.listener()
	if err != nil {
		log.Printf("session %v: %v", h.peer, err)
		h.shouldStop = true
		return false
	}
	if _, err := conn.WriteToUDP(pkt, h.peer); err != nil {
		log.Printf("session %v: write: %v", h.peer, err)
		h.shouldStop = true
		return false
	}
	return true
}

// close reports the session stats, then releases the response data and the
// session socket. Cleanup runs even when the callback panics.
func (h *Handler) close() {
	h.stats.Retransmits = h.globalRetransmits
	if h.statsCB != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("session stats callback panic: %v", r)
				}
			}()
			h.statsCB(&h.stats)
		}()
	}
	if h.response != nil {
		h.response.Close()
	}
	if h.conn != nil {
		h.conn.Close()
	}
}

func copyUDPAddr(addr *net.UDPAddr) *net.UDPAddr {
	dup := *addr
	dup.IP = append(net.IP(nil), addr.IP...)
	return &dup
}
