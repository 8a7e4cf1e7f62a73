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
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// pollInterval bounds how long the accept loop blocks before it rechecks
// the stop flag.
const pollInterval = 500 * time.Millisecond

// HandlerFactory builds the session worker for one accepted RRQ. Returning
// nil declines the request; the dispatcher logs and moves on.
type HandlerFactory func(serverAddr, peer *net.UDPAddr, path string, options Options) *Handler

// Server is the RRQ dispatcher. It owns the well-known UDP socket, parses
// incoming read requests, and spawns one isolated session worker per
// request. Sessions run in their own goroutines behind panic containment
// and share nothing with the dispatcher except the ServerStats counters.
type Server struct {
	retries int
	timeout int
	factory HandlerFactory
	statsCB ServerStatsCallback

	conn  *net.UDPConn
	stats *ServerStats

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewServer binds the listening socket on address:port, choosing the UDP
// family from the address. A statsInterval of zero selects the default of
// sixty seconds.
func NewServer(address string, port, retries, timeout int, factory HandlerFactory, statsCB ServerStatsCallback, statsInterval time.Duration) (*Server, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, errors.Errorf("invalid bind address: %q", address)
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	// Plain "udp" lets the address pick the family and keeps a wildcard
	// v6 bind dual-stack, so v4-mapped clients are served too.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if statsInterval <= 0 {
		statsInterval = DefaultStatsInterval
	}
	return &Server{
		retries: retries,
		timeout: timeout,
		factory: factory,
		statsCB: statsCB,
		conn:    conn,
		stats:   NewServerStats(address, statsInterval),
		stopCh:  make(chan struct{}),
	}, nil
}

// Addr returns the listener's bound address, useful when port 0 let the
// kernel pick one.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Stats exposes the shared counter table.
func (s *Server) Stats() *ServerStats {
	return s.stats
}

// Run serves RRQs until Close is called. The loop wakes periodically to
// honor the stop flag, so Close never waits longer than the poll interval.
func (s *Server) Run() error {
	go s.statsLoop()

	buf := make([]byte, DefaultBlksize)
	for {
		select {
		case <-s.stopCh:
			s.conn.Close()
			return nil
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				s.conn.Close()
				return nil
			default:
			}
			return errors.WithStack(err)
		}
		s.onNewData(buf[:n], peer)
	}
}

// Close stops the server cooperatively. In-flight sessions are left alone;
// they finish or time out on their own schedule.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.conn.Close()
	})
}

// onNewData handles one datagram from the listening socket: validate, parse
// and spawn. Hostile input is logged and dropped, never fatal, and a
// misbehaving handler factory cannot take the dispatcher down.
func (s *Server) onNewData(data []byte, peer *net.UDPAddr) {
	if len(data) < 2 {
		log.Printf("runt datagram (%d bytes) from %v, ignoring", len(data), peer)
		return
	}
	if code := binary.BigEndian.Uint16(data[:2]); code != OpRRQ {
		log.Printf("unexpected TFTP opcode %d, expected %d", code, OpRRQ)
		return
	}
	req, err := parseRequest(data)
	if err != nil {
		log.Printf("received malformed packet, ignoring: %v", err)
		return
	}

	options := Options{
		{Key: optMode, Value: req.mode},
		{Key: optDefaultTimeout, Value: strconv.Itoa(s.timeout)},
		{Key: optRetries, Value: strconv.Itoa(s.retries)},
	}
	options = append(options, req.options...)

	handler := s.buildHandler(peer, req.path, options)
	if handler == nil {
		log.Printf("no handler for request from %v, not serving", peer)
	} else {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("session for %v panicked: %v", peer, r)
				}
			}()
			handler.Run()
		}()
	}

	s.stats.IncrementCounter("process_count", 1)
}

// buildHandler calls the user factory with panic containment.
func (s *Server) buildHandler(peer *net.UDPAddr, path string, options Options) (handler *Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("creating a handler for %q panicked: %v", path, r)
			handler = nil
		}
	}()
	return s.factory(s.Addr(), peer, path, options)
}

// statsLoop periodically runs the server stats callback. The next tick is
// scheduled only after the callback returns, so a slow callback delays the
// cadence instead of piling up.
func (s *Server) statsLoop() {
	if s.statsCB == nil {
		log.Print("no callback specified for server statistics logging, will continue without")
		return
	}
	timer := time.NewTimer(s.stats.Interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			s.statsTick()
			timer.Reset(s.stats.Interval)
		case <-s.stopCh:
			return
		}
	}
}

// statsTick runs the callback once with panic containment.
func (s *Server) statsTick() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("server stats callback panic: %v", r)
		}
	}()
	s.statsCB(s.stats)
}
