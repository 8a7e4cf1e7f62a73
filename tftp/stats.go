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
	"net"
	"sync"
	"time"
)

// TransferError records why a session failed: either a TFTP error code plus
// message produced locally, or the code and message reported by the peer.
type TransferError struct {
	Code    uint16
	Message string
}

// SessionStats is the digest of a single session, handed to the session
// stats callback when the session terminates.
type SessionStats struct {
	Peer       *net.UDPAddr
	ServerAddr *net.UDPAddr
	FilePath   string
	StartTime  time.Time

	// OptionsIn holds the options the client requested; OptionsAcked the
	// subset echoed back in the OACK.
	OptionsIn    Options
	OptionsAcked Options

	Blksize      int
	PacketsSent  int
	PacketsAcked int
	BytesSent    int64
	Retransmits  int

	// Error is nil when the transfer completed successfully.
	Error *TransferError
}

// Duration reports how long the session has been running.
func (s *SessionStats) Duration() time.Duration {
	return time.Since(s.StartTime)
}

// SessionStatsCallback is invoked exactly once per session, at termination.
type SessionStatsCallback func(*SessionStats)

// ServerStats is a thread-safe counter table shared between the dispatcher
// and the periodic stats callback. All operations are atomic with respect
// to each other; the intended pattern is for the callback to consume
// counters with the get-and-reset variants so every interval starts fresh.
//
// Reading a counter that was never set returns 0 and does not create an
// entry visible to GetAllCounters.
type ServerStats struct {
	ServerAddr string
	Interval   time.Duration

	startTime time.Time
	mu        sync.Mutex
	counters  map[string]int64
}

// NewServerStats creates an empty counter table.
func NewServerStats(serverAddr string, interval time.Duration) *ServerStats {
	return &ServerStats{
		ServerAddr: serverAddr,
		Interval:   interval,
		startTime:  time.Now(),
		counters:   make(map[string]int64),
	}
}

// GetCounter returns the value of a counter by name.
func (s *ServerStats) GetCounter(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// SetCounter sets a counter by name.
func (s *ServerStats) SetCounter(name string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] = value
}

// IncrementCounter adds delta (which may be negative) to a counter.
func (s *ServerStats) IncrementCounter(name string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
}

// ResetCounter zeroes a counter by name.
func (s *ServerStats) ResetCounter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, name)
}

// GetAndResetCounter returns a counter and zeroes it in one atomic step.
func (s *ServerStats) GetAndResetCounter(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := s.counters[name]
	delete(s.counters, name)
	return value
}

// GetAllCounters returns a snapshot of every counter.
func (s *ServerStats) GetAllCounters() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]int64, len(s.counters))
	for name, value := range s.counters {
		snapshot[name] = value
	}
	return snapshot
}

// GetAndResetAllCounters returns a snapshot of every counter and clears the
// table in one atomic step.
func (s *ServerStats) GetAndResetAllCounters() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]int64, len(s.counters))
	for name, value := range s.counters {
		snapshot[name] = value
	}
	s.counters = make(map[string]int64)
	return snapshot
}

// ResetAllCounters clears the table.
func (s *ServerStats) ResetAllCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]int64)
}

// Duration reports the server uptime.
func (s *ServerStats) Duration() time.Duration {
	return time.Since(s.startTime)
}

// ServerStatsCallback runs periodically on the stats timer.
type ServerStatsCallback func(*ServerStats)
