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

package main

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/xtaci/tftpd/tftp"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "tftpget"
	myApp.Usage = "TFTP read client for exercising tftpd"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "server,s",
			Value: "127.0.0.1",
			Usage: "server address",
		},
		cli.IntFlag{
			Name:  "port,p",
			Value: 1969,
			Usage: "server UDP port",
		},
		cli.StringFlag{
			Name:  "file,f",
			Value: "",
			Usage: "remote path to fetch",
		},
		cli.StringFlag{
			Name:  "output,o",
			Value: "",
			Usage: "local file to write, default stdout",
		},
		cli.IntFlag{
			Name:  "blksize,b",
			Value: 1400,
			Usage: "blksize option to negotiate",
		},
		cli.IntFlag{
			Name:  "timeout,t",
			Value: 2,
			Usage: "seconds to wait for each DATA block",
		},
		cli.IntFlag{
			Name:  "retries,r",
			Value: 3,
			Usage: "per-block retry budget",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		file := c.String("file")
		if file == "" {
			return errors.New("a remote path is required, see --file")
		}
		fetched, err := fetch(
			c.String("server"),
			c.Int("port"),
			file,
			c.Int("blksize"),
			c.Int("timeout"),
			c.Int("retries"),
		)
		checkError(err)

		log.Printf("received %d bytes, md5 %x", len(fetched), md5.Sum(fetched))
		if out := c.String("output"); out != "" {
			return os.WriteFile(out, fetched, 0644)
		}
		_, err = os.Stdout.Write(fetched)
		return err
	}
	myApp.Run(os.Args)
}

// fetch performs a full octet-mode read transaction with blksize and tsize
// negotiation and returns the downloaded payload.
func fetch(server string, port int, file string, blksize, timeout, retries int) ([]byte, error) {
	// The server answers from a fresh ephemeral port (the session's
	// transfer id), so the exchange runs over an unconnected socket bound
	// to the port the RRQ goes out from.
	sock, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer sock.Close()

	serverIP := net.ParseIP(server)
	if serverIP == nil {
		addrs, err := net.LookupIP(server)
		if err != nil || len(addrs) == 0 {
			return nil, errors.Errorf("cannot resolve %q", server)
		}
		serverIP = addrs[0]
	}

	rrq := encodeRRQ(file, tftp.Options{
		{Key: "tsize", Value: "0"},
		{Key: "blksize", Value: strconv.Itoa(blksize)},
	})
	if _, err := sock.WriteToUDP(rrq, &net.UDPAddr{IP: serverIP, Port: port}); err != nil {
		return nil, errors.WithStack(err)
	}

	var (
		output   bytes.Buffer
		session  *net.UDPAddr
		expected uint16 = 1
		attempts int
		buf      = make([]byte, blksize+4)
	)

	ackTo := func(block uint16) error {
		var ack [4]byte
		binary.BigEndian.PutUint16(ack[0:2], tftp.OpAck)
		binary.BigEndian.PutUint16(ack[2:4], block)
		_, err := sock.WriteToUDP(ack[:], session)
		return errors.WithStack(err)
	}

	for {
		sock.SetReadDeadline(time.Now().Add(time.Duration(timeout) * time.Second))
		n, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				attempts++
				if attempts > retries {
					return nil, errors.Errorf("no reply after %d attempts", attempts)
				}
				if session == nil {
					// RRQ itself may have been lost.
					if _, err := sock.WriteToUDP(rrq, &net.UDPAddr{IP: serverIP, Port: port}); err != nil {
						return nil, errors.WithStack(err)
					}
				} else if err := ackTo(expected - 1); err != nil {
					return nil, err
				}
				continue
			}
			return nil, errors.WithStack(err)
		}
		if n < 4 {
			continue
		}
		if session == nil {
			session = from
		} else if !from.IP.Equal(session.IP) || from.Port != session.Port {
			// Not our transfer id, drop it.
			continue
		}
		attempts = 0

		code := binary.BigEndian.Uint16(buf[0:2])
		switch code {
		case tftp.OpOack:
			log.Printf("OACK: %v", string(buf[2:n]))
			if err := ackTo(0); err != nil {
				return nil, err
			}
		case tftp.OpData:
			block := binary.BigEndian.Uint16(buf[2:4])
			if block == expected {
				output.Write(buf[4:n])
				expected++
			}
			// Re-ACK duplicates so the server makes progress.
			if err := ackTo(block); err != nil {
				return nil, err
			}
			if n-4 < blksize {
				return output.Bytes(), nil
			}
		case tftp.OpError:
			errCode := binary.BigEndian.Uint16(buf[2:4])
			msg := ""
			if n > 4 {
				msg = string(buf[4 : n-1])
			}
			return nil, errors.Errorf("server error %d: %s", errCode, msg)
		default:
			return nil, errors.Errorf("unexpected opcode %d", code)
		}
	}
}

// encodeRRQ builds an octet-mode RRQ carrying opts.
func encodeRRQ(file string, opts tftp.Options) []byte {
	var buf bytes.Buffer
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], tftp.OpRRQ)
	buf.Write(hdr[:])
	buf.WriteString(file)
	buf.WriteByte(0)
	buf.WriteString("octet")
	buf.WriteByte(0)
	for _, opt := range opts {
		buf.WriteString(opt.Key)
		buf.WriteByte(0)
		buf.WriteString(opt.Value)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
