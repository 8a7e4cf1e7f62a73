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
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/urfave/cli"

	"github.com/xtaci/tftpd/tftp"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		// Enable timestamps + file:line to simplify debugging self-built binaries.
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "tftpd"
	myApp.Usage = "dynamic read-only TFTP server"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "address,a",
			Value: "::",
			Usage: "IP address to bind to, v4 or v6",
		},
		cli.IntFlag{
			Name:  "port,p",
			Value: 1969,
			Usage: "UDP port to bind to, 69 needs privileges",
		},
		cli.IntFlag{
			Name:  "retries,r",
			Value: 5,
			Usage: "per-block retransmit budget",
		},
		cli.IntFlag{
			Name:  "timeout,t",
			Value: 2,
			Usage: "seconds to wait for an ACK before retransmitting",
		},
		cli.StringFlag{
			Name:  "root",
			Value: "",
			Usage: "root of the static filesystem to serve",
		},
		cli.IntFlag{
			Name:  "statsinterval",
			Value: 60,
			Usage: "seconds between server stats callback runs",
		},
		cli.StringFlag{
			Name:  "metrics",
			Value: "",
			Usage: `expose prometheus counters on this address, eg: ":9100"`,
		},
		cli.BoolFlag{
			Name:  "snappy",
			Usage: "serve .sz files decompressed on the fly",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "to suppress the per-session stats messages",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "", // when set, the JSON file must exist on disk
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.Address = c.String("address")
		config.Port = c.Int("port")
		config.Retries = c.Int("retries")
		config.Timeout = c.Int("timeout")
		config.Root = c.String("root")
		config.StatsInterval = c.Int("statsinterval")
		config.Metrics = c.String("metrics")
		config.Snappy = c.Bool("snappy")
		config.Pprof = c.Bool("pprof")
		config.Log = c.String("log")
		config.Quiet = c.Bool("quiet")

		if c.String("c") != "" {
			// Only JSON configuration files are supported at the moment.
			err := parseJSONConfig(&config, c.String("c"))
			checkError(err)
		}

		// Redirect logs when the user supplied a dedicated log file.
		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		if config.Root == "" {
			color.Red("Warning: no --root given, serving the current working directory")
			config.Root = "."
		}
		if config.Port < 1024 && config.Port != 0 {
			color.Red("Warning: port %d needs elevated privileges on most systems", config.Port)
		}

		log.Println("version:", VERSION)
		log.Println("address:", config.Address)
		log.Println("port:", config.Port)
		log.Println("retries:", config.Retries)
		log.Println("timeout:", config.Timeout)
		log.Println("root:", config.Root)
		log.Println("statsinterval:", config.StatsInterval)
		log.Println("metrics:", config.Metrics)
		log.Println("snappy:", config.Snappy)
		log.Println("pprof:", config.Pprof)
		log.Println("quiet:", config.Quiet)

		// Start the pprof server if the feature is enabled.
		if config.Pprof {
			go http.ListenAndServe(":6060", nil)
		}

		// Stand up the prometheus endpoint if the feature is enabled. The
		// periodic server stats callback feeds the counter vector below.
		var counters *prometheus.CounterVec
		if config.Metrics != "" {
			counters = prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tftpd_server_events_total",
				Help: "Server counters aggregated per stats interval.",
			}, []string{"counter"})
			prometheus.MustRegister(counters)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go func() {
				if err := http.ListenAndServe(config.Metrics, mux); err != nil {
					log.Println("metrics:", err)
				}
			}()
		}

		serverStats := func(stats *tftp.ServerStats) {
			consumed := stats.GetAndResetAllCounters()
			log.Printf("server stats - every %v", stats.Interval)
			for name, value := range consumed {
				log.Printf("  %s: %d", name, value)
				if counters != nil {
					counters.WithLabelValues(name).Add(float64(value))
				}
			}
		}

		factory := func(serverAddr, peer *net.UDPAddr, path string, options tftp.Options) *tftp.Handler {
			session := xid.New().String()
			sessionStats := func(stats *tftp.SessionStats) {
				if config.Quiet {
					return
				}
				printSessionStats(session, stats)
			}
			source := func() (tftp.ResponseData, error) {
				rd, err := tftp.NewFileResponseData(filepath.Join(config.Root, path))
				if err != nil {
					return nil, err
				}
				if config.Snappy && strings.HasSuffix(path, ".sz") {
					return tftp.NewSnappyResponseData(rd), nil
				}
				return rd, nil
			}
			return tftp.NewHandler(serverAddr, peer, path, options, source, sessionStats)
		}

		server, err := tftp.NewServer(
			config.Address,
			config.Port,
			config.Retries,
			config.Timeout,
			factory,
			serverStats,
			time.Duration(config.StatsInterval)*time.Second,
		)
		checkError(err)
		log.Printf("listening on: %v/udp", server.Addr())

		go func() {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
			<-ch
			log.Println("shutting down")
			server.Close()
		}()

		return server.Run()
	}
	myApp.Run(os.Args)
}

func printSessionStats(session string, stats *tftp.SessionStats) {
	log.Printf("[%s] stats: for %v requesting %q", session, stats.Peer, stats.FilePath)
	log.Printf("[%s] error: %v", session, stats.Error)
	log.Printf("[%s] time spent: %dms", session, stats.Duration().Milliseconds())
	log.Printf("[%s] packets sent: %d", session, stats.PacketsSent)
	log.Printf("[%s] packets acked: %d", session, stats.PacketsAcked)
	log.Printf("[%s] bytes sent: %d", session, stats.BytesSent)
	log.Printf("[%s] options: %v", session, stats.OptionsAcked)
	log.Printf("[%s] blksize: %d", session, stats.Blksize)
	log.Printf("[%s] retransmits: %d", session, stats.Retransmits)
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
