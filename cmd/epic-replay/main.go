// Command epic-replay sends synthetic live-path UDP packets to an
// epic-imager instance bound in UDP mode, cycling source ids 0..nsrc-1
// and an incrementing sequence number the way a real antenna array's
// packetizer would. It is the sender half of capture.DecodePacketHeader,
// using capture.EncodePacketHeader as that function's doc comment names
// it.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/epic-array/epic-imager/internal/capture"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "127.0.0.1", "destination UDP address")
	port := flag.Int("port", 10000, "destination UDP port")
	standsPerSource := flag.Int("stands_per_source", 16, "stands carried by each of the nsrc sources")
	npol := flag.Int("npol", 2, "polarizations per stand")
	rate := flag.Duration("rate", 10*time.Millisecond, "inter-packet delay")
	count := flag.Int("count", 1000, "number of packets to send (per source)")
	flag.Parse()

	conn, err := net.Dial("udp", net.JoinHostPort(*addr, strconv.Itoa(*port)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		return 1
	}
	defer conn.Close()

	bodyLen := *standsPerSource * *npol // one ci4 byte per (stand,pol)
	body := make([]byte, bodyLen)
	utcSec := uint32(time.Now().Unix())

	for seq := uint64(0); seq < uint64(*count); seq++ {
		for src := 0; src < capture.NSrc; src++ {
			rand.Read(body)
			pkt := append(capture.EncodePacketHeader(src, seq, utcSec), body...)
			if _, err := conn.Write(pkt); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
				return 1
			}
		}
		time.Sleep(*rate)
	}
	return 0
}
