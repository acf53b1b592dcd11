package capture

import (
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/epic-array/epic-imager/internal/config"
	"github.com/epic-array/epic-imager/internal/header"
	"github.com/epic-array/epic-imager/internal/ringbuf"
	"github.com/epic-array/epic-imager/internal/status"
)

// Live-path packet framing constants: 16 source-multiplexed UDP
// streams, each packet bounded to 9000 bytes, reassembled into gulps of
// BufferNTime time samples out of a SlotNTime-deep ring of sequence
// numbers.
const (
	NSrc           = 16
	MaxPayloadSize = 9000
	SlotNTime      = 25000
)

// packetHeaderSize is SourceID(uint16) + Seq(uint64) + UTCSec(uint32).
const packetHeaderSize = 2 + 8 + 4

// DecodePacketHeader parses the fixed live-path packet header from the
// front of a UDP payload. The remaining bytes are NPol*StandsPerSource
// ci4 samples for one time slice.
func DecodePacketHeader(b []byte) (sourceID int, seq uint64, utcSec uint32, body []byte, ok bool) {
	if len(b) < packetHeaderSize {
		return 0, 0, 0, nil, false
	}
	sourceID = int(binary.BigEndian.Uint16(b[0:2]))
	seq = binary.BigEndian.Uint64(b[2:10])
	utcSec = binary.BigEndian.Uint32(b[10:14])
	return sourceID, seq, utcSec, b[packetHeaderSize:], true
}

// EncodePacketHeader is the inverse of DecodePacketHeader, used by the
// epic-replay sender tool.
func EncodePacketHeader(sourceID int, seq uint64, utcSec uint32) []byte {
	b := make([]byte, packetHeaderSize)
	binary.BigEndian.PutUint16(b[0:2], uint16(sourceID))
	binary.BigEndian.PutUint64(b[2:10], seq)
	binary.BigEndian.PutUint32(b[10:14], utcSec)
	return b
}

// UDPStage is the live CaptureStage variant. It binds a UDP endpoint,
// reassembles NSrc source streams of ci4 channelized voltages into
// (time, chan, stand, pol) gulps, and opens its Sequence, filling the
// header from the first packet it receives. Only that one Sequence is
// opened; later packets never start another.
//
// Stand indexing is source-relative — source i owns stands
// [i*StandsPerSource, (i+1)*StandsPerSource) — since no stand0 field is
// available on the wire to resolve it any other way.
type UDPStage struct {
	Addr string
	Port int

	NChan           int // channelized input always carries one gulp of chan0..chan0+nchan-1
	Chan0           int
	BW              float64
	CFreq           float64
	NPol            int
	NStand          int
	NTimeGulp       int
	StandsPerSource int

	Ring       *ringbuf.Ring
	Log        *zap.SugaredLogger
	Status     *status.Publisher
	ShutdownFn func() bool

	conn *net.UDPConn
}

// Run binds the socket and reassembles packets into gulps until
// shutdown or a fatal socket error. A capture failure closes the
// current sequence and signals shutdown, since capture is the
// pipeline's primary data source.
func (s *UDPStage) Run() error {
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.Addr, strconv.Itoa(s.Port)))
	if err != nil {
		return &config.ConfigError{Msg: "resolve UDP addr", Cause: err}
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return &config.IOFatalError{Op: "bind UDP", Cause: err}
	}
	s.conn = conn
	defer conn.Close()
	s.Status.Update("CaptureStage", "bind", status.Record{"addr": s.Addr, "port": s.Port})

	writer, err := s.Ring.BeginWriting()
	if err != nil {
		return err
	}
	defer writer.Close()

	elemSize := 1 // ci4 packs to one byte
	perSampleStandsPol := s.NStand * s.NPol
	gulpBytes := s.NTimeGulp * s.NChan * perSampleStandsPol * elemSize
	buf := make([]byte, gulpBytes)
	standBytes := s.StandsPerSource * s.NPol * elemSize

	var sw *ringbuf.SequenceWriter
	var seq0 uint64
	filled := map[uint64]bool{}
	nFilled := 0

	packet := make([]byte, MaxPayloadSize)
	readDeadline := 500 * time.Millisecond

	for {
		if s.ShutdownFn != nil && s.ShutdownFn() {
			if sw != nil {
				sw.Close()
			}
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, _, err := conn.ReadFromUDP(packet)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // transient (§7 IOTransient): loop back to the cancellation check
			}
			if sw != nil {
				sw.Close()
			}
			if s.ShutdownFn != nil && s.ShutdownFn() {
				return nil // socket closed by Close during shutdown
			}
			return &config.IOFatalError{Op: "UDP receive", Cause: err}
		}

		sourceID, seq, utcSec, body, ok := DecodePacketHeader(packet[:n])
		if !ok || sourceID < 0 || sourceID >= NSrc || len(body) < standBytes {
			continue // malformed packet: drop and keep polling
		}

		if sw == nil {
			seq0 = seq
			hdr := header.Header{
				Seq0: int64(seq0), Chan0: s.Chan0, NChan: s.NChan, CFreq: s.CFreq, BW: s.BW,
				NStand: s.NStand, NPol: s.NPol, NBit: 4, Complex: true,
				Axes: "time,chan,stand,pol",
				FS:   config.FS,
			}
			timeTag := int64(utcSec)*config.FS + int64(seq0)*int64(config.FS/config.ChanBW)
			w, err := writer.BeginSequence(timeTag, hdr)
			if err != nil {
				return err
			}
			sw = w
			s.Status.Update("CaptureStage", "sequence0", status.Record{"seq0": hdr.Seq0, "chan0": hdr.Chan0})
		}

		slot := (seq - seq0) % uint64(s.NTimeGulp)
		key := slot*NSrc + uint64(sourceID)
		if filled[key] {
			continue // duplicate/late retransmit for a (slot, source) already placed
		}
		dstOff := int(slot)*s.NChan*perSampleStandsPol*elemSize + sourceID*standBytes
		if dstOff+standBytes <= len(buf) {
			copy(buf[dstOff:dstOff+standBytes], body[:standBytes])
			filled[key] = true
			nFilled++
		}

		if nFilled == s.NTimeGulp*min(NSrc, s.NStand/s.StandsPerSource) {
			span, err := sw.Reserve(len(buf))
			if err != nil {
				return err
			}
			copy(span.Data, buf)
			span.Commit()
			s.Status.Update("CaptureStage", "perf", status.Record{"nfilled": nFilled})
			for k := range filled {
				delete(filled, k)
			}
			nFilled = 0
			seq0 += uint64(s.NTimeGulp)
		}
	}
}

// Close unblocks a concurrent Run by forcing its next read to fail,
// used by the Pipeline to cut a stuck UDP stage short during shutdown
// instead of waiting out the full read deadline.
func (s *UDPStage) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
