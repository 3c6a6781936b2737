// Package pcap implements a sink writing frames to a pcap file using the
// SocketCAN link type, readable by Wireshark.
package pcap

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
	"firestige.xyz/canlens/internal/sink"
)

const Name = "pcap"

// LinkTypeSocketCAN is LINKTYPE_CAN_SOCKETCAN.
const LinkTypeSocketCAN = layers.LinkType(227)

// frameLen is the size of a classic SocketCAN frame record.
const frameLen = 16

const effFlag = 0x80000000

// Config represents pcap sink configuration.
type Config struct {
	Path string `mapstructure:"path"` // required
}

// Sink writes one pcap record per event.
type Sink struct {
	config Config

	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
	w   *pcapgo.Writer

	packets atomic.Uint64
}

func New() sink.Sink {
	return &Sink{}
}

func init() {
	sink.Register(Name, New)
}

func (s *Sink) Name() string {
	return Name
}

func (s *Sink) Init(config map[string]any) error {
	var cfg Config
	if err := sink.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Path == "" {
		return fmt.Errorf("path is required")
	}
	s.config = cfg
	return nil
}

func (s *Sink) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.config.Path), 0o755); err != nil {
		return fmt.Errorf("create pcap dir: %w", err)
	}
	f, err := os.Create(s.config.Path)
	if err != nil {
		return fmt.Errorf("create pcap file: %w", err)
	}
	buf := bufio.NewWriter(f)
	w := pcapgo.NewWriterNanos(buf)
	if err := w.WriteFileHeader(frameLen, LinkTypeSocketCAN); err != nil {
		f.Close()
		return fmt.Errorf("write pcap header: %w", err)
	}

	s.mu.Lock()
	s.f, s.buf, s.w = f, buf, w
	s.mu.Unlock()

	log.GetLogger().WithField("path", s.config.Path).Info("pcap sink started")
	return nil
}

// EncodeFrame renders f as a SocketCAN frame record: big-endian id with the
// extended flag, length byte, three reserved bytes, eight data bytes.
func EncodeFrame(f core.Frame) []byte {
	b := make([]byte, frameLen)
	id := f.ID
	if f.Extended {
		id |= effFlag
	}
	binary.BigEndian.PutUint32(b[0:4], id)
	b[4] = f.DLC
	copy(b[8:], f.Payload())
	return b
}

func (s *Sink) OnDecodedEvent(ctx context.Context, ev *core.DecodedEvent) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	data := EncodeFrame(ev.Frame)
	ci := gopacket.CaptureInfo{
		Timestamp:     ev.Time(),
		CaptureLength: len(data),
		Length:        len(data),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("pcap sink not started")
	}
	if err := s.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	s.packets.Add(1)
	return nil
}

func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return nil
	}
	return s.buf.Flush()
}

func (s *Sink) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	ferr := s.buf.Flush()
	cerr := s.f.Close()
	s.f, s.buf, s.w = nil, nil, nil

	log.GetLogger().WithFields(map[string]any{
		"path":    s.config.Path,
		"packets": s.packets.Load(),
	}).Info("pcap sink stopped")
	return errors.Join(ferr, cerr)
}

// Packets returns the number of written records.
func (s *Sink) Packets() uint64 {
	return s.packets.Load()
}
