package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.bug.st/serial"

	"firestige.xyz/canlens/internal/config"
	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
)

// SerialPort is the part of a serial port the SLCAN driver needs.
type SerialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// SLCANOptions are the driver options of a Lawicel serial-line adapter.
type SLCANOptions struct {
	SerialBaud int  `mapstructure:"serial_baud"`
	ListenOnly bool `mapstructure:"listen_only"`
}

// slcanBitrates maps CAN bit rates to the adapter's "S" setup codes.
var slcanBitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// SLCAN flag bits reported by the "F" command.
const (
	slcanFlagRxFull   = 0x01
	slcanFlagTxFull   = 0x02
	slcanFlagWarning  = 0x04
	slcanFlagOverrun  = 0x08
	slcanFlagPassive  = 0x20
	slcanFlagArbLost  = 0x40
	slcanFlagBusError = 0x80
)

const (
	slcanMaxLine     = 64
	slcanDefaultBaud = 115200
	slcanPollStep    = 10 * time.Millisecond
)

// OpenPortFunc opens the serial device. Tests replace it with a fake port.
type OpenPortFunc func(path string, baud int) (SerialPort, error)

func openSerial(path string, baud int) (SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(path, mode)
}

// SLCAN drives a Lawicel protocol adapter (CANable, USBtin, ...) over a serial port.
type SLCAN struct {
	path    string
	bitrate int
	opts    SLCANOptions
	openFn  OpenPortFunc

	mu     sync.Mutex // guards port and status
	port   SerialPort
	status Status
	wmu    sync.Mutex

	rmu sync.Mutex // serializes Read, guards buf
	buf []byte
}

// NewSLCAN returns a closed SLCAN driver for the device at path.
func NewSLCAN(path string, bitrate int, opts SLCANOptions, openFn OpenPortFunc) *SLCAN {
	if opts.SerialBaud <= 0 {
		opts.SerialBaud = slcanDefaultBaud
	}
	if openFn == nil {
		openFn = openSerial
	}
	return &SLCAN{path: path, bitrate: bitrate, opts: opts, openFn: openFn}
}

func newSLCANFromConfig(cfg config.TransportConfig) (Transport, error) {
	var opts SLCANOptions
	if err := mapstructure.Decode(cfg.Options, &opts); err != nil {
		return nil, newError("new", StatusIllParamVal, fmt.Errorf("slcan options: %w", err))
	}
	if _, ok := slcanBitrates[cfg.Bitrate]; !ok {
		return nil, newError("new", StatusIllParamVal, fmt.Errorf("slcan does not support bitrate %d", cfg.Bitrate))
	}
	return NewSLCAN(cfg.Channel, cfg.Bitrate, opts, nil), nil
}

func (s *SLCAN) Open() error {
	code, ok := slcanBitrates[s.bitrate]
	if !ok {
		return newError("open", StatusIllParamVal, fmt.Errorf("unsupported bitrate %d", s.bitrate))
	}

	port, err := s.openFn(s.path, s.opts.SerialBaud)
	if err != nil {
		return newError("open", StatusNoDriver, err)
	}

	openCmd := "O\r"
	if s.opts.ListenOnly {
		openCmd = "L\r"
	}
	// close first in case the adapter was left open
	for _, cmd := range []string{"C\r", "S" + string(code) + "\r", openCmd} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			port.Close()
			return newError("open", StatusRegTest, fmt.Errorf("send %q: %w", cmd[:1], err))
		}
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.GetLogger().WithError(err).Debug("slcan: reset input buffer after open failed")
	}

	s.rmu.Lock()
	s.buf = s.buf[:0]
	s.rmu.Unlock()
	s.mu.Lock()
	s.port = port
	s.status = StatusOK
	s.mu.Unlock()

	log.GetLogger().WithFields(map[string]interface{}{
		"device":  s.path,
		"bitrate": s.bitrate,
	}).Info("slcan adapter opened")
	return nil
}

func (s *SLCAN) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	s.wmu.Lock()
	_, _ = port.Write([]byte("C\r"))
	s.wmu.Unlock()
	return port.Close()
}

// Read returns the next data frame. Adapter acknowledgements are consumed silently;
// a status line with the overrun flag is reported as StatusOverrun.
func (s *SLCAN) Read(timeout time.Duration) (core.Frame, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	deadline := time.Now().Add(timeout)
	chunk := make([]byte, slcanMaxLine)
	for {
		for {
			line, ok := s.nextLine()
			if !ok {
				break
			}
			f, status, err := s.parseLine(line)
			if err != nil {
				return core.Frame{}, err
			}
			if status != StatusOK {
				return core.Frame{}, newError("read", status, nil)
			}
			if f != nil {
				return *f, nil
			}
		}

		// the port is used without s.mu so Write and BusStatus are not held up
		s.mu.Lock()
		port := s.port
		s.mu.Unlock()
		if port == nil {
			return core.Frame{}, newError("read", StatusInitialize, nil)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return core.Frame{}, ErrRxEmpty
		}
		if remaining > slcanPollStep {
			remaining = slcanPollStep
		}
		if err := port.SetReadTimeout(remaining); err != nil {
			return core.Frame{}, newError("read", StatusResource, err)
		}
		n, err := port.Read(chunk)
		if err != nil && !errors.Is(err, io.EOF) {
			return core.Frame{}, newError("read", StatusUnknown, err)
		}
		s.buf = append(s.buf, chunk[:n]...)
		if len(s.buf) > 4*slcanMaxLine && bytes.IndexAny(s.buf, "\r\a") == -1 {
			// garbage without terminator
			s.buf = s.buf[:0]
			return core.Frame{}, newError("read", StatusQOverrun, errors.New("line buffer overflow"))
		}
	}
}

// nextLine pops one terminated record from the buffer. A bell byte is returned as
// its own record.
func (s *SLCAN) nextLine() ([]byte, bool) {
	idx := bytes.IndexAny(s.buf, "\r\a")
	if idx == -1 {
		return nil, false
	}
	var line []byte
	if s.buf[idx] == '\a' {
		line = []byte{'\a'}
	} else {
		line = append([]byte(nil), s.buf[:idx]...)
	}
	s.buf = s.buf[idx+1:]
	return line, true
}

func (s *SLCAN) parseLine(line []byte) (*core.Frame, Status, error) {
	if len(line) == 0 {
		return nil, StatusOK, nil
	}
	switch line[0] {
	case 't', 'T', 'r', 'R':
		f, err := parseSLCANFrame(line)
		if err != nil {
			log.GetLogger().WithField("line", string(line)).Warn("slcan: dropping malformed frame")
			return nil, StatusOK, nil
		}
		f.Timestamp = time.Now()
		return &f, StatusOK, nil
	case 'F':
		flags, err := strconv.ParseUint(string(line[1:]), 16, 8)
		if err != nil {
			return nil, StatusOK, nil
		}
		s.setStatus(statusFromFlags(byte(flags)))
		if flags&(slcanFlagOverrun|slcanFlagRxFull) != 0 {
			return nil, StatusOverrun, nil
		}
		return nil, StatusOK, nil
	case '\a':
		s.setStatus(StatusIllOperation)
		return nil, StatusIllOperation, nil
	default:
		// "z"/"Z" transmit acknowledgements and version replies
		return nil, StatusOK, nil
	}
}

func (s *SLCAN) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func statusFromFlags(flags byte) Status {
	switch {
	case flags&slcanFlagBusError != 0:
		return StatusBusOff
	case flags&slcanFlagPassive != 0:
		return StatusBusPassive
	case flags&slcanFlagWarning != 0:
		return StatusBusHeavy
	case flags&(slcanFlagOverrun|slcanFlagRxFull) != 0:
		return StatusOverrun
	case flags&slcanFlagTxFull != 0:
		return StatusXmtFull
	case flags&slcanFlagArbLost != 0:
		return StatusBusLight
	}
	return StatusOK
}

func parseSLCANFrame(line []byte) (core.Frame, error) {
	idLen := 3
	extended := line[0] == 'T' || line[0] == 'R'
	remote := line[0] == 'r' || line[0] == 'R'
	if extended {
		idLen = 8
	}
	if len(line) < 1+idLen+1 {
		return core.Frame{}, fmt.Errorf("short frame %q", line)
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return core.Frame{}, err
	}
	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > core.MaxDLC {
		return core.Frame{}, fmt.Errorf("invalid dlc in %q", line)
	}

	f := core.Frame{ID: uint32(id), Extended: extended, DLC: uint8(dlc)}
	if remote {
		return f, nil
	}
	data := line[2+idLen:]
	if len(data) < dlc*2 {
		return core.Frame{}, fmt.Errorf("short payload in %q", line)
	}
	for i := 0; i < dlc; i++ {
		b, err := strconv.ParseUint(string(data[i*2:i*2+2]), 16, 8)
		if err != nil {
			return core.Frame{}, err
		}
		f.Data[i] = byte(b)
	}
	return f, nil
}

func formatSLCANFrame(f core.Frame) []byte {
	var b bytes.Buffer
	if f.Extended || f.ID > core.MaxStandardID {
		fmt.Fprintf(&b, "T%08X%d", f.ID&core.MaxExtendedID, f.DLC)
	} else {
		fmt.Fprintf(&b, "t%03X%d", f.ID, f.DLC)
	}
	for _, d := range f.Payload() {
		fmt.Fprintf(&b, "%02X", d)
	}
	b.WriteByte('\r')
	return b.Bytes()
}

func (s *SLCAN) Write(f core.Frame) error {
	if f.DLC > core.MaxDLC {
		return newError("write", StatusIllData, errors.New("dlc above 8"))
	}
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return newError("write", StatusInitialize, nil)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := port.Write(formatSLCANFrame(f)); err != nil {
		return newError("write", StatusQXmtFull, err)
	}
	return nil
}

// ResetBuffers discards the serial input buffer and any partial line.
func (s *SLCAN) ResetBuffers() error {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return newError("reset", StatusInitialize, nil)
	}
	s.buf = s.buf[:0]
	if err := s.port.ResetInputBuffer(); err != nil {
		return newError("reset", StatusResource, err)
	}
	s.status = StatusOK
	return nil
}

// BusStatus returns the last status the adapter reported.
func (s *SLCAN) BusStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return StatusInitialize
	}
	return s.status
}
