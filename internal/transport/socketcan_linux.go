//go:build linux

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"firestige.xyz/canlens/internal/config"
	"firestige.xyz/canlens/internal/core"
	"firestige.xyz/canlens/internal/log"
)

// struct can_frame is 16 bytes: id, dlc, 3 bytes padding, 8 bytes data.
const (
	canFrameSize = 16
	canEFFFlag   = 0x80000000
	canRTRFlag   = 0x40000000
	canERRFlag   = 0x20000000
)

// SocketCAN reads and writes raw frames on a Linux CAN interface (can0, vcan0...).
// The bitrate is configured outside the process with `ip link`.
type SocketCAN struct {
	iface string

	mu      sync.Mutex
	fd      int
	timeout time.Duration
	status  Status
}

// NewSocketCAN returns a closed driver for the named interface.
func NewSocketCAN(iface string) *SocketCAN {
	return &SocketCAN{iface: iface, fd: -1}
}

func newSocketCANFromConfig(cfg config.TransportConfig) (Transport, error) {
	if cfg.Channel == "" {
		return nil, newError("new", StatusIllNet, errors.New("socketcan needs an interface name"))
	}
	return NewSocketCAN(cfg.Channel), nil
}

func (s *SocketCAN) Open() error {
	ifi, err := net.InterfaceByName(s.iface)
	if err != nil {
		return newError("open", StatusIllNet, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return newError("open", StatusNoDriver, fmt.Errorf("socket: %w", err))
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return newError("open", StatusHwInUse, fmt.Errorf("bind %s: %w", s.iface, err))
	}

	s.mu.Lock()
	s.fd = fd
	s.timeout = 0
	s.status = StatusOK
	s.mu.Unlock()

	log.GetLogger().WithField("interface", s.iface).Info("socketcan interface opened")
	return nil
}

func (s *SocketCAN) Close() error {
	s.mu.Lock()
	fd := s.fd
	s.fd = -1
	s.mu.Unlock()
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

func (s *SocketCAN) setTimeout(fd int, timeout time.Duration) error {
	if timeout <= 0 {
		// zero would block forever
		timeout = time.Millisecond
	}
	if timeout == s.timeout {
		return nil
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return err
	}
	s.timeout = timeout
	return nil
}

func (s *SocketCAN) Read(timeout time.Duration) (core.Frame, error) {
	s.mu.Lock()
	fd := s.fd
	if fd < 0 {
		s.mu.Unlock()
		return core.Frame{}, newError("read", StatusInitialize, nil)
	}
	err := s.setTimeout(fd, timeout)
	s.mu.Unlock()
	if err != nil {
		return core.Frame{}, newError("read", StatusResource, err)
	}

	buf := make([]byte, canFrameSize)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return core.Frame{}, ErrRxEmpty
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.ENOBUFS) {
				return core.Frame{}, newError("read", StatusQOverrun, err)
			}
			return core.Frame{}, newError("read", StatusUnknown, err)
		}
		if n != canFrameSize {
			return core.Frame{}, newError("read", StatusIllData, fmt.Errorf("short read of %d bytes", n))
		}
		f, isErr := decodeCANFrame(buf)
		if isErr {
			s.mu.Lock()
			s.status = StatusBusLight
			s.mu.Unlock()
			continue
		}
		f.Timestamp = time.Now()
		return f, nil
	}
}

func decodeCANFrame(buf []byte) (core.Frame, bool) {
	raw := binary.NativeEndian.Uint32(buf[0:4])
	if raw&canERRFlag != 0 {
		return core.Frame{}, true
	}
	f := core.Frame{DLC: buf[4]}
	if f.DLC > core.MaxDLC {
		f.DLC = core.MaxDLC
	}
	if raw&canEFFFlag != 0 {
		f.ID = raw & core.MaxExtendedID
		f.Extended = true
	} else {
		f.ID = raw & core.MaxStandardID
	}
	if raw&canRTRFlag == 0 {
		copy(f.Data[:], buf[8:16])
	}
	return f, false
}

func encodeCANFrame(f core.Frame) []byte {
	buf := make([]byte, canFrameSize)
	id := f.ID
	if f.Extended || f.ID > core.MaxStandardID {
		id = (f.ID & core.MaxExtendedID) | canEFFFlag
	}
	binary.NativeEndian.PutUint32(buf[0:4], id)
	buf[4] = f.DLC
	copy(buf[8:], f.Payload())
	return buf
}

func (s *SocketCAN) Write(f core.Frame) error {
	if f.DLC > core.MaxDLC {
		return newError("write", StatusIllData, errors.New("dlc above 8"))
	}
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	if fd < 0 {
		return newError("write", StatusInitialize, nil)
	}
	if _, err := unix.Write(fd, encodeCANFrame(f)); err != nil {
		if errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.EAGAIN) {
			return newError("write", StatusQXmtFull, err)
		}
		return newError("write", StatusUnknown, err)
	}
	return nil
}

// ResetBuffers drains whatever the kernel has queued for the socket.
func (s *SocketCAN) ResetBuffers() error {
	s.mu.Lock()
	fd := s.fd
	s.status = StatusOK
	s.mu.Unlock()
	if fd < 0 {
		return newError("reset", StatusInitialize, nil)
	}
	buf := make([]byte, canFrameSize)
	for {
		if _, _, err := unix.Recvfrom(fd, buf, unix.MSG_DONTWAIT); err != nil {
			return nil
		}
	}
}

func (s *SocketCAN) BusStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return StatusInitialize
	}
	return s.status
}
