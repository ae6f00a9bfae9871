package canbus

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SocketCANBus is a raw SocketCAN interface. One kernel netdev per bus
// index, all multiplexed into the shared receive stream.
type SocketCANBus struct {
	index   int
	devices []string
	log     *logrus.Entry

	mu   sync.Mutex
	fds  map[int]int // bus index -> socket fd
	open bool

	tx      chan txFrame
	rx      chan RxFrame
	closing chan struct{}
}

func NewSocketCANBus(index int, devices []string) *SocketCANBus {
	return &SocketCANBus{
		index:   index,
		devices: devices,
		log:     logrus.WithField("mod", "socketcan").WithField("iface", index),
		fds:     make(map[int]int),
		tx:      make(chan txFrame, txBacklog),
		rx:      make(chan RxFrame, 1024),
		closing: make(chan struct{}),
	}
}

func (s *SocketCANBus) Index() int { return s.index }

func (s *SocketCANBus) Buses() []int {
	buses := make([]int, len(s.devices))
	for i := range s.devices {
		buses[i] = i
	}
	return buses
}

func (s *SocketCANBus) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}

	for busIndex, device := range s.devices {
		iface, err := net.InterfaceByName(device)
		if err != nil {
			return err
		}

		fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
		if err != nil {
			return err
		}

		addr := &unix.SockaddrCAN{Ifindex: iface.Index}
		if err = unix.Bind(fd, addr); err != nil {
			unix.Close(fd)
			return err
		}

		s.fds[busIndex] = fd
		go s.reader(busIndex, fd)
	}

	s.open = true
	go s.writer()
	return nil
}

func (s *SocketCANBus) Send(frame Frame, bus int) error {
	s.mu.Lock()
	_, ok := s.fds[bus]
	open := s.open
	s.mu.Unlock()
	if !ok {
		return ERR_UNKNOWN_BUS
	}
	if !open {
		return ERR_BUS_CLOSED
	}

	select {
	case s.tx <- txFrame{frame: frame, bus: bus}:
		return nil
	case <-s.closing:
		return ERR_BUS_CLOSED
	}
}

func (s *SocketCANBus) writer() {
	for {
		select {
		case <-s.closing:
			return
		case out := <-s.tx:
			raw, err := out.frame.toByteArray()
			if err != nil {
				s.log.WithError(err).Error("bad frame")
				continue
			}
			s.mu.Lock()
			fd, ok := s.fds[out.bus]
			s.mu.Unlock()
			if !ok {
				continue
			}
			if _, err = unix.Write(fd, raw); err != nil {
				s.log.WithError(err).Error("write failed")
			}
		}
	}
}

func (s *SocketCANBus) reader(busIndex, fd int) {
	for {
		raw := make([]byte, socketCANFrameSize)
		n, err := unix.Read(fd, raw)
		if err != nil || n < socketCANFrameSize {
			select {
			case <-s.closing:
				return
			default:
			}
			if err != nil {
				s.log.WithError(err).Warn("read failed")
				return
			}
			continue
		}

		frame, err := frameFromByteArray(raw)
		if err != nil {
			continue
		}

		select {
		case s.rx <- RxFrame{Frame: frame, Interface: s.index, Bus: busIndex}:
		default:
			s.log.Warn("receive buffer full, dropping frame")
		}
	}
}

func (s *SocketCANBus) Frames() <-chan RxFrame { return s.rx }

func (s *SocketCANBus) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	close(s.closing)
	for _, fd := range s.fds {
		unix.Close(fd)
	}
	s.fds = make(map[int]int)
	return nil
}
