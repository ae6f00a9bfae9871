package canbus

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// SLCANBus is a serial-line CAN adapter (LAWICEL protocol). Extended data
// frames are lines "T<ID:8><DLC:1><data…>" terminated with CR. A single
// bus per serial device.
type SLCANBus struct {
	index   int
	device  string
	bitrate int
	log     *logrus.Entry

	mu   sync.Mutex
	port io.ReadWriteCloser
	open bool

	tx      chan Frame
	rx      chan RxFrame
	closing chan struct{}
}

// slcanBitrates maps bit/s to the Sn setup command digit.
var slcanBitrates = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

func NewSLCANBus(index int, device string, bitrate int) *SLCANBus {
	return &SLCANBus{
		index:   index,
		device:  device,
		bitrate: bitrate,
		log:     logrus.WithField("mod", "slcan").WithField("iface", index),
		tx:      make(chan Frame, txBacklog),
		rx:      make(chan RxFrame, 1024),
		closing: make(chan struct{}),
	}
}

func (s *SLCANBus) Index() int   { return s.index }
func (s *SLCANBus) Buses() []int { return []int{0} }

func (s *SLCANBus) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}

	port, err := serial.OpenPort(&serial.Config{Name: s.device, Baud: 115200})
	if err != nil {
		return err
	}
	s.port = port
	s.open = true

	if setup, ok := slcanBitrates[s.bitrate]; ok {
		port.Write([]byte(setup + "\r"))
	}
	port.Write([]byte("O\r")) // open channel

	go s.reader(port)
	go s.writer()
	return nil
}

func (s *SLCANBus) Send(frame Frame, bus int) error {
	if bus != 0 {
		return ERR_UNKNOWN_BUS
	}
	s.mu.Lock()
	ok := s.open
	s.mu.Unlock()
	if !ok {
		return ERR_BUS_CLOSED
	}

	select {
	case s.tx <- frame:
		return nil
	case <-s.closing:
		return ERR_BUS_CLOSED
	}
}

func (s *SLCANBus) writer() {
	for {
		select {
		case <-s.closing:
			return
		case frame := <-s.tx:
			line := fmt.Sprintf("T%08X%d", frame.ID, len(frame.Data))
			for _, byt := range frame.Data {
				line += fmt.Sprintf("%02X", byt)
			}
			s.mu.Lock()
			port := s.port
			s.mu.Unlock()
			if port == nil {
				return
			}
			if _, err := port.Write([]byte(line + "\r")); err != nil {
				s.log.WithError(err).Error("write failed")
			}
		}
	}
}

func (s *SLCANBus) reader(port io.Reader) {
	scanner := bufio.NewScanner(port)
	scanner.Split(scanCR)
	for scanner.Scan() {
		frame, err := parseSlcanLine(scanner.Text())
		if err != nil {
			s.log.WithError(err).Debug("skipping line")
			continue
		}
		select {
		case s.rx <- RxFrame{Frame: frame, Interface: s.index, Bus: 0}:
		default:
			s.log.Warn("receive buffer full, dropping frame")
		}
	}
}

func (s *SLCANBus) Frames() <-chan RxFrame { return s.rx }

func (s *SLCANBus) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	close(s.closing)
	if s.port != nil {
		s.port.Write([]byte("C\r"))
		s.port.Close()
		s.port = nil
	}
	return nil
}

// scanCR splits on the CR terminator used by SLCAN adapters.
func scanCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func parseSlcanLine(line string) (frame Frame, err error) {
	if len(line) < 10 || line[0] != 'T' {
		return frame, fmt.Errorf("not an extended data frame: %q", line)
	}

	id, err := strconv.ParseUint(line[1:9], 16, 32)
	if err != nil {
		return frame, err
	}
	frame.ID = uint32(id) & canEffMask

	dlc, err := strconv.Atoi(line[9:10])
	if err != nil || dlc > MaxDataLen {
		return frame, fmt.Errorf("bad DLC in %q", line)
	}
	if len(line) < 10+dlc*2 {
		return frame, fmt.Errorf("truncated frame %q", line)
	}

	frame.Data = make([]byte, dlc)
	for i := 0; i < dlc; i++ {
		byt, perr := strconv.ParseUint(line[10+i*2:12+i*2], 16, 8)
		if perr != nil {
			return frame, perr
		}
		frame.Data[i] = byte(byt)
	}

	return frame, nil
}
