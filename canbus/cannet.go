package canbus

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CAN@net NT devices expose several CAN buses over one TCP stream. Frames
// are ASCII lines of the form
//
//	M <bus> CED <ID> <B0> <B1> ...
//
// where CED marks an extended data frame. Lines not starting with "M" are
// device chatter.
const (
	cannetDefaultPort = 19228

	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
	pingInterval      = 30 * time.Second
)

var cannetBitrates = map[int]string{
	5000:    "5",
	10000:   "10",
	20000:   "20",
	50000:   "50",
	62500:   "62.5",
	83300:   "83.3",
	100000:  "100",
	125000:  "125",
	500000:  "500",
	800000:  "800",
	1000000: "1000",
}

// CANNetBus is the multibus TCP interface adapter.
type CANNetBus struct {
	index   int
	addr    string
	port    int
	bitrate int
	buses   []int
	log     *logrus.Entry

	mu        sync.Mutex
	conn      net.Conn
	open      bool
	connected bool
	resetFns  []func(int)

	tx      chan txFrame
	rx      chan RxFrame
	closing chan struct{}
}

type txFrame struct {
	frame Frame
	bus   int
}

func NewCANNetBus(index int, addr string, port int, bitrate int, buses []int) *CANNetBus {
	if port == 0 {
		port = cannetDefaultPort
	}
	if len(buses) == 0 {
		buses = []int{1}
	}
	return &CANNetBus{
		index:   index,
		addr:    addr,
		port:    port,
		bitrate: bitrate,
		buses:   buses,
		log:     logrus.WithField("mod", "cannet").WithField("iface", index),
		tx:      make(chan txFrame, txBacklog),
		rx:      make(chan RxFrame, 1024),
		closing: make(chan struct{}),
	}
}

func (c *CANNetBus) Index() int   { return c.index }
func (c *CANNetBus) Buses() []int { return c.buses }

func (c *CANNetBus) Open() error {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = true
	c.mu.Unlock()

	go c.writer()
	go c.ping()

	if err := c.connect(); err != nil {
		// keep trying in the background; the scheduler sees the bus as
		// closed until the transport comes up
		go c.reconnect()
		return err
	}
	return nil
}

func (c *CANNetBus) connect() error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(c.addr, strconv.Itoa(c.port)), 5*time.Second)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	rate, ok := cannetBitrates[c.bitrate]
	if !ok {
		rate = "1000"
	}
	for _, bus := range c.buses {
		c.writeLine(fmt.Sprintf("CAN %d STOP", bus))
		c.writeLine(fmt.Sprintf("CAN %d INIT STD %s", bus, rate))
		c.writeLine(fmt.Sprintf("CAN %d FILTER CLEAR", bus))
		c.writeLine(fmt.Sprintf("CAN %d FILTER ADD EXT 00000000 00000000", bus))
		c.writeLine(fmt.Sprintf("CAN %d START", bus))
	}

	go c.reader(conn)

	c.log.WithField("addr", c.addr).Info("connected")
	return nil
}

func (c *CANNetBus) writeLine(line string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ERR_BUS_CLOSED
	}
	_, err := conn.Write([]byte(line + "\n"))
	return err
}

func (c *CANNetBus) Send(frame Frame, bus int) error {
	if !containsBus(c.buses, bus) {
		return ERR_UNKNOWN_BUS
	}
	c.mu.Lock()
	ok := c.open && c.connected
	c.mu.Unlock()
	if !ok {
		return ERR_BUS_CLOSED
	}

	select {
	case c.tx <- txFrame{frame: frame, bus: bus}:
		return nil
	case <-c.closing:
		return ERR_BUS_CLOSED
	}
}

func (c *CANNetBus) writer() {
	for {
		select {
		case <-c.closing:
			return
		case out := <-c.tx:
			line := formatCannetFrame(out.bus, out.frame)
			if err := c.writeLine(line); err != nil {
				c.log.WithError(err).Error("write failed")
				c.dropConnection()
			}
		}
	}
}

func (c *CANNetBus) reader(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		frame, bus, err := parseCannetLine(scanner.Text())
		if err != nil {
			c.log.WithError(err).Debug("skipping line")
			continue
		}
		if bus < 0 || !containsBus(c.buses, bus) {
			continue
		}
		select {
		case c.rx <- RxFrame{Frame: frame, Interface: c.index, Bus: bus}:
		default:
			c.log.Warn("receive buffer full, dropping frame")
		}
	}

	select {
	case <-c.closing:
		return
	default:
	}
	c.log.Warn("connection lost")
	c.dropConnection()
}

// dropConnection tears the transport down and starts the reconnect loop.
// The reset callbacks run first so the scheduler can fail the in-flight
// commands routed at this interface.
func (c *CANNetBus) dropConnection() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	fns := append([]func(int){}, c.resetFns...)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(c.index)
	}

	go c.reconnect()
}

func (c *CANNetBus) reconnect() {
	delay := reconnectMinDelay
	for {
		select {
		case <-c.closing:
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		open := c.open
		connected := c.connected
		c.mu.Unlock()
		if !open || connected {
			return
		}

		if err := c.connect(); err == nil {
			return
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
		c.log.WithField("next", delay).Debug("reconnect failed")
	}
}

func (c *CANNetBus) ping() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closing:
			return
		case <-ticker.C:
			c.mu.Lock()
			connected := c.connected
			c.mu.Unlock()
			if connected {
				if err := c.writeLine("DEV INFO"); err != nil {
					c.dropConnection()
				}
			}
		}
	}
}

func (c *CANNetBus) Frames() <-chan RxFrame { return c.rx }

func (c *CANNetBus) NotifyReset(fn func(index int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetFns = append(c.resetFns, fn)
}

func (c *CANNetBus) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	c.connected = false
	close(c.closing)
	if c.conn != nil {
		for _, bus := range c.buses {
			c.conn.Write([]byte(fmt.Sprintf("CAN %d STOP\n", bus)))
		}
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	return nil
}

func formatCannetFrame(bus int, frame Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "M %d CED %08X", bus, frame.ID)
	for _, byt := range frame.Data {
		fmt.Fprintf(&b, " %02X", byt)
	}
	return b.String()
}

func parseCannetLine(line string) (frame Frame, bus int, err error) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "M" {
		return frame, -1, fmt.Errorf("not a CAN record: %q", line)
	}

	bus, err = strconv.Atoi(fields[1])
	if err != nil {
		return frame, -1, err
	}

	// data frames only; remote frames and FD are not used by the firmware
	if fields[2] != "CED" && fields[2] != "CSD" {
		return frame, -1, fmt.Errorf("unsupported record type %s", fields[2])
	}

	id, err := strconv.ParseUint(fields[3], 16, 32)
	if err != nil {
		return frame, -1, err
	}
	frame.ID = uint32(id) & canEffMask

	for _, field := range fields[4:] {
		byt, perr := strconv.ParseUint(field, 16, 8)
		if perr != nil {
			return frame, -1, perr
		}
		frame.Data = append(frame.Data, byte(byt))
	}

	if len(frame.Data) > MaxDataLen {
		return frame, -1, ERR_DATA_TOO_LONG
	}

	return frame, bus, nil
}
