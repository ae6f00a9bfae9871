package fps

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sdss/jaeger/canbus"
	"github.com/sdss/jaeger/commands"
)

var (
	ERR_SCHEDULER_CLOSED = errors.New("scheduler is closed")
	ERR_NO_INTERFACE     = errors.New("no such interface")
)

type exclKey struct {
	command    commands.CommandID
	positioner int
}

type pendingKey struct {
	command    commands.CommandID
	positioner int
	uid        uint8
}

// Scheduler owns the CAN interfaces and enforces the submission rules: at
// most one command per (command_id, positioner_id) in flight, a broadcast
// of an opcode excludes every unicast of it, per-key UID allocation, and
// fan-out to the right interface and bus. Received frames from all
// interfaces are merged into a single demultiplex goroutine, which is the
// only writer of positioner state upstream.
type Scheduler struct {
	log *logrus.Entry

	buses map[int]canbus.Bus

	mu      sync.Mutex
	pending map[pendingKey]*commands.Command
	excl    map[exclKey]*sync.Mutex
	bcast   map[commands.CommandID]*sync.RWMutex
	pools   map[exclKey]*uidPool
	started bool
	closed  bool

	// onReply observes every decoded reply, solicited or not. Set once
	// before Start.
	onReply func(commands.Reply)

	// onReset observes interface transport resets.
	onReset func(index int)

	merged  chan canbus.RxFrame
	closing chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(buses ...canbus.Bus) *Scheduler {
	s := &Scheduler{
		log:     logrus.WithField("mod", "scheduler"),
		buses:   make(map[int]canbus.Bus),
		pending: make(map[pendingKey]*commands.Command),
		excl:    make(map[exclKey]*sync.Mutex),
		bcast:   make(map[commands.CommandID]*sync.RWMutex),
		pools:   make(map[exclKey]*uidPool),
		merged:  make(chan canbus.RxFrame, 1024),
		closing: make(chan struct{}),
	}
	for _, bus := range buses {
		s.buses[bus.Index()] = bus
	}
	return s
}

// OnReply installs the reply observer. Must be called before Start.
func (s *Scheduler) OnReply(fn func(commands.Reply)) { s.onReply = fn }

// OnReset installs the transport reset observer. Must be called before
// Start.
func (s *Scheduler) OnReset(fn func(index int)) { s.onReset = fn }

// Start opens the interfaces and begins demultiplexing. No-op when
// already started.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	for _, bus := range s.buses {
		if err := bus.Open(); err != nil {
			s.log.WithError(err).WithField("iface", bus.Index()).Warn("interface failed to open, will retry")
		}
		if rn, ok := bus.(canbus.ResetNotifier); ok {
			rn.NotifyReset(s.handleReset)
		}

		s.wg.Add(1)
		go s.forward(bus)
	}

	s.wg.Add(1)
	go s.demux()
	return nil
}

// forward copies one interface's frames into the merged stream.
func (s *Scheduler) forward(bus canbus.Bus) {
	defer s.wg.Done()
	frames := bus.Frames()
	for {
		select {
		case rx, ok := <-frames:
			if !ok {
				return
			}
			select {
			case s.merged <- rx:
			case <-s.closing:
				return
			}
		case <-s.closing:
			return
		}
	}
}

// demux routes every received frame to the command owning its UID, or to
// the broadcast entry for uid 0. Runs on a single goroutine.
func (s *Scheduler) demux() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closing:
			return
		case rx := <-s.merged:
			s.route(rx)
		}
	}
}

func (s *Scheduler) route(rx canbus.RxFrame) {
	pid, cid, uid, rc := canbus.ParseIdentifier(rx.ID)

	if _, known := commands.Lookup(commands.CommandID(cid)); !known {
		s.log.WithFields(logrus.Fields{"command": cid, "positioner": pid}).Debug("dropping reply with unknown opcode")
		return
	}

	reply := commands.Reply{
		CommandID:    commands.CommandID(cid),
		PositionerID: int(pid),
		UID:          uint8(uid),
		Response:     commands.ResponseCode(rc),
		Data:         rx.Data,
		Interface:    rx.Interface,
		Bus:          rx.Bus,
	}

	s.mu.Lock()
	cmd := s.pending[pendingKey{reply.CommandID, reply.PositionerID, reply.UID}]
	if cmd == nil && reply.UID == 0 {
		cmd = s.pending[pendingKey{reply.CommandID, canbus.Broadcast, 0}]
	}
	s.mu.Unlock()

	if cmd != nil {
		cmd.ProcessReply(reply)
	}

	// the observer also sees unsolicited traffic, e.g. COLLISION_DETECTED
	if s.onReply != nil {
		s.onReply(reply)
	}
}

// Submit runs a command through exclusion, UID allocation and fan-out.
// For unicasts iface/bus give the route; broadcasts go everywhere. The
// call blocks while a conflicting command is in flight, and returns once
// the frames are queued; callers wait on the command itself.
func (s *Scheduler) Submit(cmd *commands.Command, iface, bus int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ERR_SCHEDULER_CLOSED
	}
	bl := s.bcastLock(cmd.ID)
	s.mu.Unlock()

	key := exclKey{cmd.ID, cmd.PositionerID}

	var kl *sync.Mutex
	if cmd.Broadcast() {
		bl.Lock()
	} else {
		bl.RLock()
		kl = s.exclMutex(key)
		kl.Lock()
	}

	release := func() {
		if kl != nil {
			kl.Unlock()
		}
		if cmd.Broadcast() {
			bl.Unlock()
		} else {
			bl.RUnlock()
		}
	}

	var uids []uint8
	if !cmd.Broadcast() {
		pool := s.pool(key)
		var err error
		uids, err = pool.allocate(cmd.MessageCount())
		if err != nil {
			release()
			return err
		}
		cmd.SetUIDs(uids)
		cmd.SetRoute(iface, bus)
	}

	s.register(cmd, uids)
	cmd.Start()

	sendErr := s.writeFrames(cmd, iface, bus)

	switch {
	case sendErr != nil:
		cmd.Fail(&commands.TransportError{Interface: iface, Err: sendErr})
	case cmd.Timeout() == 0:
		cmd.FinishFireAndForget()
	case cmd.Timeout() > 0:
		s.armTimer(cmd)
	}

	go func() {
		<-cmd.Done()
		s.unregister(cmd, uids, key)
		release()
	}()

	return nil
}

func (s *Scheduler) writeFrames(cmd *commands.Command, iface, bus int) error {
	if cmd.Broadcast() {
		// same frames to every interface and every bus; a partial
		// delivery is fine, the broadcast completes on the replies it
		// gets
		var firstErr error
		delivered := false
		for _, b := range s.buses {
			for _, busIndex := range b.Buses() {
				for _, frame := range cmd.Frames() {
					if err := b.Send(frame, busIndex); err != nil {
						if firstErr == nil {
							firstErr = err
						}
					} else {
						delivered = true
					}
				}
			}
		}
		if !delivered {
			return firstErr
		}
		return nil
	}

	b, ok := s.buses[iface]
	if !ok {
		return ERR_NO_INTERFACE
	}
	for _, frame := range cmd.Frames() {
		if err := b.Send(frame, bus); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) armTimer(cmd *commands.Command) {
	timeout := cmd.Timeout()
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-cmd.Done():
		case <-timer.C:
			cmd.HandleTimeout()
		}
	}()
}

func (s *Scheduler) register(cmd *commands.Command, uids []uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd.Broadcast() {
		s.pending[pendingKey{cmd.ID, canbus.Broadcast, 0}] = cmd
		return
	}
	for _, uid := range uids {
		s.pending[pendingKey{cmd.ID, cmd.PositionerID, uid}] = cmd
	}
}

func (s *Scheduler) unregister(cmd *commands.Command, uids []uint8, key exclKey) {
	s.mu.Lock()
	if cmd.Broadcast() {
		delete(s.pending, pendingKey{cmd.ID, canbus.Broadcast, 0})
	} else {
		for _, uid := range uids {
			delete(s.pending, pendingKey{cmd.ID, cmd.PositionerID, uid})
		}
	}
	pool := s.pools[key]
	s.mu.Unlock()

	if pool != nil && len(uids) > 0 {
		pool.release(uids)
	}
}

func (s *Scheduler) bcastLock(id commands.CommandID) *sync.RWMutex {
	// callers hold s.mu
	l, ok := s.bcast[id]
	if !ok {
		l = new(sync.RWMutex)
		s.bcast[id] = l
	}
	return l
}

func (s *Scheduler) exclMutex(key exclKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.excl[key]
	if !ok {
		l = new(sync.Mutex)
		s.excl[key] = l
	}
	return l
}

func (s *Scheduler) pool(key exclKey) *uidPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[key]
	if !ok {
		p = new(uidPool)
		s.pools[key] = p
	}
	return p
}

// InFlightUIDs reports the allocated UID count for a key.
func (s *Scheduler) InFlightUIDs(id commands.CommandID, positionerID int) int {
	s.mu.Lock()
	p := s.pools[exclKey{id, positionerID}]
	s.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.inUse()
}

// CancelNonSafe cancels every in-flight command whose opcode is not safe.
// Used when the fleet locks.
func (s *Scheduler) CancelNonSafe() {
	s.mu.Lock()
	var victims []*commands.Command
	seen := make(map[*commands.Command]bool)
	for _, cmd := range s.pending {
		if !cmd.Safe && !seen[cmd] {
			seen[cmd] = true
			victims = append(victims, cmd)
		}
	}
	s.mu.Unlock()

	for _, cmd := range victims {
		cmd.Cancel()
	}
}

// handleReset fails the in-flight commands routed at a reset interface.
// Broadcasts stay alive; they may still complete from other interfaces.
func (s *Scheduler) handleReset(index int) {
	s.mu.Lock()
	var victims []*commands.Command
	seen := make(map[*commands.Command]bool)
	for _, cmd := range s.pending {
		iface, _ := cmd.Route()
		if iface == index && !seen[cmd] {
			seen[cmd] = true
			victims = append(victims, cmd)
		}
	}
	s.mu.Unlock()

	for _, cmd := range victims {
		cmd.Fail(&commands.TransportError{Interface: index, Err: canbus.ERR_BUS_CLOSED})
	}

	s.log.WithField("iface", index).Warn("transport reset")
	if s.onReset != nil {
		s.onReset(index)
	}
}

// Interfaces returns the registered buses.
func (s *Scheduler) Interfaces() []canbus.Bus {
	out := make([]canbus.Bus, 0, len(s.buses))
	for _, b := range s.buses {
		out = append(out, b)
	}
	return out
}

// Close shuts the scheduler down. Safe to call more than once; the buses
// themselves are closed by the FPS.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.closing)

	var victims []*commands.Command
	seen := make(map[*commands.Command]bool)
	for _, cmd := range s.pending {
		if !seen[cmd] {
			seen[cmd] = true
			victims = append(victims, cmd)
		}
	}
	s.mu.Unlock()

	for _, cmd := range victims {
		cmd.Cancel()
	}
}
