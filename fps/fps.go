package fps

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Masterminds/semver"
	"github.com/sirupsen/logrus"

	jaeger "github.com/sdss/jaeger"
	"github.com/sdss/jaeger/canbus"
	"github.com/sdss/jaeger/commands"
)

// rpmDegPerSec converts motor RPM to output degrees per second through
// the gearbox.
const rpmDegPerSec = 0.00682

// discoveryTimeout bounds the initial broadcast sweep.
const discoveryTimeout = 2 * time.Second

// Counters accumulates fleet statistics.
type Counters struct {
	Trajectories int
	Commands     int
	Locks        int
}

// FPS is the focal plane system coordinator: it owns the scheduler, the
// interfaces and the positioners, and is the only writer of their state.
type FPS struct {
	cfg       *jaeger.Config
	log       *logrus.Entry
	scheduler *Scheduler
	events    *EventBus

	store    *DumpStore
	lockfile *Lockfile

	fwConstraint *semver.Constraints

	mu          sync.RWMutex
	positioners map[int]*Positioner
	locked      bool
	lockedBy    map[int]struct{}
	moving      bool
	counters    Counters
	lastStatus  time.Time
	initialised bool
	shutdown    bool

	trajMu  sync.Mutex
	current *Trajectory

	pollers *Pollers
}

// NewFPS builds a coordinator over the given interfaces. With no buses,
// the configured CAN profile decides.
func NewFPS(cfg *jaeger.Config, buses ...canbus.Bus) (*FPS, error) {
	if len(buses) == 0 {
		var err error
		buses, err = busesFromProfile(cfg.ActiveProfile())
		if err != nil {
			return nil, err
		}
	}

	constraint, err := semver.NewConstraint(cfg.Positioner.FirmwareRange)
	if err != nil {
		return nil, &jaeger.InvalidConfigurationError{Field: "positioner.firmware_range", Reason: err.Error()}
	}

	f := &FPS{
		cfg:          cfg,
		log:          logrus.WithField("mod", "fps"),
		events:       NewEventBus(),
		fwConstraint: constraint,
		positioners:  make(map[int]*Positioner),
		lockedBy:     make(map[int]struct{}),
	}

	f.scheduler = NewScheduler(buses...)
	f.scheduler.OnReply(f.handleReply)
	f.scheduler.OnReset(func(index int) {
		f.events.Emit(Event{Type: EventTransportReset, Payload: index})
	})
	f.pollers = newPollers(f)

	return f, nil
}

// busesFromProfile constructs the interfaces named by a CAN profile.
func busesFromProfile(profile jaeger.CANProfile) ([]canbus.Bus, error) {
	switch profile.Interface {
	case "cannet":
		return []canbus.Bus{canbus.NewCANNetBus(0, profile.Channel, profile.Port, profile.Bitrate, profile.Buses)}, nil
	case "slcan":
		return []canbus.Bus{canbus.NewSLCANBus(0, profile.Channel, profile.Bitrate)}, nil
	case "socketcan":
		devices := profile.Channels
		if len(devices) == 0 {
			devices = []string{profile.Channel}
		}
		return []canbus.Bus{canbus.NewSocketCANBus(0, devices)}, nil
	case "virtual":
		return []canbus.Bus{canbus.NewVirtualBus(0, profile.Buses)}, nil
	}
	return nil, &jaeger.InvalidConfigurationError{Field: "profiles", Reason: "unknown interface type " + profile.Interface}
}

// Events exposes the control-plane event bus.
func (f *FPS) Events() *EventBus { return f.events }

// Initialise acquires the instance lock, starts the scheduler, discovers
// the fleet and prepares every responding positioner.
func (f *FPS) Initialise(ctx context.Context) error {
	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return ERR_SCHEDULER_CLOSED
	}
	f.mu.Unlock()

	if f.lockfile == nil && f.cfg.LockfilePath != "" {
		lf, err := AcquireLockfile(f.cfg.LockfilePath)
		if err != nil {
			return err
		}
		f.lockfile = lf
	}

	if f.store == nil && f.cfg.DumpDB != "" {
		store, err := OpenDumpStore(f.cfg.DumpDB)
		if err != nil {
			f.log.WithError(err).Warn("dump store unavailable")
		} else {
			f.store = store
		}
	}

	if err := f.scheduler.Start(); err != nil {
		return err
	}

	if err := f.discover(ctx); err != nil {
		return err
	}

	f.applyDisabled()

	for _, p := range f.allPositioners() {
		if p.Offline() {
			continue
		}
		if err := f.initialisePositioner(ctx, p); err != nil {
			f.log.WithError(err).WithField("positioner", p.ID).Warn("initialise failed, marking offline")
			p.setOffline(true)
		}
	}

	f.mu.Lock()
	f.initialised = true
	f.mu.Unlock()

	f.events.Emit(Event{Type: EventDiscoveryComplete, Payload: f.IDs()})

	f.pollers.Start()

	return nil
}

// discover sweeps all interfaces with broadcast GET_FIRMWARE_VERSION and
// GET_STATUS, creating a positioner per reply.
func (f *FPS) discover(ctx context.Context) error {
	fwCmd, err := f.SendCommand(ctx, commands.GET_FIRMWARE_VERSION, canbus.Broadcast, nil,
		commands.WithTimeout(discoveryTimeout))
	if err != nil {
		return err
	}
	fwCmd.Wait(ctx)

	for _, reply := range fwCmd.Replies() {
		fw, ferr := commands.FirmwareFromData(reply.Data)
		if ferr != nil {
			continue
		}

		f.mu.Lock()
		p, ok := f.positioners[reply.PositionerID]
		if !ok {
			p = newPositioner(reply.PositionerID, reply.Interface, reply.Bus)
			f.positioners[reply.PositionerID] = p
		}
		f.mu.Unlock()

		p.setRoute(reply.Interface, reply.Bus)
		p.setFirmware(fw)

		if !ok {
			f.events.Emit(Event{Type: EventPositionerAdded, PositionerID: reply.PositionerID})
		}
	}

	if len(f.allPositioners()) == 0 {
		f.log.Warn("discovery found no positioners")
		return nil
	}

	// status replies are applied by the demultiplexer
	stCmd, err := f.SendCommand(ctx, commands.GET_STATUS, canbus.Broadcast, nil,
		commands.WithTimeout(discoveryTimeout), commands.WithExpected(len(f.allPositioners())))
	if err != nil {
		return err
	}
	stCmd.Wait(ctx)

	return nil
}

// AddPositioner registers one robot manually and fetches its version and
// status.
func (f *FPS) AddPositioner(ctx context.Context, id, iface, bus int) error {
	if id <= 0 || id > canbus.MaxPositionerID {
		return fmt.Errorf("positioner id %d out of range", id)
	}

	f.mu.Lock()
	if _, dup := f.positioners[id]; dup {
		f.mu.Unlock()
		return fmt.Errorf("positioner %d already present", id)
	}
	p := newPositioner(id, iface, bus)
	f.positioners[id] = p
	f.mu.Unlock()

	cmd, err := f.SendCommand(ctx, commands.GET_FIRMWARE_VERSION, id, nil)
	if err == nil {
		err = cmd.Wait(ctx)
	}
	if err != nil {
		p.setOffline(true)
		return err
	}
	if replies := cmd.Replies(); len(replies) > 0 {
		if fw, ferr := commands.FirmwareFromData(replies[0].Data); ferr == nil {
			p.setFirmware(fw)
		}
	}

	if cmd, err = f.SendCommand(ctx, commands.GET_STATUS, id, nil); err == nil {
		cmd.Wait(ctx)
	}

	f.events.Emit(Event{Type: EventPositionerAdded, PositionerID: id})
	return nil
}

// applyDisabled merges the configured and persisted disabled sets.
func (f *FPS) applyDisabled() {
	disabled := make(map[int]bool)
	for _, id := range f.cfg.Positioner.Disabled {
		disabled[id] = true
	}
	if f.store != nil {
		if persisted, err := f.store.Disabled(); err == nil {
			for id := range persisted {
				disabled[id] = true
			}
		}
	}
	for id := range disabled {
		if p := f.positioner(id); p != nil {
			p.setDisabled(true)
		}
	}
}

// initialisePositioner runs the per-robot bring-up: firmware gate, abort
// of residual motion and default speeds. Bootloader robots skip all three
// and are only marked initialised.
func (f *FPS) initialisePositioner(ctx context.Context, p *Positioner) error {
	fw := p.Firmware()

	if fw.Bootloader() {
		p.setInitialised(true)
		return nil
	}

	version, err := semver.NewVersion(fmt.Sprintf("%d.%d.%d", fw.Major, fw.Minor, fw.Patch))
	if err != nil {
		return fmt.Errorf("positioner %d: unparsable firmware %s", p.ID, fw)
	}
	if !f.fwConstraint.Check(version) {
		return fmt.Errorf("positioner %d: firmware %s outside supported range %s",
			p.ID, fw, f.cfg.Positioner.FirmwareRange)
	}

	// abort, not stop: keeps any collided bits for diagnosis
	cmd, err := f.SendCommand(ctx, commands.SEND_TRAJECTORY_ABORT, p.ID, nil)
	if err == nil {
		err = cmd.Wait(ctx)
	}
	if err != nil {
		return err
	}

	speed := commands.SpeedToData(f.cfg.Positioner.DefaultSpeed, f.cfg.Positioner.DefaultSpeed,
		f.cfg.Positioner.MaxSpeed)
	cmd, err = f.SendCommand(ctx, commands.SET_SPEED, p.ID, [][]byte{speed})
	if err == nil {
		err = cmd.Wait(ctx)
	}
	if err != nil {
		return err
	}

	p.setInitialised(true)
	return nil
}

// SendCommand gates, builds and submits one firmware command. The
// returned command is already on the wire; callers Wait on it.
func (f *FPS) SendCommand(ctx context.Context, id commands.CommandID, positionerID int,
	payloads [][]byte, opts ...commands.Option) (*commands.Command, error) {

	desc, known := commands.Lookup(id)
	if !known {
		return nil, commands.ERR_UNKNOWN_OPCODE
	}

	f.mu.RLock()
	shutdown := f.shutdown
	locked := f.locked
	f.mu.RUnlock()

	if shutdown {
		return nil, ERR_SCHEDULER_CLOSED
	}
	if locked && !desc.Safe {
		return nil, &jaeger.LockedError{LockedBy: f.LockedBy()}
	}

	iface, bus := -1, -1
	if positionerID != canbus.Broadcast {
		p := f.positioner(positionerID)
		if p == nil {
			return nil, &jaeger.UnknownPositionerError{PositionerID: positionerID}
		}
		if (p.Disabled() || p.Offline()) && !desc.Safe {
			return nil, &jaeger.PositionerDisabledError{PositionerID: positionerID}
		}
		if p.Bootloader() && !desc.Bootloader {
			return nil, fmt.Errorf("positioner %d is in bootloader mode", positionerID)
		}
		iface, bus = p.Route()
	}

	cmd, err := commands.New(id, positionerID, payloads, opts...)
	if err != nil {
		return nil, err
	}

	if err = f.scheduler.Submit(cmd, iface, bus); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.counters.Commands++
	f.mu.Unlock()

	return cmd, nil
}

// SendToAll fans a command out as unicasts to a positioner set, skipping
// disabled and offline robots, and waits for all of them.
func (f *FPS) SendToAll(ctx context.Context, id commands.CommandID, ids []int,
	payloads [][]byte) (map[int]*commands.Command, error) {

	if ids == nil {
		ids = f.IDs()
	}

	out := make(map[int]*commands.Command, len(ids))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, pid := range ids {
		p := f.positioner(pid)
		if p == nil || p.Disabled() || p.Offline() {
			continue
		}

		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			cmd, err := f.SendCommand(ctx, id, pid, payloads)
			if err == nil {
				err = cmd.Wait(ctx)
			}
			mu.Lock()
			if cmd != nil {
				out[pid] = cmd
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}(pid)
	}

	wg.Wait()
	return out, firstErr
}

// handleReply runs on the scheduler's demultiplex goroutine and is the
// single writer of positioner state.
func (f *FPS) handleReply(reply commands.Reply) {
	if reply.PositionerID == canbus.Broadcast {
		return
	}

	p := f.positioner(reply.PositionerID)
	if p == nil {
		return
	}

	switch reply.CommandID {
	case commands.GET_FIRMWARE_VERSION:
		if fw, err := commands.FirmwareFromData(reply.Data); err == nil {
			p.setFirmware(fw)
		}

	case commands.GET_STATUS:
		raw, err := commands.StatusFromData(reply.Data)
		if err != nil {
			return
		}
		old, current := p.setStatusRaw(raw)

		f.mu.Lock()
		f.lastStatus = time.Now()
		f.mu.Unlock()

		if old != current {
			f.events.Emit(Event{Type: EventStatusChanged, PositionerID: p.ID, Payload: current})
		}
		if current.IsCollided() && !p.Disabled() {
			go f.lockFleet(p.ID)
		}

	case commands.COLLISION_DETECTED:
		go f.lockFleet(p.ID)

	case commands.GET_ACTUAL_POSITION:
		alpha, beta, err := commands.PositionFromData(reply.Data, f.cfg.Positioner.MotorSteps)
		if err != nil {
			return
		}
		p.setPosition(alpha, beta)
		f.events.Emit(Event{Type: EventPositionChanged, PositionerID: p.ID,
			Payload: [2]float64{alpha, beta}})
	}
}

// lockFleet engages the fleet lock after a collision on positionerID:
// non-safe in-flight commands are cancelled and motion aborted everywhere.
func (f *FPS) lockFleet(positionerID int) {
	f.mu.Lock()
	wasLocked := f.locked
	f.locked = true
	f.lockedBy[positionerID] = struct{}{}
	if !wasLocked {
		f.counters.Locks++
	}
	f.mu.Unlock()

	if wasLocked {
		return
	}

	f.log.WithField("positioner", positionerID).Error("collision detected, locking FPS")

	f.scheduler.CancelNonSafe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cmd, err := f.SendCommand(ctx, commands.SEND_TRAJECTORY_ABORT, canbus.Broadcast, nil); err == nil {
		cmd.Wait(ctx)
	}

	f.events.Emit(Event{Type: EventLocked, PositionerID: positionerID, Payload: f.LockedBy()})
}

// Lock engages the fleet lock on operator request.
func (f *FPS) Lock() {
	f.lockFleet(0)
}

// Unlock clears the lock. The collided bits on the firmware are left
// untouched; clearing those is an explicit operator action.
func (f *FPS) Unlock() {
	f.mu.Lock()
	f.locked = false
	f.lockedBy = make(map[int]struct{})
	f.mu.Unlock()
	f.events.Emit(Event{Type: EventUnlocked})
}

// Locked reports the fleet lock state.
func (f *FPS) Locked() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.locked
}

// LockedBy lists the positioners that triggered the lock. Empty for an
// operator lock.
func (f *FPS) LockedBy() []int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]int, 0, len(f.lockedBy))
	for id := range f.lockedBy {
		if id != 0 {
			out = append(out, id)
		}
	}
	return out
}

// Initialised reports whether Initialise has completed.
func (f *FPS) Initialised() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.initialised
}

// LastStatus returns when a status reply was last applied.
func (f *FPS) LastStatus() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastStatus
}

// Moving reports whether a trajectory is executing.
func (f *FPS) Moving() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.moving
}

func (f *FPS) setMoving(moving bool) {
	f.mu.Lock()
	f.moving = moving
	f.mu.Unlock()
}

// Counters returns a copy of the fleet counters.
func (f *FPS) Counters() Counters {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.counters
}

// UpdateStatus polls the whole fleet's status once, with a single retry
// on a silent timeout.
func (f *FPS) UpdateStatus(ctx context.Context) error {
	return f.pollBroadcast(ctx, commands.GET_STATUS)
}

// UpdatePositions polls the whole fleet's positions once, with a single
// retry on a silent timeout.
func (f *FPS) UpdatePositions(ctx context.Context) error {
	return f.pollBroadcast(ctx, commands.GET_ACTUAL_POSITION)
}

func (f *FPS) pollBroadcast(ctx context.Context, id commands.CommandID) error {
	active := 0
	for _, p := range f.allPositioners() {
		if !p.Offline() {
			active++
		}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cmd, err := f.SendCommand(ctx, id, canbus.Broadcast, nil, commands.WithExpected(active))
		if err != nil {
			return err
		}
		if err = cmd.Wait(ctx); err == nil {
			return nil
		}
		lastErr = err
	}

	f.events.Emit(Event{Type: EventAlert, Payload: fmt.Sprintf("poller %d timed out twice", id)})
	return lastErr
}

// Goto moves one positioner to (alpha, beta) through a two-point
// trajectory bounded by the given speeds in RPM. Zero speeds use the
// configured default. Negative current positions are valid start points.
func (f *FPS) Goto(ctx context.Context, positionerID int, alpha, beta, speedAlpha, speedBeta float64) error {
	p := f.positioner(positionerID)
	if p == nil {
		return &jaeger.UnknownPositionerError{PositionerID: positionerID}
	}

	alpha0, beta0, ok := p.Position()
	if !ok {
		if err := f.UpdatePositions(ctx); err != nil {
			return err
		}
		if alpha0, beta0, ok = p.Position(); !ok {
			return fmt.Errorf("positioner %d has no known position", positionerID)
		}
	}

	if speedAlpha <= 0 {
		speedAlpha = f.cfg.Positioner.DefaultSpeed
	}
	if speedBeta <= 0 {
		speedBeta = f.cfg.Positioner.DefaultSpeed
	}
	if f.cfg.Positioner.MaxSpeed > 0 {
		speedAlpha = math.Min(speedAlpha, f.cfg.Positioner.MaxSpeed)
		speedBeta = math.Min(speedBeta, f.cfg.Positioner.MaxSpeed)
	}

	alphaTime := moveDuration(alpha0, alpha, speedAlpha)
	betaTime := moveDuration(beta0, beta, speedBeta)

	data := TrajectoryData{
		positionerID: {
			Alpha: AxisPath{{alpha0, 0}, {alpha, alphaTime}},
			Beta:  AxisPath{{beta0, 0}, {beta, betaTime}},
		},
	}

	return f.SendTrajectory(ctx, data)
}

// moveDuration is the time to sweep an axis at the given RPM, floored so
// very short moves still get a sane ramp.
func moveDuration(from, to, rpm float64) float64 {
	duration := math.Abs(to-from) / (rpm * rpmDegPerSec)
	if duration < 0.5 {
		duration = 0.5
	}
	return duration
}

// GotoDatums drives initialised, non-bootloader robots to their datums.
func (f *FPS) GotoDatums(ctx context.Context, ids []int) error {
	if ids == nil {
		ids = f.IDs()
	}
	for _, id := range ids {
		p := f.positioner(id)
		if p == nil {
			return &jaeger.UnknownPositionerError{PositionerID: id}
		}
		if p.Bootloader() || !p.Initialised() {
			return fmt.Errorf("positioner %d cannot datum (bootloader or not initialised)", id)
		}
	}
	_, err := f.SendToAll(ctx, commands.GO_TO_DATUMS, ids, nil)
	return err
}

// SendTrajectory validates, uploads, starts and monitors a coordinated
// trajectory, then writes the diagnostic dump whatever the outcome.
func (f *FPS) SendTrajectory(ctx context.Context, data TrajectoryData) error {
	if !f.Initialised() {
		return jaeger.ErrNotInitialised
	}
	if f.Locked() {
		return &jaeger.LockedError{LockedBy: f.LockedBy()}
	}

	t := newTrajectory(f, data)
	if err := t.Validate(); err != nil {
		return err
	}

	f.trajMu.Lock()
	f.current = t
	f.trajMu.Unlock()
	defer func() {
		f.trajMu.Lock()
		f.current = nil
		f.trajMu.Unlock()
	}()

	f.setMoving(true)
	defer f.setMoving(false)

	err := t.send(ctx)
	if err == nil {
		if err = t.start(ctx); err == nil {
			f.events.Emit(Event{Type: EventTrajectoryStarted, Payload: t.PositionerIDs()})
			err = t.monitor(ctx)
		}
	}

	t.mu.Lock()
	t.endTime = time.Now()
	t.mu.Unlock()

	success := err == nil
	if success {
		f.mu.Lock()
		f.counters.Trajectories++
		f.mu.Unlock()
	}

	if f.store != nil {
		if derr := f.store.SaveDump(t.dump(success)); derr != nil {
			f.log.WithError(derr).Warn("could not save trajectory dump")
		}
	}

	f.events.Emit(Event{Type: EventTrajectoryFinished, Payload: success})

	return err
}

// CancelCommand cancels an in-flight command and, when its opcode has an
// abort form, issues the abort on the same positioner.
func (f *FPS) CancelCommand(ctx context.Context, cmd *commands.Command) {
	cmd.Cancel()
	if cmd.AbortID == 0 {
		return
	}
	if abort, err := f.SendCommand(ctx, cmd.AbortID, cmd.PositionerID, nil); err == nil {
		abort.Wait(ctx)
	}
}

// AbortTrajectory aborts the executing trajectory, if any.
func (f *FPS) AbortTrajectory() {
	f.trajMu.Lock()
	current := f.current
	f.trajMu.Unlock()
	if current != nil {
		current.Abort()
	}
}

// Enable clears a positioner's sticky disabled flag.
func (f *FPS) Enable(positionerID int) error {
	p := f.positioner(positionerID)
	if p == nil {
		return &jaeger.UnknownPositionerError{PositionerID: positionerID}
	}
	p.setDisabled(false)
	if f.store != nil {
		return f.store.SetDisabled(positionerID, false)
	}
	return nil
}

// Disable marks a positioner disabled. The flag is sticky across
// re-initialisation.
func (f *FPS) Disable(positionerID int) error {
	p := f.positioner(positionerID)
	if p == nil {
		return &jaeger.UnknownPositionerError{PositionerID: positionerID}
	}
	p.setDisabled(true)
	if f.store != nil {
		return f.store.SetDisabled(positionerID, true)
	}
	return nil
}

// positioner returns the live object, or nil.
func (f *FPS) positioner(id int) *Positioner {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.positioners[id]
}

func (f *FPS) allPositioners() []*Positioner {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Positioner, 0, len(f.positioners))
	for _, p := range f.positioners {
		out = append(out, p)
	}
	return out
}

// IDs lists the known positioner ids.
func (f *FPS) IDs() []int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]int, 0, len(f.positioners))
	for id := range f.positioners {
		out = append(out, id)
	}
	return out
}

// Positioner returns a state snapshot, or false if unknown.
func (f *FPS) Positioner(id int) (Snapshot, bool) {
	p := f.positioner(id)
	if p == nil {
		return Snapshot{}, false
	}
	return p.Snapshot(), true
}

// Positioners returns snapshots of the whole fleet.
func (f *FPS) Positioners() map[int]Snapshot {
	out := make(map[int]Snapshot)
	for _, p := range f.allPositioners() {
		out[p.ID] = p.Snapshot()
	}
	return out
}

// Shutdown stops pollers, scheduler, interfaces and releases the instance
// lock. Idempotent: a second call does nothing and emits no frames.
func (f *FPS) Shutdown() error {
	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return nil
	}
	f.shutdown = true
	f.mu.Unlock()

	f.pollers.Stop()
	f.scheduler.Close()

	for _, bus := range f.scheduler.Interfaces() {
		bus.Close()
	}

	if f.store != nil {
		f.store.Close()
	}
	if f.lockfile != nil {
		f.lockfile.Release()
	}

	return nil
}
