package fps

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/sdss/jaeger/canbus"
	"github.com/sdss/jaeger/commands"
)

// Simulator models a fleet of positioners behind a VirtualBus. It answers
// the discovery, polling and trajectory protocol deterministically, which
// makes it both the test double and the backend of the "virtual" CAN
// profile.
type Simulator struct {
	bus        *canbus.VirtualBus
	motorSteps int64
	timeStep   float64

	// MoveDelay is how long a simulated move takes.
	MoveDelay time.Duration

	mu          sync.Mutex
	positioners map[int]*SimulatedPositioner
}

// SimulatedPositioner is the firmware model of one robot.
type SimulatedPositioner struct {
	ID       int
	Firmware commands.Firmware

	// Silent robots never answer, like a dead node on the bus.
	Silent bool

	mu     sync.Mutex
	alpha  float64
	beta   float64
	status uint32

	nAlpha, nBeta int
	pointsSeen    int
	targetAlpha   float64
	targetBeta    float64
	moveTimer     *time.Timer
}

func NewSimulator(bus *canbus.VirtualBus, motorSteps int64, timeStep float64) *Simulator {
	s := &Simulator{
		bus:         bus,
		motorSteps:  motorSteps,
		timeStep:    timeStep,
		MoveDelay:   50 * time.Millisecond,
		positioners: make(map[int]*SimulatedPositioner),
	}
	bus.SetResponder(s.respond)
	return s
}

// AddPositioner registers a robot with firmware 4.1.0 in a ready state.
func (s *Simulator) AddPositioner(id int, alpha, beta float64) *SimulatedPositioner {
	p := &SimulatedPositioner{
		ID:       id,
		Firmware: commands.Firmware{Major: 4, Minor: 1, Patch: 0},
		alpha:    alpha,
		beta:     beta,
		status: commands.PS41_SYSTEM_INITIALIZED |
			commands.PS41_DISPLACEMENT_COMPLETED |
			commands.PS41_DATUM_ALPHA_INITIALIZED |
			commands.PS41_DATUM_BETA_INITIALIZED,
	}
	s.mu.Lock()
	s.positioners[id] = p
	s.mu.Unlock()
	return p
}

// Positioner returns the simulated robot, or nil.
func (s *Simulator) Positioner(id int) *SimulatedPositioner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positioners[id]
}

// SetCollided raises the beta collision bit; the next status poll reports
// it.
func (s *Simulator) SetCollided(id int) {
	p := s.Positioner(id)
	if p == nil {
		return
	}
	p.mu.Lock()
	p.status |= commands.PS41_COLLISION_BETA
	if p.moveTimer != nil {
		p.moveTimer.Stop()
		p.moveTimer = nil
	}
	p.mu.Unlock()
}

// InjectStatus pushes an unsolicited status frame for a robot, as the
// firmware does on asynchronous events.
func (s *Simulator) InjectStatus(id int) {
	p := s.Positioner(id)
	if p == nil {
		return
	}
	p.mu.Lock()
	status := p.status
	p.mu.Unlock()

	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, status)
	s.bus.Inject(canbus.Frame{
		ID:   canbus.BuildIdentifier(uint32(id), uint32(commands.GET_STATUS), 0, 0),
		Data: data,
	}, s.bus.Buses()[0])
}

// respond implements the firmware side of the protocol. Called
// synchronously per sent frame.
func (s *Simulator) respond(frame canbus.Frame, bus int) []canbus.Frame {
	pid, cid, uid, _ := canbus.ParseIdentifier(frame.ID)

	s.mu.Lock()
	var targets []*SimulatedPositioner
	if pid == canbus.Broadcast {
		for _, p := range s.positioners {
			targets = append(targets, p)
		}
	} else if p, ok := s.positioners[int(pid)]; ok {
		targets = append(targets, p)
	}
	s.mu.Unlock()

	var replies []canbus.Frame
	for _, p := range targets {
		if p.Silent {
			continue
		}
		if reply, ok := p.handle(s, commands.CommandID(cid), uint8(uid), frame.Data); ok {
			replies = append(replies, reply)
		}
	}
	return replies
}

func (p *SimulatedPositioner) reply(cid commands.CommandID, uid uint8, rc commands.ResponseCode, data []byte) canbus.Frame {
	return canbus.Frame{
		ID:   canbus.BuildIdentifier(uint32(p.ID), uint32(cid), uint32(uid), uint32(rc)),
		Data: data,
	}
}

func (p *SimulatedPositioner) handle(s *Simulator, cid commands.CommandID, uid uint8, data []byte) (canbus.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch cid {
	case commands.GET_ID:
		return p.reply(cid, uid, commands.COMMAND_ACCEPTED, nil), true

	case commands.GET_FIRMWARE_VERSION:
		return p.reply(cid, uid, commands.COMMAND_ACCEPTED,
			[]byte{byte(p.Firmware.Patch), byte(p.Firmware.Minor), byte(p.Firmware.Major)}), true

	case commands.GET_STATUS:
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, p.status)
		return p.reply(cid, uid, commands.COMMAND_ACCEPTED, out), true

	case commands.GET_ACTUAL_POSITION:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint32(out[0:4], uint32(commands.DegreesToSteps(p.alpha, s.motorSteps)))
		binary.LittleEndian.PutUint32(out[4:8], uint32(commands.DegreesToSteps(p.beta, s.motorSteps)))
		return p.reply(cid, uid, commands.COMMAND_ACCEPTED, out), true

	case commands.SEND_NEW_TRAJECTORY:
		if len(data) < 8 {
			return p.reply(cid, uid, commands.INVALID_TRAJECTORY, nil), true
		}
		p.nAlpha = int(binary.LittleEndian.Uint32(data[0:4]))
		p.nBeta = int(binary.LittleEndian.Uint32(data[4:8]))
		p.pointsSeen = 0
		p.status |= commands.PS41_RECEIVING_TRAJECTORY
		return p.reply(cid, uid, commands.COMMAND_ACCEPTED, nil), true

	case commands.SEND_TRAJECTORY_DATA:
		if len(data) < 8 {
			return p.reply(cid, uid, commands.INVALID_TRAJECTORY, nil), true
		}
		angle := commands.StepsToDegrees(int32(binary.LittleEndian.Uint32(data[0:4])), s.motorSteps)
		// the firmware assigns points to alpha until its announced count
		// is exhausted, then to beta
		if p.pointsSeen < p.nAlpha {
			p.targetAlpha = angle
		} else {
			p.targetBeta = angle
		}
		p.pointsSeen++
		return p.reply(cid, uid, commands.COMMAND_ACCEPTED, nil), true

	case commands.TRAJECTORY_DATA_END:
		if p.pointsSeen != p.nAlpha+p.nBeta {
			return p.reply(cid, uid, commands.INVALID_TRAJECTORY, nil), true
		}
		p.status |= commands.PS41_TRAJECTORY_ALPHA_RECEIVED | commands.PS41_TRAJECTORY_BETA_RECEIVED
		p.status &^= commands.PS41_RECEIVING_TRAJECTORY
		return p.reply(cid, uid, commands.COMMAND_ACCEPTED, nil), true

	case commands.START_TRAJECTORY:
		if p.status&(commands.PS41_TRAJECTORY_ALPHA_RECEIVED|commands.PS41_TRAJECTORY_BETA_RECEIVED) == 0 {
			return canbus.Frame{}, false
		}
		p.status &^= commands.PS41_DISPLACEMENT_COMPLETED
		targetAlpha, targetBeta := p.targetAlpha, p.targetBeta
		p.moveTimer = time.AfterFunc(s.MoveDelay, func() {
			p.mu.Lock()
			if p.status&(commands.PS41_COLLISION_ALPHA|commands.PS41_COLLISION_BETA) == 0 {
				p.alpha = targetAlpha
				p.beta = targetBeta
				p.status |= commands.PS41_DISPLACEMENT_COMPLETED
			}
			p.status &^= commands.PS41_TRAJECTORY_ALPHA_RECEIVED | commands.PS41_TRAJECTORY_BETA_RECEIVED
			p.mu.Unlock()
		})
		return p.reply(cid, uid, commands.COMMAND_ACCEPTED, nil), true

	case commands.SEND_TRAJECTORY_ABORT:
		// abort stops motion but keeps any collision bits for diagnosis
		if p.moveTimer != nil {
			p.moveTimer.Stop()
			p.moveTimer = nil
		}
		p.status |= commands.PS41_DISPLACEMENT_COMPLETED
		p.status &^= commands.PS41_RECEIVING_TRAJECTORY |
			commands.PS41_TRAJECTORY_ALPHA_RECEIVED | commands.PS41_TRAJECTORY_BETA_RECEIVED
		return p.reply(cid, uid, commands.COMMAND_ACCEPTED, nil), true

	case commands.STOP_TRAJECTORY:
		if p.moveTimer != nil {
			p.moveTimer.Stop()
			p.moveTimer = nil
		}
		p.status &^= commands.PS41_COLLISION_ALPHA | commands.PS41_COLLISION_BETA
		p.status |= commands.PS41_DISPLACEMENT_COMPLETED
		return p.reply(cid, uid, commands.COMMAND_ACCEPTED, nil), true

	case commands.GO_TO_ABSOLUTE_POSITION:
		if len(data) < 8 {
			return p.reply(cid, uid, commands.VALUE_OUT_OF_RANGE, nil), true
		}
		alpha := commands.StepsToDegrees(int32(binary.LittleEndian.Uint32(data[0:4])), s.motorSteps)
		beta := commands.StepsToDegrees(int32(binary.LittleEndian.Uint32(data[4:8])), s.motorSteps)
		p.scheduleMove(s.MoveDelay, alpha, beta)
		return p.reply(cid, uid, commands.COMMAND_ACCEPTED, nil), true

	case commands.GO_TO_DATUMS, commands.GO_TO_DATUM_ALPHA, commands.GO_TO_DATUM_BETA:
		p.scheduleMove(s.MoveDelay, 0, 0)
		return p.reply(cid, uid, commands.COMMAND_ACCEPTED, nil), true

	case commands.SET_SPEED, commands.SET_CURRENT, commands.SET_ACTUAL_POSITION,
		commands.SWITCH_LED_ON, commands.SWITCH_LED_OFF,
		commands.SWITCH_ON_PRECISE_MOVE_ALPHA, commands.SWITCH_OFF_PRECISE_MOVE_ALPHA,
		commands.SWITCH_ON_PRECISE_MOVE_BETA, commands.SWITCH_OFF_PRECISE_MOVE_BETA:
		return p.reply(cid, uid, commands.COMMAND_ACCEPTED, nil), true
	}

	return p.reply(cid, uid, commands.UNKNOWN_COMMAND, nil), true
}

// scheduleMove starts a timed displacement. Callers hold p.mu.
func (p *SimulatedPositioner) scheduleMove(delay time.Duration, alpha, beta float64) {
	p.status &^= commands.PS41_DISPLACEMENT_COMPLETED
	p.moveTimer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.status&(commands.PS41_COLLISION_ALPHA|commands.PS41_COLLISION_BETA) == 0 {
			p.alpha = alpha
			p.beta = beta
			p.status |= commands.PS41_DISPLACEMENT_COMPLETED
		}
		p.mu.Unlock()
	})
}

// Position returns the simulated axis angles.
func (p *SimulatedPositioner) Position() (alpha, beta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alpha, p.beta
}

// Status returns the raw simulated status word.
func (p *SimulatedPositioner) Status() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
