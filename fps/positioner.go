package fps

import (
	"math"
	"sync"

	"github.com/sdss/jaeger/commands"
)

// Positioner is the controller-side state of one robot. Construction and
// mutation happen only inside the FPS; observers take Snapshot copies.
type Positioner struct {
	ID int

	mu       sync.RWMutex
	alpha    float64
	beta     float64
	status   commands.Status
	firmware commands.Firmware
	iface    int
	bus      int

	disabled          bool
	offline           bool
	noCollisionDetect bool
	openLoop          bool
	initialised       bool
}

// Snapshot is a point-in-time copy of a positioner's state.
type Snapshot struct {
	ID                int
	Alpha, Beta       float64
	HasPosition       bool
	Status            commands.Status
	Firmware          commands.Firmware
	Interface, Bus    int
	Disabled          bool
	Offline           bool
	NoCollisionDetect bool
	OpenLoop          bool
	Bootloader        bool
	Initialised       bool
}

func newPositioner(id, iface, bus int) *Positioner {
	return &Positioner{
		ID:    id,
		alpha: math.NaN(),
		beta:  math.NaN(),
		iface: iface,
		bus:   bus,
	}
}

// Position returns the last known axis angles. ok is false until the
// first position read.
func (p *Positioner) Position() (alpha, beta float64, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.alpha, p.beta, !math.IsNaN(p.alpha) && !math.IsNaN(p.beta)
}

func (p *Positioner) setPosition(alpha, beta float64) {
	p.mu.Lock()
	p.alpha = alpha
	p.beta = beta
	p.mu.Unlock()
}

// Status returns the current decoded status.
func (p *Positioner) Status() commands.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// setStatusRaw applies a raw status word using the decoder variant that
// matches the firmware, and derives the flag mirror bits. Returns the
// previous and new status.
func (p *Positioner) setStatusRaw(raw uint32) (old, new commands.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old = p.status
	p.status = commands.Status{Raw: raw, Variant: commands.VariantForFirmware(p.firmware)}
	p.noCollisionDetect = p.status.CollisionDetectDisabled()
	p.openLoop = p.status.OpenLoop()
	return old, p.status
}

// Firmware returns the reported firmware version.
func (p *Positioner) Firmware() commands.Firmware {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.firmware
}

func (p *Positioner) setFirmware(fw commands.Firmware) {
	p.mu.Lock()
	p.firmware = fw
	p.mu.Unlock()
}

// Route returns the (interface, bus) the positioner was discovered on.
func (p *Positioner) Route() (iface, bus int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.iface, p.bus
}

func (p *Positioner) setRoute(iface, bus int) {
	p.mu.Lock()
	p.iface = iface
	p.bus = bus
	p.mu.Unlock()
}

// Bootloader reports whether the robot runs its bootloader.
func (p *Positioner) Bootloader() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.firmware.Bootloader()
}

// Disabled reports the sticky disabled flag.
func (p *Positioner) Disabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.disabled
}

func (p *Positioner) setDisabled(disabled bool) {
	p.mu.Lock()
	p.disabled = disabled
	p.mu.Unlock()
}

// Offline reports whether the robot failed to answer discovery.
func (p *Positioner) Offline() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.offline
}

func (p *Positioner) setOffline(offline bool) {
	p.mu.Lock()
	p.offline = offline
	p.mu.Unlock()
}

// Initialised reports whether initialise() completed for this robot.
func (p *Positioner) Initialised() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialised
}

func (p *Positioner) setInitialised(v bool) {
	p.mu.Lock()
	p.initialised = v
	p.mu.Unlock()
}

// Collided reports whether either axis reports a collision.
func (p *Positioner) Collided() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status.IsCollided()
}

// Snapshot copies the full state for observers.
func (p *Positioner) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		ID:                p.ID,
		Alpha:             p.alpha,
		Beta:              p.beta,
		HasPosition:       !math.IsNaN(p.alpha) && !math.IsNaN(p.beta),
		Status:            p.status,
		Firmware:          p.firmware,
		Interface:         p.iface,
		Bus:               p.bus,
		Disabled:          p.disabled,
		Offline:           p.offline,
		NoCollisionDetect: p.noCollisionDetect,
		OpenLoop:          p.openLoop,
		Bootloader:        p.firmware.Bootloader(),
		Initialised:       p.initialised,
	}
}
