package fps

import (
	"errors"
	"math/bits"
	"sync"
)

var ERR_UID_EXHAUSTED = errors.New("UID pool exhausted for this (command, positioner)")

// uidPool hands out the 6-bit command UIDs for one (command_id,
// positioner_id). Bit 0 is permanently reserved: UID 0 marks broadcasts.
// Allocation takes the lowest free bit, so UIDs roll through the pool as
// commands complete.
type uidPool struct {
	mu   sync.Mutex
	bits uint64
}

// allocate reserves n distinct UIDs.
func (p *uidPool) allocate(n int) ([]uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	uids := make([]uint8, 0, n)
	taken := p.bits
	for i := 0; i < n; i++ {
		free := ^taken &^ 1
		if free == 0 {
			return nil, ERR_UID_EXHAUSTED
		}
		uid := uint8(bits.TrailingZeros64(free))
		taken |= 1 << uid
		uids = append(uids, uid)
	}

	p.bits = taken
	return uids, nil
}

// release returns UIDs to the pool.
func (p *uidPool) release(uids []uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, uid := range uids {
		p.bits &^= 1 << uid
	}
}

// inUse counts the currently allocated UIDs.
func (p *uidPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bits.OnesCount64(p.bits &^ 1)
}
