package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sdss/jaeger/canbus"
)

var (
	ERR_UNKNOWN_OPCODE    = errors.New("opcode not in the command registry")
	ERR_NOT_BROADCASTABLE = errors.New("command cannot be broadcast")
	ERR_BAD_POSITIONER_ID = errors.New("positioner id out of range")
	ERR_CANCELLED         = errors.New("command was cancelled")
)

// CommandStatus is the lifecycle state of a Command.
type CommandStatus int

const (
	StatusReady CommandStatus = iota
	StatusRunning
	StatusDone
	StatusCancelled
	StatusFailed
	StatusTimedOut
)

func (s CommandStatus) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusRunning:
		return "RUNNING"
	case StatusDone:
		return "DONE"
	case StatusCancelled:
		return "CANCELLED"
	case StatusFailed:
		return "FAILED"
	case StatusTimedOut:
		return "TIMEDOUT"
	}
	return "UNKNOWN"
}

// Terminal reports whether the status is final.
func (s CommandStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusFailed || s == StatusTimedOut
}

// Failed reports whether the command ended unsuccessfully.
func (s CommandStatus) Failed() bool {
	return s == StatusCancelled || s == StatusFailed || s == StatusTimedOut
}

// Reply is one decoded frame received for a command.
type Reply struct {
	CommandID    CommandID
	PositionerID int
	UID          uint8
	Response     ResponseCode
	Data         []byte
	Interface    int
	Bus          int
}

// CommandError is attached to a command that received a non-accepting
// response code.
type CommandError struct {
	Command      string
	PositionerID int
	Code         ResponseCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s to positioner %d failed: %s", e.Command, e.PositionerID, e.Code)
}

// TransportError is attached to commands failed by an interface write
// error or disconnect.
type TransportError struct {
	Interface int
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("interface %d transport error: %v", e.Interface, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Option adjusts a new Command.
type Option func(*Command)

// WithTimeout overrides the registry default. Zero makes the command
// fire-and-forget.
func WithTimeout(d time.Duration) Option {
	return func(c *Command) { c.timeout = d }
}

// WithIgnoreUnknown controls whether UNKNOWN_COMMAND replies count as
// acceptances.
func WithIgnoreUnknown(ignore bool) Option {
	return func(c *Command) { c.ignoreUnknown = ignore }
}

// WithExpected sets the number of participants of a broadcast, letting it
// complete before the timeout once all have replied.
func WithExpected(n int) Option {
	return func(c *Command) { c.expected = n }
}

// Command is a stateful awaitable firmware command: parameters in, frames
// out, replies in, terminal status out. One Command may span several
// outbound messages; each message carries its own UID and expects its own
// acceptance.
type Command struct {
	Descriptor
	PositionerID int

	mu       sync.Mutex
	messages [][]byte
	uids     []uint8
	iface    int
	bus      int

	timeout       time.Duration
	ignoreUnknown bool
	expected      int

	status   CommandStatus
	replies  []Reply
	accepted int
	err      error
	done     chan struct{}
}

// New builds a Command for an opcode. payloads is the list of outbound
// message payloads; nil means a single empty message.
func New(id CommandID, positionerID int, payloads [][]byte, opts ...Option) (*Command, error) {
	desc, ok := Lookup(id)
	if !ok {
		return nil, ERR_UNKNOWN_OPCODE
	}
	if positionerID < 0 || positionerID > canbus.MaxPositionerID {
		return nil, ERR_BAD_POSITIONER_ID
	}
	if positionerID == canbus.Broadcast && !desc.Broadcastable {
		return nil, ERR_NOT_BROADCASTABLE
	}

	if len(payloads) == 0 {
		payloads = [][]byte{nil}
	}

	c := &Command{
		Descriptor:   desc,
		PositionerID: positionerID,
		messages:     payloads,
		iface:        -1,
		bus:          -1,
		timeout:      desc.Timeout,
		status:       StatusReady,
		done:         make(chan struct{}),
	}

	// broadcasts excuse UNKNOWN_COMMAND by default so mixed-firmware
	// fleets can answer what they know
	if c.Broadcast() && !desc.AlwaysStrict {
		c.ignoreUnknown = true
	}

	for _, opt := range opts {
		opt(c)
	}

	if desc.AlwaysStrict {
		c.ignoreUnknown = false
	}

	return c, nil
}

// MustNew is New for opcodes known at compile time.
func MustNew(id CommandID, positionerID int, payloads [][]byte, opts ...Option) *Command {
	c, err := New(id, positionerID, payloads, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Broadcast reports whether this command addresses every positioner.
func (c *Command) Broadcast() bool {
	return c.PositionerID == canbus.Broadcast
}

// MessageCount is the number of outbound frames.
func (c *Command) MessageCount() int {
	return len(c.messages)
}

// Timeout is the effective reply deadline.
func (c *Command) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// SetUIDs installs the pool-allocated UIDs, one per outbound message.
// Broadcasts always use UID 0.
func (c *Command) SetUIDs(uids []uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uids = uids
}

// UIDs returns the allocated UIDs.
func (c *Command) UIDs() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uids
}

// SetRoute records the (interface, bus) this command was sent on.
// Broadcasts keep (-1, -1).
func (c *Command) SetRoute(iface, bus int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iface = iface
	c.bus = bus
}

// Route returns the recorded (interface, bus).
func (c *Command) Route() (iface, bus int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iface, c.bus
}

// Frames builds the outbound wire frames. Must be called after SetUIDs
// for unicast commands.
func (c *Command) Frames() []canbus.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := make([]canbus.Frame, len(c.messages))
	for i, payload := range c.messages {
		var uid uint8
		if !c.Broadcast() && i < len(c.uids) {
			uid = c.uids[i]
		}
		frames[i] = canbus.Frame{
			ID:   canbus.BuildIdentifier(uint32(c.PositionerID), uint32(c.ID), uint32(uid), 0),
			Data: payload,
		}
	}
	return frames
}

// Start moves the command to Running. The scheduler calls this once the
// exclusion rules allow the command on the wire.
func (c *Command) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusReady {
		c.status = StatusRunning
	}
}

// ProcessReply feeds one decoded reply into the state machine. Replies
// arriving outside Running are dropped.
func (c *Command) ProcessReply(reply Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusRunning {
		return
	}

	c.replies = append(c.replies, reply)

	switch {
	case reply.Response == COMMAND_ACCEPTED:
		c.accepted++
	case reply.Response == UNKNOWN_COMMAND && c.ignoreUnknown:
		c.accepted++
	default:
		c.finishLocked(StatusFailed, &CommandError{
			Command:      c.Name,
			PositionerID: reply.PositionerID,
			Code:         reply.Response,
		})
		return
	}

	if c.Broadcast() {
		// complete early once every known participant has replied
		if c.expected > 0 && len(c.replies) >= c.expected {
			c.finishLocked(StatusDone, nil)
		}
		return
	}

	if c.accepted >= len(c.messages) {
		c.finishLocked(StatusDone, nil)
	}
}

// HandleTimeout resolves the command when its deadline fires. A broadcast
// with at least one reply completes with whatever arrived; unicasts and
// broadcasts with no reply time out.
func (c *Command) HandleTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusRunning {
		return
	}

	if c.Broadcast() && len(c.replies) > 0 {
		c.finishLocked(StatusDone, nil)
		return
	}

	c.finishLocked(StatusTimedOut, nil)
}

// Cancel transitions the command to Cancelled. The FPS issues the abort
// form, if any, separately.
func (c *Command) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return
	}
	c.finishLocked(StatusCancelled, nil)
}

// Fail terminates the command with an external error, typically a
// TransportError.
func (c *Command) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return
	}
	c.finishLocked(StatusFailed, err)
}

// FinishFireAndForget completes a zero-timeout command right after its
// frames are written.
func (c *Command) FinishFireAndForget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return
	}
	c.finishLocked(StatusDone, nil)
}

func (c *Command) finishLocked(status CommandStatus, err error) {
	c.status = status
	c.err = err
	close(c.done)
}

// Done is closed on any terminal transition.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the command terminates or the context is cancelled.
func (c *Command) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current lifecycle state.
func (c *Command) Status() CommandStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the terminal error, if any.
func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	switch c.status {
	case StatusTimedOut:
		return fmt.Errorf("%s to positioner %d timed out", c.Name, c.PositionerID)
	case StatusCancelled:
		return ERR_CANCELLED
	}
	return nil
}

// Replies returns a copy of the replies received so far.
func (c *Command) Replies() []Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Reply, len(c.replies))
	copy(out, c.replies)
	return out
}

// OwnsUID reports whether uid belongs to this command.
func (c *Command) OwnsUID(uid uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.uids {
		if u == uid {
			return true
		}
	}
	return false
}
