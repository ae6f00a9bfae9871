package fps

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	jaeger "github.com/sdss/jaeger"
	"github.com/sdss/jaeger/canbus"
	"github.com/sdss/jaeger/commands"
)

// FailureReason tags a per-positioner trajectory failure.
type FailureReason string

const (
	NOT_ACCEPTED_NEW  FailureReason = "NOT_ACCEPTED_NEW"
	NOT_ACCEPTED_DATA FailureReason = "NOT_ACCEPTED_DATA"
	NOT_ACCEPTED_END  FailureReason = "NOT_ACCEPTED_END"
	DID_NOT_START     FailureReason = "DID_NOT_START"
	DID_NOT_REACH     FailureReason = "DID_NOT_REACH"
	COLLIDED          FailureReason = "COLLIDED"
	ABORTED           FailureReason = "ABORTED"
	INTERFACE_ERROR   FailureReason = "INTERFACE_ERROR"
)

// abortCooldown is the settle time after a trajectory abort before any
// follow-up command reaches the affected robots.
const abortCooldown = 500 * time.Millisecond

// TrajectoryError carries the per-positioner failure map of a trajectory
// that did not complete.
type TrajectoryError struct {
	Reason string
	Failed map[int]FailureReason
}

func (e *TrajectoryError) Error() string {
	return fmt.Sprintf("trajectory failed: %s (failed positioners: %v)", e.Reason, e.Failed)
}

// AxisPath is a time-sampled path for one axis: (degrees, seconds) pairs
// with non-decreasing times.
type AxisPath [][2]float64

// TrajectoryPath is the two-axis path for one positioner.
type TrajectoryPath struct {
	Alpha AxisPath `yaml:"alpha"`
	Beta  AxisPath `yaml:"beta"`
}

// TrajectoryData maps positioner ids to their paths. This is both the
// in-memory and the on-disk (YAML) trajectory format.
type TrajectoryData map[int]TrajectoryPath

// LoadTrajectoryFile reads a trajectory from a YAML file.
func LoadTrajectoryFile(path string) (TrajectoryData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data TrajectoryData
	if err = yaml.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Trajectory drives one coordinated multi-positioner move through the
// chunked upload protocol, the broadcast start, and completion
// monitoring.
type Trajectory struct {
	fps  *FPS
	data TrajectoryData

	mu        sync.Mutex
	failed    map[int]FailureReason
	moveTime  float64
	startTime time.Time
	endTime   time.Time

	abortOnce sync.Once
	abort     chan struct{}
}

func newTrajectory(f *FPS, data TrajectoryData) *Trajectory {
	return &Trajectory{
		fps:    f,
		data:   data,
		failed: make(map[int]FailureReason),
		abort:  make(chan struct{}),
	}
}

// PositionerIDs returns the sorted participant set.
func (t *Trajectory) PositionerIDs() []int {
	ids := make([]int, 0, len(t.data))
	for id := range t.data {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Failed returns the per-positioner failure map.
func (t *Trajectory) Failed() map[int]FailureReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]FailureReason, len(t.failed))
	for k, v := range t.failed {
		out[k] = v
	}
	return out
}

func (t *Trajectory) setFailed(id int, reason FailureReason) {
	t.mu.Lock()
	if _, dup := t.failed[id]; !dup {
		t.failed[id] = reason
	}
	t.mu.Unlock()
}

// MoveTime is the expected trajectory duration in seconds, the maximum
// sample time across all participants.
func (t *Trajectory) MoveTime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moveTime
}

// Abort requests an external abort. The monitor loop acts on it as soon as
// it is running; the upload and start steps do not check it.
func (t *Trajectory) Abort() {
	t.abortOnce.Do(func() { close(t.abort) })
}

func (t *Trajectory) aborted() bool {
	select {
	case <-t.abort:
		return true
	default:
		return false
	}
}

// Validate checks the trajectory against the fleet and the configured
// bounds. No frame is written before validation passes.
func (t *Trajectory) Validate() error {
	cfg := t.fps.cfg

	if len(t.data) == 0 {
		return &TrajectoryError{Reason: "empty trajectory"}
	}

	var moveTime float64

	for id, path := range t.data {
		if id <= 0 || id > canbus.MaxPositionerID {
			return &TrajectoryError{Reason: fmt.Sprintf("invalid positioner id %d", id)}
		}

		p := t.fps.positioner(id)
		if p == nil {
			return &jaeger.UnknownPositionerError{PositionerID: id}
		}
		if p.Disabled() || p.Offline() {
			return &jaeger.PositionerDisabledError{PositionerID: id}
		}
		if p.Bootloader() {
			return &TrajectoryError{Reason: fmt.Sprintf("positioner %d is in bootloader mode", id)}
		}

		for axis, samples := range map[string]AxisPath{"alpha": path.Alpha, "beta": path.Beta} {
			if len(samples) == 0 {
				return &TrajectoryError{Reason: fmt.Sprintf("positioner %d: %s has no samples", id, axis)}
			}

			limits := cfg.Positioner.AlphaLimits
			if axis == "beta" {
				limits = cfg.Positioner.BetaLimits
			}

			lastTime := -1.0
			for _, sample := range samples {
				angle, tsec := sample[0], sample[1]
				if tsec < 0 {
					return &TrajectoryError{Reason: fmt.Sprintf("positioner %d: %s has negative time", id, axis)}
				}
				if tsec < lastTime {
					return &TrajectoryError{Reason: fmt.Sprintf("positioner %d: %s times not monotonic", id, axis)}
				}
				lastTime = tsec

				if angle < limits[0] || angle > limits[1] {
					return &jaeger.SafeModeViolationError{PositionerID: id, Axis: axis, Value: angle}
				}
				if axis == "beta" && cfg.SafeMode.Enabled && angle < cfg.SafeMode.MinBeta {
					return &jaeger.SafeModeViolationError{PositionerID: id, Axis: axis, Value: angle}
				}

				if tsec > moveTime {
					moveTime = tsec
				}
			}
		}
	}

	t.mu.Lock()
	t.moveTime = moveTime
	t.mu.Unlock()
	return nil
}

// send uploads the trajectory: SEND_NEW_TRAJECTORY with the sample
// counts, then the chunked data alpha first, then TRAJECTORY_DATA_END.
// Any failure aborts the whole upload so no robot is left half-armed.
func (t *Trajectory) send(ctx context.Context) error {
	cfg := t.fps.cfg

	for _, id := range t.PositionerIDs() {
		path := t.data[id]
		payload := commands.TrajectoryCountsToData(len(path.Alpha), len(path.Beta))

		cmd, err := t.fps.SendCommand(ctx, commands.SEND_NEW_TRAJECTORY, id, [][]byte{payload})
		if err == nil {
			err = cmd.Wait(ctx)
		}
		if err != nil {
			t.setFailed(id, reasonFor(err, NOT_ACCEPTED_NEW))
			t.abortUpload(ctx)
			return &TrajectoryError{Reason: "SEND_NEW_TRAJECTORY not accepted", Failed: t.Failed()}
		}
	}

	// data messages for one positioner and axis must stay in order, so
	// each axis is streamed sequentially chunk by chunk
	for _, id := range t.PositionerIDs() {
		path := t.data[id]
		for _, samples := range []AxisPath{path.Alpha, path.Beta} {
			for start := 0; start < len(samples); start += cfg.Positioner.TrajectoryPoints {
				end := start + cfg.Positioner.TrajectoryPoints
				if end > len(samples) {
					end = len(samples)
				}

				payloads := make([][]byte, 0, end-start)
				for _, sample := range samples[start:end] {
					payloads = append(payloads, commands.TrajectoryPointToData(
						sample[0], sample[1], cfg.Positioner.MotorSteps, cfg.Positioner.TimeStep))
				}

				cmd, err := t.fps.SendCommand(ctx, commands.SEND_TRAJECTORY_DATA, id, payloads)
				if err == nil {
					err = cmd.Wait(ctx)
				}
				if err != nil {
					t.setFailed(id, reasonFor(err, NOT_ACCEPTED_DATA))
					t.abortUpload(ctx)
					return &TrajectoryError{Reason: "SEND_TRAJECTORY_DATA not accepted", Failed: t.Failed()}
				}
			}
		}
	}

	for _, id := range t.PositionerIDs() {
		cmd, err := t.fps.SendCommand(ctx, commands.TRAJECTORY_DATA_END, id, nil)
		if err == nil {
			err = cmd.Wait(ctx)
		}
		if err != nil {
			t.setFailed(id, reasonFor(err, NOT_ACCEPTED_END))
			t.abortUpload(ctx)
			return &TrajectoryError{Reason: "TRAJECTORY_DATA_END not accepted", Failed: t.Failed()}
		}
	}

	return nil
}

// reasonFor maps command errors onto the trajectory failure taxonomy.
func reasonFor(err error, notAccepted FailureReason) FailureReason {
	switch err.(type) {
	case *commands.TransportError:
		return INTERFACE_ERROR
	case *commands.CommandError:
		return notAccepted
	}
	return notAccepted
}

// start broadcasts START_TRAJECTORY and records the start time.
func (t *Trajectory) start(ctx context.Context) error {
	cmd, err := t.fps.SendCommand(ctx, commands.START_TRAJECTORY, canbus.Broadcast, nil,
		commands.WithExpected(len(t.data)))
	if err == nil {
		err = cmd.Wait(ctx)
	}
	if err != nil {
		for _, id := range t.PositionerIDs() {
			t.setFailed(id, DID_NOT_START)
		}
		t.abortUpload(ctx)
		return &TrajectoryError{Reason: "START_TRAJECTORY failed", Failed: t.Failed()}
	}

	t.mu.Lock()
	t.startTime = time.Now()
	t.mu.Unlock()
	return nil
}

// monitor polls the fleet until every participant has completed its
// displacement and sits within tolerance of its final sample.
func (t *Trajectory) monitor(ctx context.Context) error {
	cfg := t.fps.cfg

	interval := cfg.Pollers.StatusEvery()
	if interval > time.Second {
		interval = time.Second
	}

	deadline := time.Duration(float64(time.Second)*t.MoveTime()*1.2) + 5*time.Second
	deadlineTimer := time.NewTimer(deadline)
	defer deadlineTimer.Stop()

	// one second in, a fleet whose participants all still report
	// DISPLACEMENT_COMPLETED either finished a very short move or never
	// started; the measured positions decide which
	startCheck := time.NewTimer(time.Second)
	defer startCheck.Stop()
	startChecked := false

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.abortBroadcast(ctx)
			t.markRemaining(ABORTED)
			return &TrajectoryError{Reason: "cancelled", Failed: t.Failed()}

		case <-t.abort:
			t.abortBroadcast(ctx)
			t.markRemaining(ABORTED)
			// an aborted fleet stays locked until the operator clears it
			t.fps.Lock()
			return &TrajectoryError{Reason: "aborted by operator", Failed: t.Failed()}

		case <-deadlineTimer.C:
			t.abortBroadcast(ctx)
			t.markRemaining(DID_NOT_REACH)
			return &TrajectoryError{Reason: "trajectory did not complete in time", Failed: t.Failed()}

		case <-startCheck.C:
			t.fps.UpdateStatus(ctx)
			allIdle := true
			for _, id := range t.PositionerIDs() {
				if p := t.fps.positioner(id); p != nil && !p.Status().HasDisplacementCompleted() {
					allIdle = false
					break
				}
			}
			if allIdle {
				// either a very short move already finished, or the
				// fleet never started; the measured positions decide
				t.fps.UpdatePositions(ctx)
				if len(t.outOfTolerance()) == 0 {
					return nil
				}
				t.abortBroadcast(ctx)
				t.markRemaining(DID_NOT_START)
				return &TrajectoryError{Reason: "trajectory did not start", Failed: t.Failed()}
			}
			startChecked = true

		case <-ticker.C:
			t.fps.UpdateStatus(ctx)

			if collided := t.collidedPositioners(); len(collided) > 0 {
				for _, id := range collided {
					t.setFailed(id, COLLIDED)
				}
				t.abortBroadcast(ctx)
				t.markRemaining(ABORTED)
				return &TrajectoryError{Reason: "collision during trajectory", Failed: t.Failed()}
			}

			if t.fps.Locked() {
				t.abortBroadcast(ctx)
				t.markRemaining(ABORTED)
				return &TrajectoryError{Reason: "FPS locked during trajectory", Failed: t.Failed()}
			}

			if t.allCompleted() {
				t.fps.UpdatePositions(ctx)
				if bad := t.outOfTolerance(); len(bad) > 0 {
					if !startChecked {
						// too early to tell apart "did not start" from
						// "did not reach"; the one-second check decides
						continue
					}
					for _, id := range bad {
						t.setFailed(id, DID_NOT_REACH)
					}
					return &TrajectoryError{Reason: "positioners did not reach destination", Failed: t.Failed()}
				}
				return nil
			}
		}
	}
}

func (t *Trajectory) collidedPositioners() []int {
	var out []int
	for _, id := range t.PositionerIDs() {
		if p := t.fps.positioner(id); p != nil && p.Collided() {
			out = append(out, id)
		}
	}
	return out
}

func (t *Trajectory) allCompleted() bool {
	for _, id := range t.PositionerIDs() {
		p := t.fps.positioner(id)
		if p == nil || !p.Status().HasDisplacementCompleted() {
			return false
		}
	}
	return true
}

// outOfTolerance lists participants whose measured position is farther
// than the configured tolerance from their final sample.
func (t *Trajectory) outOfTolerance() []int {
	tolerance := t.fps.cfg.Positioner.ReachedTolerance
	var out []int
	for _, id := range t.PositionerIDs() {
		p := t.fps.positioner(id)
		if p == nil {
			out = append(out, id)
			continue
		}
		alpha, beta, ok := p.Position()
		if !ok {
			out = append(out, id)
			continue
		}
		path := t.data[id]
		wantAlpha := path.Alpha[len(path.Alpha)-1][0]
		wantBeta := path.Beta[len(path.Beta)-1][0]
		if math.Abs(alpha-wantAlpha) > tolerance || math.Abs(beta-wantBeta) > tolerance {
			out = append(out, id)
		}
	}
	return out
}

// markRemaining tags every participant without a recorded failure.
func (t *Trajectory) markRemaining(reason FailureReason) {
	for _, id := range t.PositionerIDs() {
		t.setFailed(id, reason)
	}
}

// abortUpload aborts a half-transmitted trajectory so no robot is left
// armed.
func (t *Trajectory) abortUpload(ctx context.Context) {
	t.abortBroadcast(ctx)
}

// abortBroadcast sends SEND_TRAJECTORY_ABORT everywhere. The abort form
// is used rather than STOP_TRAJECTORY because it preserves the collided
// status bits for later diagnosis. A short cooldown follows before any
// further command reaches the fleet.
func (t *Trajectory) abortBroadcast(ctx context.Context) {
	cmd, err := t.fps.SendCommand(ctx, commands.SEND_TRAJECTORY_ABORT, canbus.Broadcast, nil)
	if err == nil {
		cmd.Wait(ctx)
	}
	time.Sleep(abortCooldown)
}

// dump builds the diagnostic record for this run.
func (t *Trajectory) dump(success bool) *TrajectoryDump {
	t.mu.Lock()
	start, end := t.startTime, t.endTime
	t.mu.Unlock()

	dump := &TrajectoryDump{
		StartTime:      start,
		EndTime:        end,
		Success:        success,
		Positioners:    t.PositionerIDs(),
		FinalPositions: make(map[int][2]float64),
		Failed:         make(map[int]string),
	}
	for id, reason := range t.Failed() {
		dump.Failed[id] = string(reason)
	}
	for _, id := range t.PositionerIDs() {
		if p := t.fps.positioner(id); p != nil {
			if alpha, beta, ok := p.Position(); ok {
				dump.FinalPositions[id] = [2]float64{alpha, beta}
			}
		}
	}
	return dump
}
