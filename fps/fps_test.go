package fps

import (
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	jaeger "github.com/sdss/jaeger"
	"github.com/sdss/jaeger/canbus"
	"github.com/sdss/jaeger/commands"
)

func testConfig(t *testing.T) *jaeger.Config {
	cfg := jaeger.DefaultConfig()
	cfg.LockfilePath = filepath.Join(t.TempDir(), "jaeger.lock")
	cfg.DumpDB = filepath.Join(t.TempDir(), "dumps.db")
	// keep the pollers quiet so frame counts are deterministic
	cfg.Pollers.StatusInterval = 3600
	cfg.Pollers.PositionInterval = 3600
	return cfg
}

func newTestFPS(t *testing.T, ids ...int) (*FPS, *Simulator, *canbus.VirtualBus) {
	cfg := testConfig(t)

	bus := canbus.NewVirtualBus(0, cfg.ActiveProfile().Buses)
	sim := NewSimulator(bus, cfg.Positioner.MotorSteps, cfg.Positioner.TimeStep)
	for _, id := range ids {
		sim.AddPositioner(id, 0, 180)
	}

	f, err := NewFPS(cfg, bus)
	if err != nil {
		t.Fatal(err)
	}
	if err = f.Initialise(testCtx()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Shutdown() })

	bus.ClearSent()
	return f, sim, bus
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func sentWithCommand(bus *canbus.VirtualBus, id commands.CommandID) []canbus.TxRecord {
	var out []canbus.TxRecord
	for _, record := range bus.Sent() {
		_, cid, _, _ := canbus.ParseIdentifier(record.ID)
		if commands.CommandID(cid) == id {
			out = append(out, record)
		}
	}
	return out
}

func TestDiscovery(t *testing.T) {
	f, _, _ := newTestFPS(t, 4, 8, 13)

	Convey("discovery finds the whole fleet", t, func() {
		positioners := f.Positioners()
		So(len(positioners), ShouldEqual, 3)
		for _, id := range []int{4, 8, 13} {
			snap, ok := f.Positioner(id)
			So(ok, ShouldBeTrue)
			So(snap.Firmware, ShouldResemble, commands.Firmware{Major: 4, Minor: 1, Patch: 0})
			So(snap.Status.IsInitialised(), ShouldBeTrue)
			So(snap.Initialised, ShouldBeTrue)
			So(snap.Bootloader, ShouldBeFalse)
		}
	})
}

func TestBroadcastStatusWithSilentPositioner(t *testing.T) {
	f, sim, _ := newTestFPS(t, 4, 8, 13)

	Convey("a silent robot does not fail the broadcast", t, func() {
		before, _ := f.Positioner(13)
		sim.Positioner(13).Silent = true

		cmd, err := f.SendCommand(testCtx(), commands.GET_STATUS, canbus.Broadcast, nil,
			commands.WithTimeout(time.Second))
		So(err, ShouldBeNil)
		So(cmd.Wait(testCtx()), ShouldBeNil)

		So(cmd.Status(), ShouldEqual, commands.StatusDone)
		So(len(cmd.Replies()), ShouldEqual, 2)

		// the silent robot's stored status is untouched
		after, _ := f.Positioner(13)
		So(after.Status, ShouldResemble, before.Status)
	})
}

func TestLockGate(t *testing.T) {
	f, _, bus := newTestFPS(t, 4)

	Convey("after lock only safe commands pass", t, func() {
		f.Lock()
		So(f.Locked(), ShouldBeTrue)
		bus.ClearSent()

		payload := commands.PositionToData(10, 170, f.cfg.Positioner.MotorSteps)
		_, err := f.SendCommand(testCtx(), commands.GO_TO_ABSOLUTE_POSITION, 4, [][]byte{payload})
		_, isLocked := err.(*jaeger.LockedError)
		So(isLocked, ShouldBeTrue)
		So(len(sentWithCommand(bus, commands.GO_TO_ABSOLUTE_POSITION)), ShouldEqual, 0)

		cmd, err := f.SendCommand(testCtx(), commands.GET_STATUS, 4, nil)
		So(err, ShouldBeNil)
		So(cmd.Wait(testCtx()), ShouldBeNil)

		f.Unlock()
		So(f.Locked(), ShouldBeFalse)

		cmd, err = f.SendCommand(testCtx(), commands.GO_TO_ABSOLUTE_POSITION, 4, [][]byte{payload})
		So(err, ShouldBeNil)
		So(cmd.Wait(testCtx()), ShouldBeNil)
	})
}

func TestDisabledPositioner(t *testing.T) {
	f, _, bus := newTestFPS(t, 4, 13)

	Convey("a disabled robot rejects non-safe unicasts and trajectories", t, func() {
		So(f.Disable(13), ShouldBeNil)
		bus.ClearSent()

		_, err := f.SendCommand(testCtx(), commands.SEND_NEW_TRAJECTORY, 13,
			[][]byte{commands.TrajectoryCountsToData(1, 1)})
		_, isDisabled := err.(*jaeger.PositionerDisabledError)
		So(isDisabled, ShouldBeTrue)

		err = f.SendTrajectory(testCtx(), TrajectoryData{
			4:  {Alpha: AxisPath{{0, 0}, {10, 2}}, Beta: AxisPath{{180, 0}, {170, 2}}},
			13: {Alpha: AxisPath{{0, 0}, {10, 2}}, Beta: AxisPath{{180, 0}, {170, 2}}},
		})
		_, isDisabled = err.(*jaeger.PositionerDisabledError)
		So(isDisabled, ShouldBeTrue)

		// nothing reached the wire
		So(len(sentWithCommand(bus, commands.SEND_NEW_TRAJECTORY)), ShouldEqual, 0)
		So(len(sentWithCommand(bus, commands.SEND_TRAJECTORY_DATA)), ShouldEqual, 0)

		// safe commands still pass
		cmd, err := f.SendCommand(testCtx(), commands.GET_STATUS, 13, nil)
		So(err, ShouldBeNil)
		So(cmd.Wait(testCtx()), ShouldBeNil)

		// and the flag clears again
		So(f.Enable(13), ShouldBeNil)
		snap, _ := f.Positioner(13)
		So(snap.Disabled, ShouldBeFalse)
	})
}

func TestInterfaceDisconnect(t *testing.T) {
	f, _, bus := newTestFPS(t, 4)

	Convey("a dropped interface fails the command with TransportError", t, func() {
		bus.Drop()

		cmd, err := f.SendCommand(testCtx(), commands.GET_STATUS, 4, nil)
		So(err, ShouldBeNil)
		So(cmd.Wait(testCtx()), ShouldNotBeNil)
		_, isTransport := cmd.Err().(*commands.TransportError)
		So(isTransport, ShouldBeTrue)

		// after reconnection the fleet initialises and commands work again
		bus.Reconnect()
		So(f.Initialise(testCtx()), ShouldBeNil)

		cmd, err = f.SendCommand(testCtx(), commands.GET_STATUS, 4, nil)
		So(err, ShouldBeNil)
		So(cmd.Wait(testCtx()), ShouldBeNil)
	})
}

func TestSingleInstanceLock(t *testing.T) {
	f, _, _ := newTestFPS(t, 4)

	Convey("a second controller on the same lockfile refuses to start", t, func() {
		second, err := NewFPS(f.cfg, canbus.NewVirtualBus(0, []int{0}))
		So(err, ShouldBeNil)
		So(second.Initialise(testCtx()), ShouldEqual, jaeger.ErrAlreadyRunning)
	})
}

func TestIdempotentShutdown(t *testing.T) {
	f, _, bus := newTestFPS(t, 4)

	Convey("two consecutive shutdowns are clean and silent", t, func() {
		So(f.Shutdown(), ShouldBeNil)
		frames := len(bus.Sent())

		So(f.Shutdown(), ShouldBeNil)
		So(len(bus.Sent()), ShouldEqual, frames)

		_, err := f.SendCommand(testCtx(), commands.GET_STATUS, 4, nil)
		So(err, ShouldEqual, ERR_SCHEDULER_CLOSED)
	})
}

func TestManualAdd(t *testing.T) {
	f, sim, _ := newTestFPS(t, 4)

	Convey("a robot can be added by hand after discovery", t, func() {
		sim.AddPositioner(21, 5, 175)

		So(f.AddPositioner(testCtx(), 21, 0, 0), ShouldBeNil)

		snap, ok := f.Positioner(21)
		So(ok, ShouldBeTrue)
		So(snap.Firmware.Major, ShouldEqual, 4)

		So(eventually(func() bool {
			snap, _ := f.Positioner(21)
			return snap.Status.IsInitialised()
		}), ShouldBeTrue)
	})
}
