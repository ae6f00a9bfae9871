package fps

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/sdss/jaeger/canbus"
	"github.com/sdss/jaeger/commands"
)

func testCtx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = cancel
	return ctx
}

func newTestScheduler() (*canbus.VirtualBus, *Scheduler) {
	bus := canbus.NewVirtualBus(0, []int{0})
	s := NewScheduler(bus)
	s.Start()
	return bus, s
}

// ackFor injects the acceptance for a submitted unicast command.
func ackFor(bus *canbus.VirtualBus, cmd *commands.Command) {
	for _, uid := range cmd.UIDs() {
		bus.Inject(canbus.Frame{
			ID: canbus.BuildIdentifier(uint32(cmd.PositionerID), uint32(cmd.ID), uint32(uid), 0),
		}, 0)
	}
}

func TestUIDPool(t *testing.T) {
	Convey("the pool holds 63 UIDs and never hands out uid 0", t, func() {
		pool := new(uidPool)
		uids, err := pool.allocate(63)
		So(err, ShouldBeNil)
		So(len(uids), ShouldEqual, 63)
		for _, uid := range uids {
			So(uid, ShouldBeGreaterThan, 0)
		}

		_, err = pool.allocate(1)
		So(err, ShouldEqual, ERR_UID_EXHAUSTED)

		pool.release(uids[:1])
		next, err := pool.allocate(1)
		So(err, ShouldBeNil)
		So(next[0], ShouldEqual, uids[0])
	})

	Convey("release returns the exact bits", t, func() {
		pool := new(uidPool)
		uids, _ := pool.allocate(5)
		So(pool.inUse(), ShouldEqual, 5)
		pool.release(uids)
		So(pool.inUse(), ShouldEqual, 0)
	})
}

func TestSchedulerExclusion(t *testing.T) {
	Convey("two commands with the same key serialise", t, func() {
		bus, s := newTestScheduler()
		defer s.Close()

		first, _ := commands.New(commands.GET_STATUS, 4, nil, commands.WithTimeout(2*time.Second))
		So(s.Submit(first, 0, 0), ShouldBeNil)
		So(first.Status(), ShouldEqual, commands.StatusRunning)

		second, _ := commands.New(commands.GET_STATUS, 4, nil, commands.WithTimeout(2*time.Second))
		submitted := make(chan struct{})
		go func() {
			s.Submit(second, 0, 0)
			close(submitted)
		}()

		time.Sleep(50 * time.Millisecond)
		So(second.Status(), ShouldEqual, commands.StatusReady)
		So(len(bus.Sent()), ShouldEqual, 1)

		ackFor(bus, first)
		So(first.Wait(testCtx()), ShouldBeNil)

		<-submitted
		So(second.Status(), ShouldEqual, commands.StatusRunning)

		ackFor(bus, second)
		So(second.Wait(testCtx()), ShouldBeNil)

		time.Sleep(50 * time.Millisecond)
		So(s.InFlightUIDs(commands.GET_STATUS, 4), ShouldEqual, 0)
	})

	Convey("a broadcast blocks unicasts of the same opcode", t, func() {
		bus, s := newTestScheduler()
		defer s.Close()

		bcast, _ := commands.New(commands.GET_STATUS, canbus.Broadcast, nil,
			commands.WithTimeout(300*time.Millisecond))
		So(s.Submit(bcast, -1, -1), ShouldBeNil)

		unicast, _ := commands.New(commands.GET_STATUS, 8, nil, commands.WithTimeout(time.Second))
		submitted := make(chan struct{})
		go func() {
			s.Submit(unicast, 0, 0)
			close(submitted)
		}()

		time.Sleep(50 * time.Millisecond)
		So(unicast.Status(), ShouldEqual, commands.StatusReady)

		// the broadcast times out with no replies, freeing the opcode
		So(bcast.Wait(testCtx()), ShouldNotBeNil)
		So(bcast.Status(), ShouldEqual, commands.StatusTimedOut)

		<-submitted
		ackFor(bus, unicast)
		So(unicast.Wait(testCtx()), ShouldBeNil)
	})

	Convey("different keys run concurrently", t, func() {
		bus, s := newTestScheduler()
		defer s.Close()

		a, _ := commands.New(commands.GET_STATUS, 4, nil, commands.WithTimeout(time.Second))
		b, _ := commands.New(commands.GET_ACTUAL_POSITION, 4, nil, commands.WithTimeout(time.Second))

		So(s.Submit(a, 0, 0), ShouldBeNil)
		So(s.Submit(b, 0, 0), ShouldBeNil)
		So(a.Status(), ShouldEqual, commands.StatusRunning)
		So(b.Status(), ShouldEqual, commands.StatusRunning)

		So(s.InFlightUIDs(commands.GET_STATUS, 4), ShouldEqual, 1)
		So(s.InFlightUIDs(commands.GET_ACTUAL_POSITION, 4), ShouldEqual, 1)

		ackFor(bus, a)
		ackFor(bus, b)
		So(a.Wait(testCtx()), ShouldBeNil)
		So(b.Wait(testCtx()), ShouldBeNil)
	})
}

func TestSchedulerReplyRouting(t *testing.T) {
	Convey("replies only reach the command owning the UID", t, func() {
		bus, s := newTestScheduler()
		defer s.Close()

		cmd, _ := commands.New(commands.GET_STATUS, 4, nil, commands.WithTimeout(400*time.Millisecond))
		So(s.Submit(cmd, 0, 0), ShouldBeNil)

		owned := cmd.UIDs()[0]
		stray := owned + 1

		// a reply bearing a UID the command does not own must not reach it
		bus.Inject(canbus.Frame{
			ID: canbus.BuildIdentifier(4, uint32(commands.GET_STATUS), uint32(stray), 0),
		}, 0)
		time.Sleep(50 * time.Millisecond)
		So(cmd.Status(), ShouldEqual, commands.StatusRunning)
		So(len(cmd.Replies()), ShouldEqual, 0)

		bus.Inject(canbus.Frame{
			ID: canbus.BuildIdentifier(4, uint32(commands.GET_STATUS), uint32(owned), 0),
		}, 0)
		So(cmd.Wait(testCtx()), ShouldBeNil)
		So(len(cmd.Replies()), ShouldEqual, 1)
		So(cmd.Replies()[0].UID, ShouldEqual, owned)
	})

	Convey("unknown opcodes are dropped without failing anything", t, func() {
		bus, s := newTestScheduler()
		defer s.Close()

		cmd, _ := commands.New(commands.GET_STATUS, 4, nil, commands.WithTimeout(400*time.Millisecond))
		So(s.Submit(cmd, 0, 0), ShouldBeNil)

		bus.Inject(canbus.Frame{ID: canbus.BuildIdentifier(4, 99, 0, 0)}, 0)
		time.Sleep(50 * time.Millisecond)
		So(cmd.Status(), ShouldEqual, commands.StatusRunning)

		ackFor(bus, cmd)
		So(cmd.Wait(testCtx()), ShouldBeNil)
	})

	Convey("broadcast replies from several robots all land on the broadcast", t, func() {
		bus, s := newTestScheduler()
		defer s.Close()

		bcast, _ := commands.New(commands.GET_STATUS, canbus.Broadcast, nil,
			commands.WithTimeout(300*time.Millisecond))
		So(s.Submit(bcast, -1, -1), ShouldBeNil)

		for _, pid := range []uint32{4, 8} {
			bus.Inject(canbus.Frame{
				ID: canbus.BuildIdentifier(pid, uint32(commands.GET_STATUS), 0, 0),
			}, 0)
		}

		So(bcast.Wait(testCtx()), ShouldBeNil)
		So(bcast.Status(), ShouldEqual, commands.StatusDone)
		So(len(bcast.Replies()), ShouldEqual, 2)
	})
}

func TestSchedulerTransportFailure(t *testing.T) {
	Convey("a write failure fails the command with a transport tag", t, func() {
		bus, s := newTestScheduler()
		defer s.Close()

		bus.Drop()

		cmd, _ := commands.New(commands.GET_STATUS, 4, nil, commands.WithTimeout(time.Second))
		So(s.Submit(cmd, 0, 0), ShouldBeNil)
		So(cmd.Wait(testCtx()), ShouldNotBeNil)

		_, isTransport := cmd.Err().(*commands.TransportError)
		So(isTransport, ShouldBeTrue)

		// the key is usable again after reconnection
		bus.Reconnect()

		retry, _ := commands.New(commands.GET_STATUS, 4, nil, commands.WithTimeout(time.Second))
		So(s.Submit(retry, 0, 0), ShouldBeNil)
		ackFor(bus, retry)
		So(retry.Wait(testCtx()), ShouldBeNil)
	})

	Convey("a transport reset fails the in-flight commands routed at it", t, func() {
		bus, s := newTestScheduler()
		defer s.Close()

		cmd, _ := commands.New(commands.GET_STATUS, 4, nil, commands.WithTimeout(5*time.Second))
		So(s.Submit(cmd, 0, 0), ShouldBeNil)
		So(cmd.Status(), ShouldEqual, commands.StatusRunning)

		bus.Drop()
		bus.Reconnect()

		So(cmd.Wait(testCtx()), ShouldNotBeNil)
		_, isTransport := cmd.Err().(*commands.TransportError)
		So(isTransport, ShouldBeTrue)
	})
}

func TestSchedulerFireAndForget(t *testing.T) {
	Convey("a zero-timeout command completes on submission", t, func() {
		bus, s := newTestScheduler()
		defer s.Close()

		cmd, _ := commands.New(commands.GET_STATUS, 4, nil, commands.WithTimeout(0))
		So(s.Submit(cmd, 0, 0), ShouldBeNil)
		So(cmd.Status(), ShouldEqual, commands.StatusDone)
		So(len(bus.Sent()), ShouldEqual, 1)

		// late replies are dropped
		bus.Inject(canbus.Frame{
			ID: canbus.BuildIdentifier(4, uint32(commands.GET_STATUS), 1, 0),
		}, 0)
		time.Sleep(20 * time.Millisecond)
		So(len(cmd.Replies()), ShouldEqual, 0)
	})
}
