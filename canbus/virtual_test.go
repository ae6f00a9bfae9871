package canbus

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestVirtualBus(t *testing.T) {
	Convey("with an open virtual bus", t, func() {
		bus := NewVirtualBus(0, []int{0, 1})
		So(bus.Open(), ShouldBeNil)

		Convey("sent frames are recorded in order", func() {
			bus.Send(Frame{ID: 1}, 0)
			bus.Send(Frame{ID: 2}, 1)

			sent := bus.Sent()
			So(len(sent), ShouldEqual, 2)
			So(sent[0].ID, ShouldEqual, 1)
			So(sent[1].Bus, ShouldEqual, 1)
		})

		Convey("a responder echoes deterministically", func() {
			bus.SetResponder(func(frame Frame, busIndex int) []Frame {
				return []Frame{{ID: frame.ID + 1}}
			})

			bus.Send(Frame{ID: 10}, 0)

			rx := <-bus.Frames()
			So(rx.ID, ShouldEqual, 11)
			So(rx.Interface, ShouldEqual, 0)
			So(rx.Bus, ShouldEqual, 0)
		})

		Convey("sending to an unknown bus errors", func() {
			So(bus.Send(Frame{}, 7), ShouldEqual, ERR_UNKNOWN_BUS)
		})

		Convey("a dropped bus refuses sends until reconnected", func() {
			bus.Drop()
			So(bus.Send(Frame{}, 0), ShouldEqual, ERR_BUS_CLOSED)

			var resetIndex = -1
			bus.NotifyReset(func(index int) { resetIndex = index })
			bus.Reconnect()

			So(resetIndex, ShouldEqual, 0)
			So(bus.Send(Frame{}, 0), ShouldBeNil)
		})

		Convey("close is idempotent", func() {
			So(bus.Close(), ShouldBeNil)
			So(bus.Close(), ShouldBeNil)
			So(bus.Send(Frame{}, 0), ShouldEqual, ERR_BUS_CLOSED)
		})
	})
}
