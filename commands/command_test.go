package commands

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/sdss/jaeger/canbus"
)

func accepted(cmd *Command, uid uint8) Reply {
	return Reply{
		CommandID:    cmd.ID,
		PositionerID: cmd.PositionerID,
		UID:          uid,
		Response:     COMMAND_ACCEPTED,
	}
}

func TestCommandStateMachine(t *testing.T) {
	Convey("a unicast command", t, func() {
		cmd, err := New(GET_STATUS, 4, nil)
		So(err, ShouldBeNil)
		So(cmd.Status(), ShouldEqual, StatusReady)
		So(cmd.Broadcast(), ShouldBeFalse)

		cmd.SetUIDs([]uint8{7})
		cmd.Start()
		So(cmd.Status(), ShouldEqual, StatusRunning)

		Convey("completes once every message is acknowledged", func() {
			cmd.ProcessReply(accepted(cmd, 7))
			So(cmd.Status(), ShouldEqual, StatusDone)
			So(cmd.Err(), ShouldBeNil)
			So(len(cmd.Replies()), ShouldEqual, 1)
		})

		Convey("fails on a non-accepting response code", func() {
			cmd.ProcessReply(Reply{CommandID: cmd.ID, PositionerID: 4, UID: 7, Response: VALUE_OUT_OF_RANGE})
			So(cmd.Status(), ShouldEqual, StatusFailed)

			cmdErr, ok := cmd.Err().(*CommandError)
			So(ok, ShouldBeTrue)
			So(cmdErr.Code, ShouldEqual, VALUE_OUT_OF_RANGE)
		})

		Convey("ignores replies after a terminal transition", func() {
			cmd.ProcessReply(accepted(cmd, 7))
			cmd.ProcessReply(accepted(cmd, 7))
			So(len(cmd.Replies()), ShouldEqual, 1)
		})

		Convey("times out when the deadline fires", func() {
			cmd.HandleTimeout()
			So(cmd.Status(), ShouldEqual, StatusTimedOut)
			So(cmd.Err(), ShouldNotBeNil)
		})

		Convey("cancel is terminal and keeps later replies out", func() {
			cmd.Cancel()
			So(cmd.Status(), ShouldEqual, StatusCancelled)
			cmd.ProcessReply(accepted(cmd, 7))
			So(len(cmd.Replies()), ShouldEqual, 0)
		})
	})

	Convey("a multi-message unicast needs all acceptances", t, func() {
		cmd, err := New(SEND_TRAJECTORY_DATA, 4, [][]byte{{1}, {2}, {3}})
		So(err, ShouldBeNil)
		cmd.SetUIDs([]uint8{1, 2, 3})
		cmd.Start()

		cmd.ProcessReply(accepted(cmd, 1))
		cmd.ProcessReply(accepted(cmd, 2))
		So(cmd.Status(), ShouldEqual, StatusRunning)

		cmd.ProcessReply(accepted(cmd, 3))
		So(cmd.Status(), ShouldEqual, StatusDone)
	})

	Convey("a broadcast command", t, func() {
		cmd, err := New(GET_STATUS, canbus.Broadcast, nil)
		So(err, ShouldBeNil)
		cmd.Start()

		Convey("completes with the replies it has at timeout", func() {
			cmd.ProcessReply(Reply{CommandID: cmd.ID, PositionerID: 4, Response: COMMAND_ACCEPTED})
			cmd.ProcessReply(Reply{CommandID: cmd.ID, PositionerID: 8, Response: COMMAND_ACCEPTED})
			So(cmd.Status(), ShouldEqual, StatusRunning)

			cmd.HandleTimeout()
			So(cmd.Status(), ShouldEqual, StatusDone)
			So(len(cmd.Replies()), ShouldEqual, 2)
		})

		Convey("times out with no replies at all", func() {
			cmd.HandleTimeout()
			So(cmd.Status(), ShouldEqual, StatusTimedOut)
		})

		Convey("completes early when all participants replied", func() {
			cmd2, _ := New(GET_STATUS, canbus.Broadcast, nil, WithExpected(2))
			cmd2.Start()
			cmd2.ProcessReply(Reply{CommandID: cmd2.ID, PositionerID: 4, Response: COMMAND_ACCEPTED})
			So(cmd2.Status(), ShouldEqual, StatusRunning)
			cmd2.ProcessReply(Reply{CommandID: cmd2.ID, PositionerID: 8, Response: COMMAND_ACCEPTED})
			So(cmd2.Status(), ShouldEqual, StatusDone)
		})

		Convey("excuses UNKNOWN_COMMAND by default", func() {
			cmd.ProcessReply(Reply{CommandID: cmd.ID, PositionerID: 4, Response: UNKNOWN_COMMAND})
			So(cmd.Status(), ShouldEqual, StatusRunning)
			cmd.HandleTimeout()
			So(cmd.Status(), ShouldEqual, StatusDone)
		})
	})

	Convey("UNKNOWN_COMMAND fails a strict unicast", t, func() {
		cmd, _ := New(GET_STATUS, 4, nil)
		cmd.SetUIDs([]uint8{1})
		cmd.Start()
		cmd.ProcessReply(Reply{CommandID: cmd.ID, PositionerID: 4, UID: 1, Response: UNKNOWN_COMMAND})
		So(cmd.Status(), ShouldEqual, StatusFailed)
	})

	Convey("WithIgnoreUnknown excuses a unicast too", t, func() {
		cmd, _ := New(GET_STATUS, 4, nil, WithIgnoreUnknown(true))
		cmd.SetUIDs([]uint8{1})
		cmd.Start()
		cmd.ProcessReply(Reply{CommandID: cmd.ID, PositionerID: 4, UID: 1, Response: UNKNOWN_COMMAND})
		So(cmd.Status(), ShouldEqual, StatusDone)
	})

	Convey("command construction is validated", t, func() {
		_, err := New(CommandID(99), 4, nil)
		So(err, ShouldEqual, ERR_UNKNOWN_OPCODE)

		// SEND_NEW_TRAJECTORY is not broadcastable
		_, err = New(SEND_NEW_TRAJECTORY, canbus.Broadcast, nil)
		So(err, ShouldEqual, ERR_NOT_BROADCASTABLE)

		_, err = New(GET_STATUS, canbus.MaxPositionerID+1, nil)
		So(err, ShouldEqual, ERR_BAD_POSITIONER_ID)
	})

	Convey("frames carry the packed identifier and the per-message UID", t, func() {
		cmd, _ := New(SEND_TRAJECTORY_DATA, 13, [][]byte{{1}, {2}}, WithTimeout(time.Second))
		cmd.SetUIDs([]uint8{5, 6})

		frames := cmd.Frames()
		So(len(frames), ShouldEqual, 2)

		pid, cid, uid, rc := canbus.ParseIdentifier(frames[0].ID)
		So(pid, ShouldEqual, 13)
		So(cid, ShouldEqual, uint32(SEND_TRAJECTORY_DATA))
		So(uid, ShouldEqual, 5)
		So(rc, ShouldEqual, 0)

		_, _, uid2, _ := canbus.ParseIdentifier(frames[1].ID)
		So(uid2, ShouldEqual, 6)
	})
}
