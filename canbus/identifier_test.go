package canbus

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestIdentifierRoundTrip(t *testing.T) {
	Convey("every field survives an encode/decode cycle", t, func() {
		for _, pid := range []uint32{0, 1, 4, 13, 500, MaxPositionerID} {
			for _, cid := range []uint32{1, 3, 14, 127, 255} {
				for _, uid := range []uint32{0, 1, 31, MaxUID} {
					for _, rc := range []uint32{0, 2, 13, 15} {
						id := BuildIdentifier(pid, cid, uid, rc)
						So(id>>IdentifierBits, ShouldEqual, 0)

						gotPid, gotCid, gotUID, gotRC := ParseIdentifier(id)
						So(gotPid, ShouldEqual, pid)
						So(gotCid, ShouldEqual, cid)
						So(gotUID, ShouldEqual, uid)
						So(gotRC, ShouldEqual, rc)
					}
				}
			}
		}
	})

	Convey("known firmware example encodes as documented", t, func() {
		// positioner 5, command 17, uid 5, accepted
		So(BuildIdentifier(5, 17, 5, 0), ShouldEqual, uint32(1328208))
	})

	Convey("out of range values are masked, not smeared", t, func() {
		id := BuildIdentifier(MaxPositionerID+1, 0, 0, 0)
		pid, cid, uid, rc := ParseIdentifier(id)
		So(pid, ShouldEqual, 0)
		So(cid, ShouldEqual, 0)
		So(uid, ShouldEqual, 0)
		So(rc, ShouldEqual, 0)
	})
}
