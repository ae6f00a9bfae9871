package commands

import (
	"encoding/binary"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

const testMotorSteps = 1 << 30

func TestConversions(t *testing.T) {
	Convey("degrees and motor steps invert each other", t, func() {
		for _, degrees := range []float64{0, 90, -45.5, 359.99, 412.3} {
			steps := DegreesToSteps(degrees, testMotorSteps)
			So(StepsToDegrees(steps, testMotorSteps), ShouldAlmostEqual, degrees, 1e-6)
		}
	})

	Convey("negative angles encode as negative step counts", t, func() {
		So(DegreesToSteps(-90, testMotorSteps), ShouldEqual, int32(-(testMotorSteps / 4)))
	})

	Convey("positions round-trip through the wire form", t, func() {
		data := PositionToData(90.0, -45.0, testMotorSteps)
		So(len(data), ShouldEqual, 8)

		alpha, beta, err := PositionFromData(data, testMotorSteps)
		So(err, ShouldBeNil)
		So(alpha, ShouldAlmostEqual, 90.0, 1e-6)
		So(beta, ShouldAlmostEqual, -45.0, 1e-6)
	})

	Convey("short position data errors", t, func() {
		_, _, err := PositionFromData([]byte{1, 2, 3}, testMotorSteps)
		So(err, ShouldEqual, ERR_BAD_REPLY_DATA)
	})

	Convey("firmware decodes patch, minor, major", t, func() {
		fw, err := FirmwareFromData([]byte{0, 1, 4})
		So(err, ShouldBeNil)
		So(fw, ShouldResemble, Firmware{Major: 4, Minor: 1, Patch: 0})
		So(fw.Bootloader(), ShouldBeFalse)
		So(fw.String(), ShouldEqual, "04.01.00")
	})

	Convey("minor 0x80 flags bootloader mode", t, func() {
		fw, _ := FirmwareFromData([]byte{2, 0x80, 4})
		So(fw.Bootloader(), ShouldBeTrue)
		So(VariantForFirmware(fw), ShouldEqual, StatusBootloader)
	})

	Convey("speeds clip to the device bounds", t, func() {
		data := SpeedToData(5000, -10, 3000)
		So(binary.LittleEndian.Uint32(data[0:4]), ShouldEqual, 3000)
		So(binary.LittleEndian.Uint32(data[4:8]), ShouldEqual, 0)
	})

	Convey("trajectory points quantise time by the firmware step", t, func() {
		data := TrajectoryPointToData(90, 1.0, testMotorSteps, 0.0005)
		So(int32(binary.LittleEndian.Uint32(data[0:4])), ShouldEqual, DegreesToSteps(90, testMotorSteps))
		So(binary.LittleEndian.Uint32(data[4:8]), ShouldEqual, 2000)
	})

	Convey("trajectory counts pack as two words", t, func() {
		data := TrajectoryCountsToData(2, 3)
		So(binary.LittleEndian.Uint32(data[0:4]), ShouldEqual, 2)
		So(binary.LittleEndian.Uint32(data[4:8]), ShouldEqual, 3)
	})
}
