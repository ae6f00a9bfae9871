package commands

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var ERR_BAD_REPLY_DATA = errors.New("reply data has unexpected length")

// Firmware is the positioner firmware version triple. A minor of 0x80
// marks bootloader mode.
type Firmware struct {
	Major, Minor, Patch int
}

const bootloaderMinor = 0x80

func (f Firmware) Bootloader() bool {
	return f.Minor == bootloaderMinor
}

func (f Firmware) String() string {
	return fmt.Sprintf("%02d.%02d.%02d", f.Major, f.Minor, f.Patch)
}

// FirmwareFromData decodes a GET_FIRMWARE_VERSION reply. The firmware
// sends patch, minor, major in that byte order.
func FirmwareFromData(data []byte) (fw Firmware, err error) {
	if len(data) < 3 {
		return fw, ERR_BAD_REPLY_DATA
	}
	fw.Major = int(data[2])
	fw.Minor = int(data[1])
	fw.Patch = int(data[0])
	return fw, nil
}

// StatusFromData decodes a GET_STATUS reply into the raw 32-bit word.
func StatusFromData(data []byte) (raw uint32, err error) {
	if len(data) < 4 {
		return 0, ERR_BAD_REPLY_DATA
	}
	return binary.LittleEndian.Uint32(data[0:4]), nil
}

// DegreesToSteps converts an axis angle to signed motor steps.
func DegreesToSteps(degrees float64, motorSteps int64) int32 {
	return int32(math.Round(degrees * float64(motorSteps) / 360.0))
}

// StepsToDegrees converts signed motor steps to an axis angle.
func StepsToDegrees(steps int32, motorSteps int64) float64 {
	return float64(steps) / float64(motorSteps) * 360.0
}

// PositionToData packs (alpha, beta) degrees into the 8-byte wire form of
// two little-endian signed step counts.
func PositionToData(alpha, beta float64, motorSteps int64) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(DegreesToSteps(alpha, motorSteps)))
	binary.LittleEndian.PutUint32(data[4:8], uint32(DegreesToSteps(beta, motorSteps)))
	return data
}

// PositionFromData decodes a GET_ACTUAL_POSITION reply into degrees.
func PositionFromData(data []byte, motorSteps int64) (alpha, beta float64, err error) {
	if len(data) < 8 {
		return 0, 0, ERR_BAD_REPLY_DATA
	}
	alphaSteps := int32(binary.LittleEndian.Uint32(data[0:4]))
	betaSteps := int32(binary.LittleEndian.Uint32(data[4:8]))
	return StepsToDegrees(alphaSteps, motorSteps), StepsToDegrees(betaSteps, motorSteps), nil
}

// SpeedToData packs per-axis speeds in RPM, clipped to [0, maxRPM].
func SpeedToData(alphaRPM, betaRPM, maxRPM float64) []byte {
	clip := func(v float64) uint32 {
		if v < 0 {
			v = 0
		}
		if maxRPM > 0 && v > maxRPM {
			v = maxRPM
		}
		return uint32(math.Round(v))
	}
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], clip(alphaRPM))
	binary.LittleEndian.PutUint32(data[4:8], clip(betaRPM))
	return data
}

// CurrentToData packs per-axis motor currents.
func CurrentToData(alpha, beta float64) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(math.Round(alpha)))
	binary.LittleEndian.PutUint32(data[4:8], uint32(math.Round(beta)))
	return data
}

// TrajectoryPointToData packs one (angle, time) sample: signed steps and
// the time as a count of firmware time quanta.
func TrajectoryPointToData(angleDeg, timeSec float64, motorSteps int64, timeStep float64) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(DegreesToSteps(angleDeg, motorSteps)))
	binary.LittleEndian.PutUint32(data[4:8], uint32(int32(math.Round(timeSec/timeStep))))
	return data
}

// TrajectoryCountsToData packs the per-axis sample counts announced by
// SEND_NEW_TRAJECTORY.
func TrajectoryCountsToData(nAlpha, nBeta int) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(nAlpha))
	binary.LittleEndian.PutUint32(data[4:8], uint32(nBeta))
	return data
}
