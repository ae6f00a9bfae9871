// Package commands implements the firmware command set: the opcode
// registry, payload and reply codecs, and the stateful awaitable Command
// used by the scheduler.
package commands

// ResponseCode is the 4-bit code carried in the low bits of a reply
// identifier.
type ResponseCode uint8

const (
	COMMAND_ACCEPTED           ResponseCode = 0
	VALUE_OUT_OF_RANGE         ResponseCode = 1
	INVALID_TRAJECTORY         ResponseCode = 2
	ALREADY_IN_MOTION          ResponseCode = 3
	NOT_INITIALIZED            ResponseCode = 4
	INVALID_BROADCAST_COMMAND  ResponseCode = 10
	INVALID_BOOTLOADER_COMMAND ResponseCode = 11
	INVALID_COMMAND            ResponseCode = 12
	UNKNOWN_COMMAND            ResponseCode = 13
)

func (r ResponseCode) String() string {
	switch r {
	case COMMAND_ACCEPTED:
		return "COMMAND_ACCEPTED"
	case VALUE_OUT_OF_RANGE:
		return "VALUE_OUT_OF_RANGE"
	case INVALID_TRAJECTORY:
		return "INVALID_TRAJECTORY"
	case ALREADY_IN_MOTION:
		return "ALREADY_IN_MOTION"
	case NOT_INITIALIZED:
		return "NOT_INITIALIZED"
	case INVALID_BROADCAST_COMMAND:
		return "INVALID_BROADCAST_COMMAND"
	case INVALID_BOOTLOADER_COMMAND:
		return "INVALID_BOOTLOADER_COMMAND"
	case INVALID_COMMAND:
		return "INVALID_COMMAND"
	case UNKNOWN_COMMAND:
		return "UNKNOWN_COMMAND"
	}
	return "UNKNOWN_RESPONSE"
}

// Positioner status bits, firmware 4.1 and later.
const (
	PS41_SYSTEM_INITIALIZED            uint32 = 0x00000001
	PS41_RECEIVING_TRAJECTORY          uint32 = 0x00000010
	PS41_TRAJECTORY_ALPHA_RECEIVED     uint32 = 0x00000020
	PS41_TRAJECTORY_BETA_RECEIVED      uint32 = 0x00000040
	PS41_DISPLACEMENT_COMPLETED        uint32 = 0x00000100
	PS41_DISPLACEMENT_COMPLETED_ALPHA  uint32 = 0x00000200
	PS41_DISPLACEMENT_COMPLETED_BETA   uint32 = 0x00000400
	PS41_COLLISION_ALPHA               uint32 = 0x00000800
	PS41_COLLISION_BETA                uint32 = 0x00001000
	PS41_CLOSED_LOOP_ALPHA             uint32 = 0x00002000
	PS41_CLOSED_LOOP_BETA              uint32 = 0x00004000
	PS41_PRECISE_POSITIONING_ALPHA     uint32 = 0x00008000
	PS41_PRECISE_POSITIONING_BETA      uint32 = 0x00010000
	PS41_COLLISION_DETECT_ALPHA_OFF    uint32 = 0x00020000
	PS41_COLLISION_DETECT_BETA_OFF     uint32 = 0x00040000
	PS41_MOTOR_CALIBRATION             uint32 = 0x00080000
	PS41_MOTOR_ALPHA_CALIBRATED        uint32 = 0x00100000
	PS41_MOTOR_BETA_CALIBRATED         uint32 = 0x00200000
	PS41_DATUM_CALIBRATION             uint32 = 0x00400000
	PS41_DATUM_ALPHA_CALIBRATED        uint32 = 0x00800000
	PS41_DATUM_BETA_CALIBRATED         uint32 = 0x01000000
	PS41_DATUM_INITIALIZATION          uint32 = 0x02000000
	PS41_DATUM_ALPHA_INITIALIZED       uint32 = 0x04000000
	PS41_DATUM_BETA_INITIALIZED        uint32 = 0x08000000
	PS41_HALL_ALPHA_DISABLE            uint32 = 0x10000000
	PS41_HALL_BETA_DISABLE             uint32 = 0x20000000
	PS41_COGGING_CALIBRATION           uint32 = 0x40000000
	PS41_COGGING_ALPHA_CALIBRATED      uint32 = 0x80000000
)

// Positioner status bits, firmware 4.0.
const (
	PS40_SYSTEM_INITIALIZATION         uint32 = 0x00000001
	PS40_RECEIVING_TRAJECTORY          uint32 = 0x00000100
	PS40_TRAJECTORY_ALPHA_RECEIVED     uint32 = 0x00000200
	PS40_TRAJECTORY_BETA_RECEIVED      uint32 = 0x00000400
	PS40_DATUM_INITIALIZATION          uint32 = 0x00200000
	PS40_DATUM_ALPHA_INITIALIZED       uint32 = 0x00400000
	PS40_DATUM_BETA_INITIALIZED        uint32 = 0x00800000
	PS40_DISPLACEMENT_COMPLETED        uint32 = 0x01000000
	PS40_ALPHA_DISPLACEMENT_COMPLETED  uint32 = 0x02000000
	PS40_BETA_DISPLACEMENT_COMPLETED   uint32 = 0x04000000
	PS40_ALPHA_COLLISION               uint32 = 0x08000000
	PS40_BETA_COLLISION                uint32 = 0x10000000
	PS40_DATUM_INITIALIZED             uint32 = 0x20000000
	PS40_ESTIMATED_POSITION            uint32 = 0x40000000
	PS40_POSITION_RESTORED             uint32 = 0x80000000
)

// Bootloader status bits.
const (
	BS_BOOTLOADER_INIT        uint32 = 0x00000001
	BS_BOOTLOADER_TIMEOUT     uint32 = 0x00000002
	BS_BSETTINGS_CHANGED      uint32 = 0x00000200
	BS_RECEIVING_NEW_FIRMWARE uint32 = 0x00010000
	BS_NEW_FIRMWARE_RECEIVED  uint32 = 0x01000000
	BS_NEW_FIRMWARE_CHECK_OK  uint32 = 0x02000000
	BS_NEW_FIRMWARE_CHECK_BAD uint32 = 0x04000000
)

// StatusVariant selects which decoder table applies to a raw status word.
type StatusVariant int

const (
	StatusV4_0 StatusVariant = iota
	StatusV4_1
	StatusBootloader
)

// Status is a raw status word tagged with its decoder variant. All status
// inspection goes through the predicates below; callers never test bits
// directly.
type Status struct {
	Raw     uint32
	Variant StatusVariant
}

// VariantForFirmware picks the decoder table for a firmware version.
func VariantForFirmware(fw Firmware) StatusVariant {
	if fw.Bootloader() {
		return StatusBootloader
	}
	if fw.Major <= 4 && fw.Minor == 0 {
		return StatusV4_0
	}
	return StatusV4_1
}

func (s Status) IsBootloader() bool {
	return s.Variant == StatusBootloader
}

func (s Status) IsDatumInitialised() bool {
	switch s.Variant {
	case StatusV4_0:
		return s.Raw&PS40_DATUM_INITIALIZED != 0
	case StatusV4_1:
		return s.Raw&PS41_DATUM_ALPHA_INITIALIZED != 0 && s.Raw&PS41_DATUM_BETA_INITIALIZED != 0
	}
	return false
}

func (s Status) IsInitialised() bool {
	switch s.Variant {
	case StatusV4_0:
		return s.Raw&PS40_SYSTEM_INITIALIZATION != 0
	case StatusV4_1:
		return s.Raw&PS41_SYSTEM_INITIALIZED != 0
	case StatusBootloader:
		return s.Raw&BS_BOOTLOADER_INIT != 0
	}
	return false
}

func (s Status) HasDisplacementCompleted() bool {
	switch s.Variant {
	case StatusV4_0:
		return s.Raw&PS40_DISPLACEMENT_COMPLETED != 0
	case StatusV4_1:
		return s.Raw&PS41_DISPLACEMENT_COMPLETED != 0
	}
	return false
}

func (s Status) IsCollided() bool {
	return s.IsCollidedAlpha() || s.IsCollidedBeta()
}

func (s Status) IsCollidedAlpha() bool {
	switch s.Variant {
	case StatusV4_0:
		return s.Raw&PS40_ALPHA_COLLISION != 0
	case StatusV4_1:
		return s.Raw&PS41_COLLISION_ALPHA != 0
	}
	return false
}

func (s Status) IsCollidedBeta() bool {
	switch s.Variant {
	case StatusV4_0:
		return s.Raw&PS40_BETA_COLLISION != 0
	case StatusV4_1:
		return s.Raw&PS41_COLLISION_BETA != 0
	}
	return false
}

func (s Status) IsReceivingTrajectory() bool {
	switch s.Variant {
	case StatusV4_0:
		return s.Raw&PS40_RECEIVING_TRAJECTORY != 0
	case StatusV4_1:
		return s.Raw&PS41_RECEIVING_TRAJECTORY != 0
	}
	return false
}

// CollisionDetectDisabled reports whether either axis runs without
// collision detection. Only encoded by the 4.1 table.
func (s Status) CollisionDetectDisabled() bool {
	if s.Variant != StatusV4_1 {
		return false
	}
	return s.Raw&(PS41_COLLISION_DETECT_ALPHA_OFF|PS41_COLLISION_DETECT_BETA_OFF) != 0
}

// OpenLoop reports whether either axis is in open loop mode. Only encoded
// by the 4.1 table.
func (s Status) OpenLoop() bool {
	if s.Variant != StatusV4_1 {
		return false
	}
	return s.Raw&PS41_CLOSED_LOOP_ALPHA == 0 || s.Raw&PS41_CLOSED_LOOP_BETA == 0
}

// FirmwareCheckOK reports the bootloader firmware CRC check result.
func (s Status) FirmwareCheckOK() bool {
	return s.Variant == StatusBootloader && s.Raw&BS_NEW_FIRMWARE_CHECK_OK != 0
}
