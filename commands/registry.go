package commands

import "time"

// CommandID is the 8-bit firmware opcode.
type CommandID uint8

const (
	GET_ID                        CommandID = 1
	GET_FIRMWARE_VERSION          CommandID = 2
	GET_STATUS                    CommandID = 3
	SEND_NEW_TRAJECTORY           CommandID = 10
	SEND_TRAJECTORY_DATA          CommandID = 11
	TRAJECTORY_DATA_END           CommandID = 12
	SEND_TRAJECTORY_ABORT         CommandID = 13
	START_TRAJECTORY              CommandID = 14
	STOP_TRAJECTORY               CommandID = 15
	COLLISION_DETECTED            CommandID = 18
	GO_TO_DATUMS                  CommandID = 20
	GO_TO_DATUM_ALPHA             CommandID = 21
	GO_TO_DATUM_BETA              CommandID = 22
	START_DATUM_CALIBRATION       CommandID = 23
	START_DATUM_CALIBRATION_ALPHA CommandID = 24
	START_DATUM_CALIBRATION_BETA  CommandID = 25
	START_MOTOR_CALIBRATION       CommandID = 26
	START_MOTOR_CALIBRATION_BETA  CommandID = 27
	GO_TO_ABSOLUTE_POSITION       CommandID = 30
	GO_TO_RELATIVE_POSITION       CommandID = 31
	GET_ACTUAL_POSITION           CommandID = 32
	SET_ACTUAL_POSITION           CommandID = 33
	SET_SPEED                     CommandID = 40
	SET_CURRENT                   CommandID = 41
	START_COGGING_CALIBRATION     CommandID = 47
	START_COGGING_CALIB_ALPHA     CommandID = 48
	START_COGGING_CALIB_BETA      CommandID = 49
	SAVE_INTERNAL_CALIBRATION     CommandID = 53
	ALPHA_CLOSED_LOOP             CommandID = 118
	ALPHA_CLOSED_LOOP_NO_COLLIDE  CommandID = 119
	ALPHA_OPEN_LOOP               CommandID = 120
	ALPHA_OPEN_LOOP_NO_COLLIDE    CommandID = 121
	BETA_CLOSED_LOOP              CommandID = 122
	BETA_CLOSED_LOOP_NO_COLLIDE   CommandID = 123
	BETA_OPEN_LOOP                CommandID = 124
	BETA_OPEN_LOOP_NO_COLLIDE     CommandID = 125
	SWITCH_LED_ON                 CommandID = 126
	SWITCH_LED_OFF                CommandID = 127
	SWITCH_ON_PRECISE_MOVE_ALPHA  CommandID = 128
	SWITCH_OFF_PRECISE_MOVE_ALPHA CommandID = 129
	SWITCH_ON_PRECISE_MOVE_BETA   CommandID = 130
	SWITCH_OFF_PRECISE_MOVE_BETA  CommandID = 131
	START_FIRMWARE_UPGRADE        CommandID = 200
	SEND_FIRMWARE_DATA            CommandID = 201
)

// Descriptor is the static per-opcode table entry.
type Descriptor struct {
	ID   CommandID
	Name string

	// Timeout is the default reply deadline. Zero means fire-and-forget.
	Timeout time.Duration

	// Safe commands are allowed on locked fleets and disabled robots.
	Safe bool

	// Broadcastable commands may address positioner 0.
	Broadcastable bool

	// Bootloader commands are valid while the robot runs its bootloader.
	Bootloader bool

	// Move marks motion commands, cancelled when the fleet locks.
	Move bool

	// VariableReplies marks opcodes whose broadcasts draw a variable
	// number of replies. The Command state machine does not read it: any
	// broadcast gathers replies until its timeout or WithExpected count,
	// and any unicast completes on one acceptance per outbound message.
	VariableReplies bool

	// AlwaysStrict opcodes never excuse UNKNOWN_COMMAND replies.
	AlwaysStrict bool

	// AbortID names the opcode issued when a running command of this
	// type is cancelled. Zero means there is no abort form.
	AbortID CommandID
}

var registry = map[CommandID]Descriptor{
	GET_ID:               {ID: GET_ID, Name: "GET_ID", Timeout: time.Second, Safe: true, Broadcastable: true, Bootloader: true, VariableReplies: true},
	GET_FIRMWARE_VERSION: {ID: GET_FIRMWARE_VERSION, Name: "GET_FIRMWARE_VERSION", Timeout: time.Second, Safe: true, Broadcastable: true, Bootloader: true, VariableReplies: true},
	GET_STATUS:           {ID: GET_STATUS, Name: "GET_STATUS", Timeout: time.Second, Safe: true, Broadcastable: true, Bootloader: true, VariableReplies: true},

	SEND_NEW_TRAJECTORY:   {ID: SEND_NEW_TRAJECTORY, Name: "SEND_NEW_TRAJECTORY", Timeout: 3 * time.Second, Move: true},
	SEND_TRAJECTORY_DATA:  {ID: SEND_TRAJECTORY_DATA, Name: "SEND_TRAJECTORY_DATA", Timeout: 3 * time.Second, Move: true},
	TRAJECTORY_DATA_END:   {ID: TRAJECTORY_DATA_END, Name: "TRAJECTORY_DATA_END", Timeout: 3 * time.Second, Move: true, AlwaysStrict: true},
	SEND_TRAJECTORY_ABORT: {ID: SEND_TRAJECTORY_ABORT, Name: "SEND_TRAJECTORY_ABORT", Timeout: time.Second, Safe: true, Broadcastable: true},
	START_TRAJECTORY:      {ID: START_TRAJECTORY, Name: "START_TRAJECTORY", Timeout: time.Second, Broadcastable: true, Move: true},
	STOP_TRAJECTORY:       {ID: STOP_TRAJECTORY, Name: "STOP_TRAJECTORY", Timeout: time.Second, Safe: true, Broadcastable: true},
	COLLISION_DETECTED:    {ID: COLLISION_DETECTED, Name: "COLLISION_DETECTED", Timeout: time.Second, Safe: true},

	GO_TO_DATUMS:      {ID: GO_TO_DATUMS, Name: "GO_TO_DATUMS", Timeout: 5 * time.Second, Move: true, AbortID: SEND_TRAJECTORY_ABORT},
	GO_TO_DATUM_ALPHA: {ID: GO_TO_DATUM_ALPHA, Name: "GO_TO_DATUM_ALPHA", Timeout: 5 * time.Second, Move: true, AbortID: SEND_TRAJECTORY_ABORT},
	GO_TO_DATUM_BETA:  {ID: GO_TO_DATUM_BETA, Name: "GO_TO_DATUM_BETA", Timeout: 5 * time.Second, Move: true, AbortID: SEND_TRAJECTORY_ABORT},

	START_DATUM_CALIBRATION:       {ID: START_DATUM_CALIBRATION, Name: "START_DATUM_CALIBRATION", Timeout: 5 * time.Second, Move: true},
	START_DATUM_CALIBRATION_ALPHA: {ID: START_DATUM_CALIBRATION_ALPHA, Name: "START_DATUM_CALIBRATION_ALPHA", Timeout: 5 * time.Second, Move: true},
	START_DATUM_CALIBRATION_BETA:  {ID: START_DATUM_CALIBRATION_BETA, Name: "START_DATUM_CALIBRATION_BETA", Timeout: 5 * time.Second, Move: true},
	START_MOTOR_CALIBRATION:       {ID: START_MOTOR_CALIBRATION, Name: "START_MOTOR_CALIBRATION", Timeout: 5 * time.Second, Move: true},
	START_MOTOR_CALIBRATION_BETA:  {ID: START_MOTOR_CALIBRATION_BETA, Name: "START_MOTOR_CALIBRATION_BETA", Timeout: 5 * time.Second, Move: true},
	START_COGGING_CALIBRATION:     {ID: START_COGGING_CALIBRATION, Name: "START_COGGING_CALIBRATION", Timeout: 5 * time.Second, Move: true},
	START_COGGING_CALIB_ALPHA:     {ID: START_COGGING_CALIB_ALPHA, Name: "START_COGGING_CALIB_ALPHA", Timeout: 5 * time.Second, Move: true},
	START_COGGING_CALIB_BETA:      {ID: START_COGGING_CALIB_BETA, Name: "START_COGGING_CALIB_BETA", Timeout: 5 * time.Second, Move: true},
	SAVE_INTERNAL_CALIBRATION:     {ID: SAVE_INTERNAL_CALIBRATION, Name: "SAVE_INTERNAL_CALIBRATION", Timeout: 5 * time.Second},

	GO_TO_ABSOLUTE_POSITION: {ID: GO_TO_ABSOLUTE_POSITION, Name: "GO_TO_ABSOLUTE_POSITION", Timeout: 3 * time.Second, Move: true, AbortID: SEND_TRAJECTORY_ABORT},
	GO_TO_RELATIVE_POSITION: {ID: GO_TO_RELATIVE_POSITION, Name: "GO_TO_RELATIVE_POSITION", Timeout: 3 * time.Second, Move: true, AbortID: SEND_TRAJECTORY_ABORT},
	GET_ACTUAL_POSITION:     {ID: GET_ACTUAL_POSITION, Name: "GET_ACTUAL_POSITION", Timeout: time.Second, Safe: true, Broadcastable: true, VariableReplies: true},
	SET_ACTUAL_POSITION:     {ID: SET_ACTUAL_POSITION, Name: "SET_ACTUAL_POSITION", Timeout: time.Second},

	SET_SPEED:   {ID: SET_SPEED, Name: "SET_SPEED", Timeout: time.Second},
	SET_CURRENT: {ID: SET_CURRENT, Name: "SET_CURRENT", Timeout: time.Second},

	ALPHA_CLOSED_LOOP:            {ID: ALPHA_CLOSED_LOOP, Name: "ALPHA_CLOSED_LOOP", Timeout: time.Second},
	ALPHA_CLOSED_LOOP_NO_COLLIDE: {ID: ALPHA_CLOSED_LOOP_NO_COLLIDE, Name: "ALPHA_CLOSED_LOOP_NO_COLLIDE", Timeout: time.Second},
	ALPHA_OPEN_LOOP:              {ID: ALPHA_OPEN_LOOP, Name: "ALPHA_OPEN_LOOP", Timeout: time.Second},
	ALPHA_OPEN_LOOP_NO_COLLIDE:   {ID: ALPHA_OPEN_LOOP_NO_COLLIDE, Name: "ALPHA_OPEN_LOOP_NO_COLLIDE", Timeout: time.Second},
	BETA_CLOSED_LOOP:             {ID: BETA_CLOSED_LOOP, Name: "BETA_CLOSED_LOOP", Timeout: time.Second},
	BETA_CLOSED_LOOP_NO_COLLIDE:  {ID: BETA_CLOSED_LOOP_NO_COLLIDE, Name: "BETA_CLOSED_LOOP_NO_COLLIDE", Timeout: time.Second},
	BETA_OPEN_LOOP:               {ID: BETA_OPEN_LOOP, Name: "BETA_OPEN_LOOP", Timeout: time.Second},
	BETA_OPEN_LOOP_NO_COLLIDE:    {ID: BETA_OPEN_LOOP_NO_COLLIDE, Name: "BETA_OPEN_LOOP_NO_COLLIDE", Timeout: time.Second},

	SWITCH_LED_ON:                 {ID: SWITCH_LED_ON, Name: "SWITCH_LED_ON", Timeout: time.Second, Safe: true},
	SWITCH_LED_OFF:                {ID: SWITCH_LED_OFF, Name: "SWITCH_LED_OFF", Timeout: time.Second, Safe: true},
	SWITCH_ON_PRECISE_MOVE_ALPHA:  {ID: SWITCH_ON_PRECISE_MOVE_ALPHA, Name: "SWITCH_ON_PRECISE_MOVE_ALPHA", Timeout: time.Second},
	SWITCH_OFF_PRECISE_MOVE_ALPHA: {ID: SWITCH_OFF_PRECISE_MOVE_ALPHA, Name: "SWITCH_OFF_PRECISE_MOVE_ALPHA", Timeout: time.Second},
	SWITCH_ON_PRECISE_MOVE_BETA:   {ID: SWITCH_ON_PRECISE_MOVE_BETA, Name: "SWITCH_ON_PRECISE_MOVE_BETA", Timeout: time.Second},
	SWITCH_OFF_PRECISE_MOVE_BETA:  {ID: SWITCH_OFF_PRECISE_MOVE_BETA, Name: "SWITCH_OFF_PRECISE_MOVE_BETA", Timeout: time.Second},

	START_FIRMWARE_UPGRADE: {ID: START_FIRMWARE_UPGRADE, Name: "START_FIRMWARE_UPGRADE", Timeout: 5 * time.Second, Bootloader: true},
	SEND_FIRMWARE_DATA:     {ID: SEND_FIRMWARE_DATA, Name: "SEND_FIRMWARE_DATA", Timeout: 15 * time.Second, Bootloader: true},
}

// Lookup returns the descriptor for an opcode. Replies carrying unknown
// opcodes are logged and dropped by the scheduler.
func Lookup(id CommandID) (Descriptor, bool) {
	d, ok := registry[id]
	return d, ok
}

// Descriptors returns the full table, for listings.
func Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	return out
}
