// Package event defines the protocol events decoded from controller output
// and the listener fabric that fans them out to observers.
package event

// Type classifies a decoded protocol event.
type Type int

const (
	// TypeUnknown marks a line the active dialect did not recognize.
	TypeUnknown Type = iota
	// TypeAck is an ok-acknowledgement consuming one outstanding command.
	TypeAck
	// TypeError is a firmware error response (error:N, {"f":[...,N,...]}).
	TypeError
	// TypeAlarm is a machine-safety condition (ALARM:N, {"er":{...}}).
	TypeAlarm
	// TypeStatus is a periodic status report (position, machine state).
	TypeStatus
	// TypeMessage is informational push output (banners, [MSG:...]).
	TypeMessage
)

// String returns the string representation of the event type.
func (t Type) String() string {
	switch t {
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	case TypeAlarm:
		return "alarm"
	case TypeStatus:
		return "status"
	case TypeMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Position is a machine coordinate triple in the controller's active units.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Status is a read-only snapshot of the machine state decoded from one
// status report.
type Status struct {
	// State is the firmware-reported machine state (Idle, Run, Hold, Alarm...).
	State string `json:"state"`

	// Machine and Work positions, with the work coordinate offset relating them.
	Machine    Position `json:"machine"`
	Work       Position `json:"work"`
	WorkOffset Position `json:"work_offset"`

	Feed    float64 `json:"feed"`
	Spindle float64 `json:"spindle"`
}

// IsAlarm reports whether the snapshot shows an alarm state.
func (s Status) IsAlarm() bool {
	return s.State == "Alarm" || len(s.State) >= 5 && s.State[:5] == "ALARM"
}

// IsReady reports whether the machine is idle and ready for commands.
func (s Status) IsReady() bool { return s.State == "Idle" }

// Event is one decoded protocol event. Exactly which fields are populated
// depends on Kind: Status for TypeStatus, Code/Message for errors and alarms.
type Event struct {
	Kind    Type
	Raw     string
	Status  *Status
	Code    int
	Message string
}

// ConnectionState tracks a communicator through its lifecycle.
type ConnectionState int

const (
	// StateDisconnected indicates no live transport driver is attached.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting
	// StateConnected indicates a live driver with a running decode loop.
	StateConnected
	// StateError indicates the connection dropped with an unrecovered error.
	StateError
)

// String returns a string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
