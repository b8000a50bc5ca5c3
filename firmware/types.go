// Package firmware classifies motion controllers, exposes their capability
// tables, and decodes each family's line protocol into events.
package firmware

// ControllerType identifies a firmware family.
type ControllerType int

const (
	// Unknown is the conservative fallback for unrecognized firmware.
	Unknown ControllerType = iota
	// GRBL covers Grbl 0.9/1.1 and derivatives (grblHAL, FluidNC in Grbl mode).
	GRBL
	// TinyG is the Synthetos TinyG JSON protocol.
	TinyG
	// G2Core is the Synthetos g2core JSON protocol.
	G2Core
)

// String returns the firmware family name.
func (t ControllerType) String() string {
	switch t {
	case GRBL:
		return "GRBL"
	case TinyG:
		return "TinyG"
	case G2Core:
		return "g2core"
	default:
		return "Unknown"
	}
}

// Capabilities is the per-family capability table. It is produced once per
// connection by detection and read-only to every other component; it is
// recomputed only on reconnect.
type Capabilities struct {
	Controller ControllerType

	// BufferSize is the controller's serial input buffer in bytes. It is
	// the hard ceiling for the streaming engine's byte budget.
	BufferSize int

	SupportsJogging   bool
	SupportsOverrides bool

	// ReportFields lists the status report fields this family emits.
	ReportFields []string

	// Dialect command bytes and queries.
	StatusQuery  string
	VersionQuery string
	FeedHold     string
	CycleStart   string
	Reset        string
}

// DefaultCapabilities returns the capability table for a firmware family.
// Unknown gets the minimum buffer size and no optional report fields so an
// unrecognized controller is never over-admitted.
func DefaultCapabilities(t ControllerType) Capabilities {
	switch t {
	case GRBL:
		return Capabilities{
			Controller:        GRBL,
			BufferSize:        128,
			SupportsJogging:   true,
			SupportsOverrides: true,
			ReportFields:      []string{"MPos", "WPos", "WCO", "FS", "Ov", "Pn"},
			StatusQuery:       "?",
			VersionQuery:      "$I",
			FeedHold:          "!",
			CycleStart:        "~",
			Reset:             "\x18",
		}
	case TinyG:
		return Capabilities{
			Controller:   TinyG,
			BufferSize:   254,
			ReportFields: []string{"posx", "posy", "posz", "vel", "stat"},
			StatusQuery:  `{"sr":null}`,
			VersionQuery: `{"fv":null}`,
			FeedHold:     "!",
			CycleStart:   "~",
			Reset:        "\x18",
		}
	case G2Core:
		return Capabilities{
			Controller:   G2Core,
			BufferSize:   254,
			ReportFields: []string{"posx", "posy", "posz", "vel", "stat"},
			StatusQuery:  `{"sr":null}`,
			VersionQuery: `{"fb":null}`,
			FeedHold:     "!",
			CycleStart:   "~",
			Reset:        "\x18",
		}
	default:
		return Capabilities{
			Controller:   Unknown,
			BufferSize:   64,
			StatusQuery:  "?",
			VersionQuery: "",
			FeedHold:     "!",
			CycleStart:   "~",
			Reset:        "\x18",
		}
	}
}
