package firmware

import (
	"strings"

	"github.com/thawkins/gcodekit5-sub006/event"
)

// Dialect decodes one firmware family's line-oriented output into protocol
// events. Implementations may keep per-connection parse state (GRBL retains
// the last work coordinate offset), so a Dialect instance belongs to exactly
// one connection.
type Dialect interface {
	// Controller returns the family this dialect decodes.
	Controller() ControllerType

	// ParseLine decodes one line. Unrecognized lines yield TypeUnknown with
	// a nil error; a malformed line of a recognized shape yields an error
	// (surfaced as a protocol violation, never fatal to the session).
	ParseLine(line string) (event.Event, error)
}

// DialectFor returns a fresh dialect instance for a firmware family.
func DialectFor(t ControllerType) Dialect {
	switch t {
	case GRBL:
		return newGRBLDialect()
	case TinyG:
		return newTinyGDialect(TinyG)
	case G2Core:
		return newTinyGDialect(G2Core)
	default:
		return unknownDialect{}
	}
}

// unknownDialect is the conservative decoder used before detection completes
// and for unrecognized firmware: it understands the near-universal "ok"
// acknowledgement and nothing else.
type unknownDialect struct{}

func (unknownDialect) Controller() ControllerType { return Unknown }

func (unknownDialect) ParseLine(line string) (event.Event, error) {
	line = strings.TrimSpace(line)
	if strings.EqualFold(line, "ok") {
		return event.Event{Kind: event.TypeAck, Raw: line}, nil
	}
	return event.Event{Kind: event.TypeUnknown, Raw: line}, nil
}
