package firmware

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/thawkins/gcodekit5-sub006/errors"
	"github.com/thawkins/gcodekit5-sub006/event"
)

var (
	grblErrorRe  = regexp.MustCompile(`^error:\s*(\d+)`)
	grblAlarmRe  = regexp.MustCompile(`^ALARM:\s*(\d+)`)
	grblBannerRe = regexp.MustCompile(`^Grbl\s+v?[\d.]+[a-z]?`)
)

// grblErrorDescriptions maps Grbl 1.1 error codes to operator text.
var grblErrorDescriptions = map[int]string{
	1:  "G-code words consist of a letter and a value, letter was not found",
	2:  "numeric value format is not valid or missing an expected value",
	3:  "system command was not recognized or supported",
	4:  "negative value received for an expected positive value",
	5:  "homing cycle is not enabled via settings",
	6:  "minimum step pulse time must be greater than 3usec",
	7:  "EEPROM read failed, reset and restored to default values",
	8:  "system command not allowed unless idle",
	9:  "G-code locked out during alarm or jog state",
	20: "unsupported or invalid G-code command found in block",
	21: "more than one G-code command from same modal group found in block",
	22: "feed rate has not yet been set or is undefined",
	23: "G-code command in block requires an integer value",
	24: "two G-code commands that both require the use of the XYZ axis words were detected",
	25: "a G-code word was repeated in the block",
	33: "motion command target is invalid",
}

// grblAlarmDescriptions maps Grbl 1.1 alarm codes to operator text.
var grblAlarmDescriptions = map[int]string{
	1: "hard limit triggered, machine position is likely lost",
	2: "G-code motion target exceeds machine travel",
	3: "reset while in motion, machine position is likely lost",
	4: "probe fail, probe is not in the expected initial state",
	5: "probe fail, probe did not contact the workpiece",
	6: "homing fail, reset during active homing cycle",
	7: "homing fail, safety door was opened during homing",
	8: "homing fail, cycle failed to clear limit switch",
	9: "homing fail, could not find limit switch",
}

// grblDialect decodes the Grbl line protocol. It keeps the last seen work
// coordinate offset so status reports carrying only MPos or only WPos still
// produce both positions.
type grblDialect struct {
	mu  sync.Mutex
	wco event.Position
}

func newGRBLDialect() *grblDialect { return &grblDialect{} }

func (d *grblDialect) Controller() ControllerType { return GRBL }

// ParseLine decodes one line of Grbl output.
func (d *grblDialect) ParseLine(line string) (event.Event, error) {
	line = strings.TrimSpace(line)

	switch {
	case line == "ok":
		return event.Event{Kind: event.TypeAck, Raw: line}, nil

	case strings.HasPrefix(line, "error:"):
		code := parseCode(grblErrorRe, line)
		return event.Event{
			Kind:    event.TypeError,
			Raw:     line,
			Code:    code,
			Message: grblErrorDescription(code),
		}, nil

	case strings.HasPrefix(line, "ALARM:"):
		code := parseCode(grblAlarmRe, line)
		return event.Event{
			Kind:    event.TypeAlarm,
			Raw:     line,
			Code:    code,
			Message: grblAlarmDescription(code),
		}, nil

	case strings.HasPrefix(line, "<"):
		status, err := d.parseStatus(line)
		if err != nil {
			return event.Event{Kind: event.TypeUnknown, Raw: line},
				errors.Wrap(fmt.Errorf("%w: %v", errors.ErrProtocolViolation, err),
					"grbl", "ParseLine", "parse status report")
		}
		return event.Event{Kind: event.TypeStatus, Raw: line, Status: &status}, nil

	case strings.HasPrefix(line, "["):
		return event.Event{Kind: event.TypeMessage, Raw: line, Message: strings.Trim(line, "[]")}, nil

	case grblBannerRe.MatchString(line):
		return event.Event{Kind: event.TypeMessage, Raw: line, Message: line}, nil
	}

	return event.Event{Kind: event.TypeUnknown, Raw: line}, nil
}

// parseStatus decodes a <State|Field:...|...> report.
func (d *grblDialect) parseStatus(data string) (event.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data = strings.TrimPrefix(data, "<")
	data = strings.TrimSuffix(data, ">")
	parts := strings.Split(data, "|")
	if parts[0] == "" {
		return event.Status{}, fmt.Errorf("empty state field")
	}

	status := event.Status{State: parts[0], WorkOffset: d.wco}
	var useMPos bool

	for _, part := range parts[1:] {
		p := strings.SplitN(part, ":", 2)
		if len(p) != 2 {
			return event.Status{}, fmt.Errorf("malformed field %q", part)
		}

		var err error
		switch p[0] {
		case "MPos":
			useMPos = true
			status.Machine, err = parsePosition(p[1])
			status.Work = subtract(status.Machine, d.wco)
		case "WPos":
			status.Work, err = parsePosition(p[1])
			status.Machine = add(status.Work, d.wco)
		case "WCO":
			d.wco, err = parsePosition(p[1])
			status.WorkOffset = d.wco
			if useMPos {
				status.Work = subtract(status.Machine, d.wco)
			} else {
				status.Machine = add(status.Work, d.wco)
			}
		case "F":
			_, err = fmt.Sscanf(p[1], "%f", &status.Feed)
		case "FS":
			_, err = fmt.Sscanf(p[1], "%f,%f", &status.Feed, &status.Spindle)
		}
		if err != nil {
			return event.Status{}, fmt.Errorf("parse %s %q: %w", p[0], p[1], err)
		}
	}

	return status, nil
}

func parsePosition(s string) (event.Position, error) {
	var pos event.Position
	_, err := fmt.Sscanf(s, "%f,%f,%f", &pos.X, &pos.Y, &pos.Z)
	return pos, err
}

func add(a, b event.Position) event.Position {
	return event.Position{X: a.X + b.X, Y: a.Y + b.Y, Z: a.Z + b.Z}
}

func subtract(a, b event.Position) event.Position {
	return event.Position{X: a.X - b.X, Y: a.Y - b.Y, Z: a.Z - b.Z}
}

func parseCode(re *regexp.Regexp, line string) int {
	m := re.FindStringSubmatch(line)
	if len(m) != 2 {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

func grblErrorDescription(code int) string {
	if desc, ok := grblErrorDescriptions[code]; ok {
		return desc
	}
	return fmt.Sprintf("error code %d", code)
}

func grblAlarmDescription(code int) string {
	if desc, ok := grblAlarmDescriptions[code]; ok {
		return desc
	}
	return fmt.Sprintf("alarm code %d", code)
}
