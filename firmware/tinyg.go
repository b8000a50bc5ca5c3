package firmware

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/thawkins/gcodekit5-sub006/errors"
	"github.com/thawkins/gcodekit5-sub006/event"
)

// tinygStates maps the "stat" field of a status report to a state name.
// TinyG and g2core share the numbering.
var tinygStates = map[int]string{
	0: "Init",
	1: "Idle",
	2: "Alarm",
	3: "Idle",
	4: "Idle",
	5: "Run",
	6: "Hold",
	7: "Probe",
	8: "Run",
	9: "Home",
}

// tinygDialect decodes the TinyG/g2core JSON wire protocol. Both controllers
// speak the same framing, so one dialect covers them with the controller type
// fixed at construction.
type tinygDialect struct {
	controller ControllerType
}

func newTinyGDialect(controller ControllerType) *tinygDialect {
	return &tinygDialect{controller: controller}
}

func (d *tinygDialect) Controller() ControllerType { return d.controller }

// tinygResponse is the envelope of a single response line. A line carries at
// most one of the top-level objects.
type tinygResponse struct {
	Response json.RawMessage `json:"r"`
	Footer   []float64       `json:"f"`
	Status   *tinygStatus    `json:"sr"`
	Exception *struct {
		Code    int    `json:"st"`
		Message string `json:"msg"`
	} `json:"er"`
}

type tinygStatus struct {
	PosX     *float64 `json:"posx"`
	PosY     *float64 `json:"posy"`
	PosZ     *float64 `json:"posz"`
	Velocity *float64 `json:"vel"`
	Stat     *int     `json:"stat"`
}

// ParseLine decodes one line of controller output.
func (d *tinygDialect) ParseLine(line string) (event.Event, error) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return event.Event{Kind: event.TypeUnknown, Raw: line}, nil
	}

	var resp tinygResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return event.Event{Kind: event.TypeUnknown, Raw: line},
			errors.Wrap(fmt.Errorf("%w: %v", errors.ErrProtocolViolation, err),
				"tinyg", "ParseLine", "decode response")
	}

	switch {
	case resp.Response != nil:
		// Footer layout is [revision, status, bytes]. Status 0 is success.
		if len(resp.Footer) >= 2 && resp.Footer[1] != 0 {
			code := int(resp.Footer[1])
			return event.Event{
				Kind:    event.TypeError,
				Raw:     line,
				Code:    code,
				Message: fmt.Sprintf("controller rejected command with status %d", code),
			}, nil
		}
		return event.Event{Kind: event.TypeAck, Raw: line}, nil

	case resp.Status != nil:
		return event.Event{Kind: event.TypeStatus, Raw: line, Status: d.toStatus(resp.Status)}, nil

	case resp.Exception != nil:
		return event.Event{
			Kind:    event.TypeAlarm,
			Raw:     line,
			Code:    resp.Exception.Code,
			Message: resp.Exception.Message,
		}, nil
	}

	return event.Event{Kind: event.TypeMessage, Raw: line, Message: line}, nil
}

func (d *tinygDialect) toStatus(sr *tinygStatus) *event.Status {
	status := &event.Status{State: "Idle"}
	if sr.Stat != nil {
		if name, ok := tinygStates[*sr.Stat]; ok {
			status.State = name
		} else {
			status.State = fmt.Sprintf("Stat%d", *sr.Stat)
		}
	}
	if sr.PosX != nil {
		status.Work.X = *sr.PosX
	}
	if sr.PosY != nil {
		status.Work.Y = *sr.PosY
	}
	if sr.PosZ != nil {
		status.Work.Z = *sr.PosZ
	}
	// TinyG reports work coordinates only, offsets live on the controller.
	status.Machine = status.Work
	if sr.Velocity != nil {
		status.Feed = *sr.Velocity
	}
	return status
}
