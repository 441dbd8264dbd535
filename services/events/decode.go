package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// PID is a process identifier. Beacons send it as a JSON number or string.
type PID string

func (p *PID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PID(s)
		return nil
	}

	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("pid %s is not an integer", data)
	}
	*p = PID(strconv.FormatInt(n, 10))
	return nil
}

// Decode parses a JSON event, selects its variant from the "event"
// discriminant and validates it.
func Decode(data []byte) (Event, error) {
	var head struct {
		Event Kind `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if head.Event == "" {
		return nil, fmt.Errorf("%w: event kind is required", ErrInvalidEvent)
	}

	newEvent, ok := variants[head.Event]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event kind %q", ErrInvalidEvent, head.Event)
	}

	ev := newEvent()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, head.Event, err)
	}
	ev.normalize()

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}
