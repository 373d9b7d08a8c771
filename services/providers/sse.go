package providers

import (
	"bufio"
	"io"
	"strings"
)

// maxEventSize bounds a single server-sent event line
const maxEventSize = 1 << 20

// Event is one dispatched server-sent event
type Event struct {
	Name string
	Data string
}

// EventReader reads server-sent events one at a time from a response body
type EventReader struct {
	scanner *bufio.Scanner
}

// NewEventReader creates an EventReader over r
func NewEventReader(r io.Reader) *EventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &EventReader{scanner: scanner}
}

// Next returns the next event with a non-empty data field.
// It returns io.EOF when the body is exhausted.
func (r *EventReader) Next() (Event, error) {
	var (
		name string
		data []string
	)

	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")

		if line == "" {
			if len(data) > 0 {
				return Event{Name: name, Data: strings.Join(data, "\n")}, nil
			}
			name = ""
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(line[len("data:"):]))
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if len(data) > 0 {
		return Event{Name: name, Data: strings.Join(data, "\n")}, nil
	}
	return Event{}, io.EOF
}
