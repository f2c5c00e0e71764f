// Package trace formats debugger observations into log lines and fans them
// out to the configured destinations.
package trace

import (
	"fmt"
	"time"
)

// Direction of an observation.
type Direction string

const (
	DirOpen     Direction = "OPEN"
	DirClosed   Direction = "CLSD"
	DirReceived Direction = "RECV"
	DirSent     Direction = "SENT"
)

// Layer distinguishes raw transport text from parsed units.
type Layer string

const (
	LayerRaw         Layer = "raw"
	LayerInterpreted Layer = "interpreted"
)

// InterpretedCategory is the category label of every interpreted event.
const InterpretedCategory = "INT"

// TimestampFormat is UTC ISO-8601 with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// UnknownAddress replaces a remote address that could not be determined.
const UnknownAddress = "???"

// Event is one observation. It is built, emitted and dropped.
type Event struct {
	Time      time.Time `json:"time"`
	Layer     Layer     `json:"layer"`
	Category  string    `json:"category"`
	Address   string    `json:"address"`
	Direction Direction `json:"direction"`
	ContextID string    `json:"context_id"`
	Payload   string    `json:"payload,omitempty"`
}

// HasPayload reports whether the event carries traffic.
func (e Event) HasPayload() bool {
	return e.Direction == DirReceived || e.Direction == DirSent
}

// Line renders the event as a single trace line.
//
//	raw:         <timestamp> - <category> <address:-16> - <DIR> - (<context:11>)[: <payload>]
//	interpreted: INT <address:-16> - <DIR> - (<stream:11>): <unit>
func (e Event) Line() string {
	if e.Layer == LayerInterpreted {
		return fmt.Sprintf("%s %-16s - %s - (%11s): %s",
			InterpretedCategory, e.Address, e.Direction, e.ContextID, e.Payload)
	}

	line := fmt.Sprintf("%s - %s %-16s - %s - (%11s)",
		e.Time.UTC().Format(TimestampFormat), e.Category, e.Address, e.Direction, e.ContextID)
	if e.HasPayload() {
		line += ": " + e.Payload
	}
	return line
}
