// Package protocol defines the wire protocol between the test client and
// the in-host bridge server: newline-delimited UTF-8 JSON frames over a
// local, per-host-process endpoint, terminated by a literal END sentinel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Command kinds understood by the bridge server.
const (
	CommandRunTests = "RunTests"
)

// EndSentinel is the bare (non-JSON) line that closes a logical run.
const EndSentinel = "END"

// Command identifies one logical test run. The client writes exactly one
// Command line per connection; the server consumes it exactly once.
type Command struct {
	Command      string   `json:"Command"`
	TestAssembly string   `json:"TestAssembly"`
	TestMethods  []string `json:"TestMethods"`
	CancelPipe   string   `json:"CancelPipe"`
}

// Validate checks the minimum shape required to schedule a run.
func (c *Command) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("%w: missing Command", ErrMalformedFrame)
	}
	if c.Command != CommandRunTests {
		return fmt.Errorf("%w: unknown command %q", ErrMalformedFrame, c.Command)
	}
	if c.TestAssembly == "" {
		return fmt.Errorf("%w: RunTests requires TestAssembly", ErrMalformedFrame)
	}
	return nil
}

// Outcome is the terminal state of a single test case.
type Outcome string

const (
	OutcomePassed  Outcome = "Passed"
	OutcomeFailed  Outcome = "Failed"
	OutcomeSkipped Outcome = "Skipped"
)

// ResultEvent reports one completed test case. Emission order matches
// completion order, not declaration order.
type ResultEvent struct {
	Name            string  `json:"Name"`
	Outcome         Outcome `json:"Outcome"`
	Duration        float64 `json:"Duration"` // seconds
	ErrorMessage    string  `json:"ErrorMessage,omitempty"`
	ErrorStackTrace string  `json:"ErrorStackTrace,omitempty"`
}

// LogFrameType discriminates LogEvent frames from ResultEvent frames on
// the shared channel.
const LogFrameType = "LOG"

// LogEvent is a log line multiplexed onto the result channel. Debug-level
// events are never carried in this frame; they stay file-only.
type LogEvent struct {
	Type      string `json:"Type"` // always LogFrameType
	Level     string `json:"Level"`
	Message   string `json:"Message"`
	Timestamp string `json:"Timestamp"`
	Source    string `json:"Source,omitempty"`
}

// NewLogEvent builds a LogEvent stamped with the current time.
func NewLogEvent(level, message, source string) LogEvent {
	return LogEvent{
		Type:      LogFrameType,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    source,
	}
}

// Frame is one parsed line from the result stream.
type Frame struct {
	Kind   FrameKind
	Result *ResultEvent
	Log    *LogEvent
}

// FrameKind identifies what a stream line carried.
type FrameKind int

const (
	FrameEnd FrameKind = iota
	FrameResult
	FrameLog
)

// ParseFrame classifies and decodes one line read from the stream.
// The END sentinel is matched exactly; everything else must be a JSON
// object carrying either a LOG discriminator or a result outcome.
func ParseFrame(line []byte) (Frame, error) {
	if string(line) == EndSentinel {
		return Frame{Kind: FrameEnd}, nil
	}

	// Peek at the discriminator before committing to a shape.
	var probe struct {
		Type    string `json:"Type"`
		Outcome string `json:"Outcome"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if probe.Type == LogFrameType {
		var ev LogEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return Frame{Kind: FrameLog, Log: &ev}, nil
	}

	var ev ResultEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if ev.Outcome == "" {
		return Frame{}, fmt.Errorf("%w: frame is neither log nor result", ErrMalformedFrame)
	}
	return Frame{Kind: FrameResult, Result: &ev}, nil
}
