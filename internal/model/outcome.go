package model

import "time"

// OutcomeKind is the terminal per-(message, destination) result.
type OutcomeKind string

const (
	OutcomeAppended OutcomeKind = "appended"
	OutcomeUpdated  OutcomeKind = "updated"
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeError    OutcomeKind = "error"
)

// Outcome records what reconciliation did for one destination config.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Row    int         `json:"row,omitempty"` // 1-based, set for updated
	Reason string      `json:"reason,omitempty"`
}

func Appended() Outcome             { return Outcome{Kind: OutcomeAppended} }
func Updated(row int) Outcome       { return Outcome{Kind: OutcomeUpdated, Row: row} }
func Skipped(reason string) Outcome { return Outcome{Kind: OutcomeSkipped, Reason: reason} }
func Errored(reason string) Outcome { return Outcome{Kind: OutcomeError, Reason: reason} }

// Message-level results stored in the status payload.
const (
	ResultSuccess        = "success"
	ResultPartialFailure = "partial_failure"
	ResultSkipped        = "skipped"
)

// StatusPayload is the aggregate status written back onto the message
// together with the processed flag. Re-marking overwrites it wholesale.
type StatusPayload struct {
	Result      string             `json:"result"`
	Reason      string             `json:"reason,omitempty"`
	Configs     map[string]Outcome `json:"configs,omitempty"`
	ProcessedAt time.Time          `json:"processed_at"`
}

// SkippedStatus builds the payload for a message-level skip (no destination
// was ever contacted).
func SkippedStatus(reason string) StatusPayload {
	return StatusPayload{Result: ResultSkipped, Reason: reason}
}

// FailedStatus builds the payload for an unexpected message-level failure.
// The message is still marked processed so it cannot loop forever.
func FailedStatus(reason string) StatusPayload {
	return StatusPayload{Result: ResultPartialFailure, Reason: reason}
}

// AggregateStatus folds per-config outcomes into the message-level result:
// success only when no config errored, partial_failure otherwise.
func AggregateStatus(outcomes map[string]Outcome) StatusPayload {
	result := ResultSuccess
	for _, o := range outcomes {
		if o.Kind == OutcomeError {
			result = ResultPartialFailure
			break
		}
	}
	return StatusPayload{Result: result, Configs: outcomes}
}
