package event

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// FailureReason says why a message landed on a dead-letter queue.
type FailureReason string

const (
	ReasonValidation     FailureReason = "validation"
	ReasonRetryExhausted FailureReason = "retry_exhausted"
	ReasonPoison4xx      FailureReason = "poison_4xx"
	ReasonShed           FailureReason = "shed"
)

// DLQEntry wraps a terminally failed message. OriginalEvent is the raw queue
// payload so operator replay tooling can re-enqueue it untouched.
type DLQEntry struct {
	OriginalEvent jsoniter.RawMessage `json:"original_event"`
	FailureReason FailureReason       `json:"failure_reason"`
	FailedAt      string              `json:"failed_at"`
	AttemptCount  int                 `json:"attempt_count"`
	CorrelationID string              `json:"correlation_id"`
}

// NewDLQEntry wraps payload for the dead-letter queue, stamping the failure
// time.
func NewDLQEntry(payload []byte, reason FailureReason, attempts int, correlationID string) *DLQEntry {
	return &DLQEntry{
		OriginalEvent: payload,
		FailureReason: reason,
		FailedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		AttemptCount:  attempts,
		CorrelationID: correlationID,
	}
}

func (d *DLQEntry) Encode() ([]byte, error) {
	return json.Marshal(d)
}

func DecodeDLQEntry(data []byte) (*DLQEntry, error) {
	e := &DLQEntry{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}
