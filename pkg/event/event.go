// Package event holds the in-flight records of the pipeline: raw operational
// events on their way to the alerter, forward-ready alerts on their way to the
// webhook, and the dead-letter wrapper for messages that fall out of either.
package event

import (
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// reserved field names, everything else rides along in Extra
var reservedFields = map[string]struct{}{
	"timestamp":       {},
	"message":         {},
	"hostname":        {},
	"syslog_severity": {},
	"trap_oid":        {},
	"correlation_id":  {},
	"ingested_at":     {},
}

// Event is a single operational event in flight. Timestamp is the source
// timestamp as supplied by the sender, IngestedAt is stamped by the ingestor.
// Extension fields the sender included are carried opaquely in Extra.
type Event struct {
	Timestamp      string
	Message        string
	Hostname       string
	SyslogSeverity *int
	TrapOID        string
	CorrelationID  string
	IngestedAt     string
	Extra          map[string]interface{}
}

// MarshalJSON flattens Extra back into the top-level object so the queue form
// is identical to the ingress form plus the stamped fields.
func (e *Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(e.Extra)+7)
	for k, v := range e.Extra {
		m[k] = v
	}
	m["timestamp"] = e.Timestamp
	m["message"] = e.Message
	m["hostname"] = e.Hostname
	if e.SyslogSeverity != nil {
		m["syslog_severity"] = *e.SyslogSeverity
	}
	if e.TrapOID != "" {
		m["trap_oid"] = e.TrapOID
	}
	if e.CorrelationID != "" {
		m["correlation_id"] = e.CorrelationID
	}
	if e.IngestedAt != "" {
		m["ingested_at"] = e.IngestedAt
	}
	return json.Marshal(m)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m["timestamp"].(string); ok {
		e.Timestamp = v
	}
	if v, ok := m["message"].(string); ok {
		e.Message = v
	}
	if v, ok := m["hostname"].(string); ok {
		e.Hostname = v
	}
	if v, ok := m["trap_oid"].(string); ok {
		e.TrapOID = v
	}
	if v, ok := m["correlation_id"].(string); ok {
		e.CorrelationID = v
	}
	if v, ok := m["ingested_at"].(string); ok {
		e.IngestedAt = v
	}
	if v, ok := m["syslog_severity"]; ok {
		sev, err := toInt(v)
		if err != nil {
			return &ValidationError{Field: "syslog_severity", Reason: err.Error()}
		}
		e.SyslogSeverity = &sev
	}
	for k, v := range m {
		if _, reserved := reservedFields[k]; reserved {
			continue
		}
		if e.Extra == nil {
			e.Extra = map[string]interface{}{}
		}
		e.Extra[k] = v
	}
	return nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

// Validate enforces the ingest contract: required fields present, timestamp
// parseable, severity in the syslog range.
func (e *Event) Validate() error {
	if e.Timestamp == "" {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return &ValidationError{Field: "timestamp", Reason: "not ISO-8601"}
	}
	if e.Message == "" {
		return &ValidationError{Field: "message", Reason: "required"}
	}
	if e.Hostname == "" {
		return &ValidationError{Field: "hostname", Reason: "required"}
	}
	if e.SyslogSeverity != nil && (*e.SyslogSeverity < 0 || *e.SyslogSeverity > 7) {
		return &ValidationError{Field: "syslog_severity", Reason: "outside 0-7"}
	}
	return nil
}

// SeverityLabel is the severity as used in counter keys, "none" when unset.
func (e *Event) SeverityLabel() string {
	if e.SyslogSeverity == nil {
		return "none"
	}
	return strconv.Itoa(*e.SyslogSeverity)
}

// Encode serializes the event for queue transport.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an event from its queue transport form.
func Decode(data []byte) (*Event, error) {
	ev := &Event{}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Alert is a forward-ready record; its JSON form is the webhook request body.
type Alert struct {
	CorrelationID   string `json:"correlation_id"`
	Hostname        string `json:"hostname"`
	Severity        *int   `json:"severity"`
	Message         string `json:"message"`
	Team            string `json:"team"`
	MatchedRuleID   *int64 `json:"matched_rule_id"`
	SourceTimestamp string `json:"source_timestamp"`
	Meta            bool   `json:"meta,omitempty"`
}

func (a *Alert) Encode() ([]byte, error) {
	return json.Marshal(a)
}

func DecodeAlert(data []byte) (*Alert, error) {
	al := &Alert{}
	if err := json.Unmarshal(data, al); err != nil {
		return nil, err
	}
	return al, nil
}
