// Package alert raises operator-facing alerts: every alert is written to the
// structured log at the matching level, and CRITICAL alerts are additionally
// forwarded to the administrator through a best-effort Notifier.
package alert

import (
	"strings"
	"time"
)

// Severity is the alert tier.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// Field is a single key/value pair of alert context.
type Field struct {
	Key   string
	Value string
}

// Context is an ordered list of alert context pairs. Keys keep the order in
// which they were added so log lines and emails read the same way.
type Context []Field

// With returns a copy of c with key set to value. An existing key keeps its
// position and is overwritten.
func (c Context) With(key, value string) Context {
	out := make(Context, len(c), len(c)+1)
	copy(out, c)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, Field{Key: key, Value: value})
}

// Get returns the value stored under key.
func (c Context) Get(key string) (string, bool) {
	for _, f := range c {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Keys returns context keys in insertion order.
func (c Context) Keys() []string {
	keys := make([]string, len(c))
	for i, f := range c {
		keys[i] = f.Key
	}
	return keys
}

// Alert is a single detected anomaly. Alerts are not persisted.
type Alert struct {
	Severity Severity
	Code     string
	Message  string
	// Action is an optional hint for the operator, e.g. "Refund required".
	Action  string
	Context Context
	At      time.Time
}

// Status describes what happened to the notification leg of a dispatch.
type Status string

const (
	// StatusDelivered means the admin notification was handed to the transport.
	StatusDelivered Status = "delivered"
	// StatusQueued means the notification was accepted by the background worker.
	StatusQueued Status = "queued"
	// StatusSkipped means no notification was attempted (non-critical alert
	// or no transport configured).
	StatusSkipped Status = "skipped"
	// StatusFailed means the notification could not be sent; see Reason.
	StatusFailed Status = "failed"
)

// Delivery is the outcome of Dispatch. It never carries an error: failures
// are reported through Status and Reason only.
type Delivery struct {
	Status Status
	Reason string
}

// Delivered reports whether the notification was sent or accepted for sending.
func (d Delivery) Delivered() bool {
	return d.Status == StatusDelivered || d.Status == StatusQueued
}

// Notification is the admin-facing rendering of a CRITICAL alert.
type Notification struct {
	Code      string
	Recipient string
	Subject   string
	Body      string
}

func render(a Alert, cfg Config) Notification {
	subject := "[" + string(a.Severity) + "] " + a.Code
	if cfg.EnvironmentLabel != "" {
		subject = "[" + cfg.EnvironmentLabel + "] " + subject
	}

	var b strings.Builder
	b.WriteString(a.Message)
	b.WriteString("\n\n")
	if a.Action != "" {
		b.WriteString("Action: ")
		b.WriteString(a.Action)
		b.WriteString("\n")
	}
	b.WriteString("Code: ")
	b.WriteString(a.Code)
	b.WriteString("\nTime: ")
	b.WriteString(a.At.UTC().Format(time.RFC3339))
	b.WriteString("\n")
	if cfg.EnvironmentLabel != "" {
		b.WriteString("Environment: ")
		b.WriteString(cfg.EnvironmentLabel)
		b.WriteString("\n")
	}
	if len(a.Context) > 0 {
		b.WriteString("\n")
		for _, f := range a.Context {
			b.WriteString(f.Key)
			b.WriteString(": ")
			b.WriteString(f.Value)
			b.WriteString("\n")
		}
	}

	return Notification{
		Code:      a.Code,
		Recipient: cfg.AdminRecipient,
		Subject:   subject,
		Body:      b.String(),
	}
}
