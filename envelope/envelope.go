// Package envelope defines the message envelope exchanged between
// tasks and service handlers (spec §3, §4.2, §6). The payload is
// opaque; the action+schema pair is the contract, with schema
// compatibility left to the receiving handler.
package envelope

import (
	"fmt"

	"github.com/dataparency-dev/capkernel/ids"
)

// Envelope is a single message in transit on a channel.
type Envelope struct {
	ID            string
	Sender        ids.TaskID
	TargetService ids.ServiceID
	Action        string
	Schema        ids.SchemaVersion
	Correlation   *string
	SentAtNs      int64
	Payload       []byte
	Sealed        bool
}

// New builds an envelope stamped with a fresh id. Correlation is left
// nil; use WithCorrelation to set one.
func New(sender ids.TaskID, target ids.ServiceID, action string, schema ids.SchemaVersion, sentAtNs int64, payload []byte) Envelope {
	return Envelope{
		ID:            ids.NewEnvelopeID(),
		Sender:        sender,
		TargetService: target,
		Action:        action,
		Schema:        schema,
		SentAtNs:      sentAtNs,
		Payload:       payload,
	}
}

// WithCorrelation returns a copy of e carrying an explicit correlation
// id, linking it to a prior envelope (e.g. a reply to a request).
func (e Envelope) WithCorrelation(corr string) Envelope {
	e.Correlation = &corr
	return e
}

// SchemaMismatchError is returned by a handler when an envelope's major
// schema version does not match what it understands.
type SchemaMismatchError struct {
	Action   string
	Expected ids.SchemaVersion
	Found    ids.SchemaVersion
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("envelope: action %q schema mismatch: expected major %d, found %s",
		e.Action, e.Expected.Major, e.Found)
}

// CheckSchema validates that a handler declaring `accepted` can serve
// an incoming envelope's schema, returning a *SchemaMismatchError on a
// major-version conflict. Minor drift is always accepted.
func CheckSchema(action string, accepted, found ids.SchemaVersion) error {
	if !found.CompatibleWith(accepted) {
		return &SchemaMismatchError{Action: action, Expected: accepted, Found: found}
	}
	return nil
}
