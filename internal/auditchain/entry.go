package auditchain

import (
	"time"

	"github.com/artpromedia/evidence-ledger/internal/canonical"
)

// NullHash is the previous hash recorded on the first entry of every subject.
const NullHash = ""

// TimestampLayout is the fixed ISO-8601 form used inside chain hashes.
// Timestamps are UTC with microsecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// ActionType tags what happened to the evidence. The set is open; these are
// the values the evidence service emits today.
type ActionType string

const (
	ActionUpload     ActionType = "UPLOAD"
	ActionExtract    ActionType = "EXTRACT"
	ActionLink       ActionType = "LINK"
	ActionValidate   ActionType = "VALIDATE"
	ActionError      ActionType = "ERROR"
	ActionCorrection ActionType = "CORRECTION"
)

// Entry is a single immutable record in a subject's audit chain.
type Entry struct {
	ID            string           `json:"id"`
	SubjectID     string           `json:"subject_id"`
	ResourceID    string           `json:"resource_id,omitempty"`
	ActionType    ActionType       `json:"action_type"`
	ActionDetails canonical.Object `json:"action_details"`
	PerformedBy   string           `json:"performed_by"`
	Timestamp     time.Time        `json:"timestamp"`
	ContentHash   string           `json:"content_hash"`
	PreviousHash  string           `json:"previous_hash"`
	ChainHash     string           `json:"chain_hash"`
	Signature     string           `json:"signature,omitempty"`
}

// Signed reports whether the entry carries a signature.
func (e *Entry) Signed() bool { return e.Signature != "" }

// clone returns a copy that shares no mutable state with e.
func (e *Entry) clone() *Entry {
	c := *e
	if e.ActionDetails != nil {
		c.ActionDetails = cloneObject(e.ActionDetails)
	}
	return &c
}

func cloneObject(o canonical.Object) canonical.Object {
	out := make(canonical.Object, len(o))
	for k, v := range o {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v canonical.Value) canonical.Value {
	switch t := v.(type) {
	case canonical.Object:
		return cloneObject(t)
	case canonical.Array:
		out := make(canonical.Array, len(t))
		for i, elem := range t {
			out[i] = cloneValue(elem)
		}
		return out
	}
	return v
}

// Head is the most recent entry of a subject: what the next entry links to.
type Head struct {
	ChainHash string
	Timestamp time.Time
}

// normalizeTime converts t to the UTC, microsecond form stored on entries.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// FormatTimestamp renders t the way it is committed to in chain hashes.
func FormatTimestamp(t time.Time) string {
	return normalizeTime(t).Format(TimestampLayout)
}

// Link computes the chain hash binding an entry's content hash to its
// predecessor, timestamp and details. Identical inputs always yield the
// same hash.
func Link(contentHash, previousHash string, ts time.Time, details canonical.Object) (string, error) {
	if details == nil {
		details = canonical.Object{}
	}
	record := canonical.Object{
		"content_hash":   canonical.String(contentHash),
		"previous_hash":  canonical.String(previousHash),
		"timestamp":      canonical.String(FormatTimestamp(ts)),
		"action_details": details,
	}
	return canonical.Hash(record)
}
