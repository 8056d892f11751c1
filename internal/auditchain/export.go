package auditchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/artpromedia/evidence-ledger/internal/canonical"
	"go.uber.org/zap"
)

// ExportOptions tunes an export.
type ExportOptions struct {
	// IncludeSensitive keeps entry signatures in the bundle.
	IncludeSensitive bool
}

// ExportBundle is a self-describing copy of one subject's chain. Anyone
// holding only the bundle can recompute ExportHash from Entries and replay
// the chain without database access.
type ExportBundle struct {
	SubjectID          string              `json:"subject_id"`
	ExportTimestamp    string              `json:"export_timestamp"`
	TotalEntries       int                 `json:"total_entries"`
	HashAlgorithm      string              `json:"hash_algorithm"`
	Canonicalization   string              `json:"canonicalization"`
	NullPreviousHash   string              `json:"null_previous_hash"`
	TimestampLayout    string              `json:"timestamp_layout"`
	SignatureAlgorithm string              `json:"signature_algorithm,omitempty"`
	PublicKey          string              `json:"public_key,omitempty"`
	ChainVerification  *VerificationReport `json:"chain_verification"`
	Entries            []*Entry            `json:"entries"`
	ExportHash         string              `json:"export_hash"`
}

// ComputeExportHash returns the content hash of entries as they appear in a
// bundle's JSON.
func ComputeExportHash(entries []*Entry) (string, error) {
	if entries == nil {
		entries = []*Entry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal entries: %w", err)
	}
	return hashRawEntries(raw)
}

func hashRawEntries(raw []byte) (string, error) {
	val, err := canonical.ParseJSON(raw)
	if err != nil {
		return "", err
	}
	return canonical.Hash(val)
}

// Export builds a verifiable bundle of the subject's chain in chronological
// order, together with its verification report. Signatures are omitted
// unless opts.IncludeSensitive is set.
func (l *Ledger) Export(ctx context.Context, subjectID string, opts ExportOptions) (*ExportBundle, error) {
	entries, err := l.repo.List(ctx, Filter{SubjectID: subjectID})
	if err != nil {
		return nil, storageErr("list", err)
	}
	if entries == nil {
		entries = []*Entry{}
	}

	report := VerifyEntries(subjectID, entries, l.signer, VerifyOptions{Policy: l.policy})
	if l.onVerify != nil {
		l.onVerify(report.Valid)
	}

	if !opts.IncludeSensitive {
		for _, e := range entries {
			e.Signature = ""
		}
	}

	exportHash, err := ComputeExportHash(entries)
	if err != nil {
		return nil, err
	}

	bundle := &ExportBundle{
		SubjectID:         subjectID,
		ExportTimestamp:   FormatTimestamp(l.now()),
		TotalEntries:      len(entries),
		HashAlgorithm:     canonical.Algorithm,
		Canonicalization:  canonical.Scheme,
		NullPreviousHash:  NullHash,
		TimestampLayout:   TimestampLayout,
		ChainVerification: report,
		Entries:           entries,
		ExportHash:        exportHash,
	}
	if l.signer.CanVerify() {
		bundle.SignatureAlgorithm = SignatureAlgorithm
		bundle.PublicKey = string(l.signer.PublicKeyPEM())
	}

	l.logger.Info("audit chain exported",
		zap.String("subject_id", subjectID),
		zap.Int("entries", len(entries)),
		zap.Bool("chain_valid", report.Valid),
		zap.Bool("include_sensitive", opts.IncludeSensitive),
	)
	return bundle, nil
}

// ExportCheck is the result of checking a saved bundle offline.
type ExportCheck struct {
	SubjectID          string              `json:"subject_id"`
	ExportHashValid    bool                `json:"export_hash_valid"`
	RecordedExportHash string              `json:"recorded_export_hash"`
	ComputedExportHash string              `json:"computed_export_hash"`
	Chain              *VerificationReport `json:"chain_verification"`
}

// Valid reports whether the bundle is untouched and its chain intact.
func (c *ExportCheck) Valid() bool {
	return c.ExportHashValid && c.Chain != nil && c.Chain.Valid
}

// VerifyExport checks a serialized ExportBundle without database access:
// it recomputes the export hash from the raw entries array and replays the
// chain. signer may be nil to skip signature checks.
func VerifyExport(raw []byte, signer *Signer, opts VerifyOptions) (*ExportCheck, error) {
	var envelope struct {
		SubjectID  string          `json:"subject_id"`
		Entries    json.RawMessage `json:"entries"`
		ExportHash string          `json:"export_hash"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode export bundle: %w", err)
	}
	if len(envelope.Entries) == 0 {
		return nil, errors.New("export bundle has no entries array")
	}

	computed, err := hashRawEntries(envelope.Entries)
	if err != nil {
		return nil, fmt.Errorf("hash export entries: %w", err)
	}

	var entries []*Entry
	if err := json.Unmarshal(envelope.Entries, &entries); err != nil {
		return nil, fmt.Errorf("decode export entries: %w", err)
	}

	return &ExportCheck{
		SubjectID:          envelope.SubjectID,
		ExportHashValid:    computed == envelope.ExportHash,
		RecordedExportHash: envelope.ExportHash,
		ComputedExportHash: computed,
		Chain:              VerifyEntries(envelope.SubjectID, entries, signer, opts),
	}, nil
}
