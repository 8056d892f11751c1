package auditchain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/artpromedia/evidence-ledger/internal/auditchain"
	"github.com/artpromedia/evidence-ledger/internal/canonical"
)

func TestVerify_emptyChain(t *testing.T) {
	l := newLedger(auditchain.NewMemoryRepository(), nil)

	report, err := l.Verify(ctx, "nothing-here", auditchain.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.TotalEntries != 0 {
		t.Errorf("empty chain: valid=%v total=%d", report.Valid, report.TotalEntries)
	}
	if report.FirstBreak() != -1 {
		t.Errorf("FirstBreak() on empty chain: got %d, want -1", report.FirstBreak())
	}
	if report.BrokenLinks == nil || report.InvalidSignatures == nil || report.Errors == nil {
		t.Error("report lists should be empty, not nil")
	}
}

func TestVerify_detectsTamperedField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *auditchain.Entry)
	}{
		{"action details", func(e *auditchain.Entry) { e.ActionDetails["step"] = canonical.Int(99) }},
		{"content hash", func(e *auditchain.Entry) { e.ContentHash = "0000" }},
		{"previous hash", func(e *auditchain.Entry) { e.PreviousHash = "ffff" }},
		{"timestamp", func(e *auditchain.Entry) { e.Timestamp = e.Timestamp.Add(time.Second) }},
		{"chain hash", func(e *auditchain.Entry) { e.ChainHash = "abcd" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := auditchain.NewMemoryRepository()
			appendN(t, newLedger(base, nil), "doc-1", 3)

			repo := &tamperRepo{Repository: base, mutate: func(pos int, e *auditchain.Entry) {
				if pos == 1 {
					tt.mutate(e)
				}
			}}
			report, err := newLedger(repo, nil).Verify(ctx, "doc-1", auditchain.VerifyOptions{})
			if err != nil {
				t.Fatal(err)
			}
			if report.Valid {
				t.Fatal("tampering went undetected")
			}
			if got := report.FirstBreak(); got != 1 {
				t.Errorf("FirstBreak(): got %d, want 1", got)
			}
		})
	}
}

func TestVerify_policies(t *testing.T) {
	base := auditchain.NewMemoryRepository()
	appendN(t, newLedger(base, nil), "doc-1", 3)

	repo := &tamperRepo{Repository: base, mutate: func(pos int, e *auditchain.Entry) {
		if pos == 0 {
			e.ActionDetails["step"] = canonical.Int(42)
		}
	}}
	l := newLedger(repo, nil)

	isolate, err := l.Verify(ctx, "doc-1", auditchain.VerifyOptions{Policy: auditchain.PolicyIsolate})
	if err != nil {
		t.Fatal(err)
	}
	if len(isolate.BrokenLinks) != 1 || isolate.BrokenLinks[0].Position != 0 ||
		isolate.BrokenLinks[0].Kind != auditchain.BreakChainHash {
		t.Errorf("isolate: expected a single chain hash break at 0, got %+v", isolate.BrokenLinks)
	}
	if isolate.VerifiedEntries != 2 {
		t.Errorf("isolate: verified %d entries, want 2", isolate.VerifiedEntries)
	}

	cascade, err := l.Verify(ctx, "doc-1", auditchain.VerifyOptions{Policy: auditchain.PolicyCascade})
	if err != nil {
		t.Fatal(err)
	}
	kinds := make(map[int][]auditchain.BreakKind)
	for _, b := range cascade.BrokenLinks {
		kinds[b.Position] = append(kinds[b.Position], b.Kind)
	}
	if len(kinds[0]) != 1 {
		t.Errorf("cascade: position 0 findings %v", kinds[0])
	}
	for _, pos := range []int{1, 2} {
		if len(kinds[pos]) != 2 {
			t.Errorf("cascade: position %d findings %v, want chain and previous hash mismatches", pos, kinds[pos])
		}
	}
	if cascade.VerifiedEntries != 0 {
		t.Errorf("cascade: verified %d entries, want 0", cascade.VerifiedEntries)
	}
	if cascade.Policy != auditchain.PolicyCascade {
		t.Errorf("report policy: got %q", cascade.Policy)
	}
}

func TestVerify_concreteScenario(t *testing.T) {
	base := auditchain.NewMemoryRepository()
	l := newLedger(base, nil)

	upload, err := l.Append(ctx, auditchain.AppendRequest{
		SubjectID:     "S1",
		ActionType:    auditchain.ActionUpload,
		ActionDetails: details("file", "a.pdf"),
	})
	if err != nil {
		t.Fatal(err)
	}
	extract, err := l.Append(ctx, auditchain.AppendRequest{
		SubjectID:     "S1",
		ActionType:    auditchain.ActionExtract,
		ActionDetails: details("keywords", []any{"math"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if extract.PreviousHash != upload.ChainHash {
		t.Fatalf("entry 2 previous hash %q, want entry 1 chain hash %q", extract.PreviousHash, upload.ChainHash)
	}

	report, err := l.Verify(ctx, "S1", auditchain.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.TotalEntries != 2 {
		t.Fatalf("untouched chain: %+v", report)
	}

	// Entry 1 now says b.pdf in storage.
	tampered := newLedger(&tamperRepo{Repository: base, mutate: func(pos int, e *auditchain.Entry) {
		if pos == 0 {
			e.ActionDetails = details("file", "b.pdf")
		}
	}}, nil)

	tests := []struct {
		policy    auditchain.VerifyPolicy
		positions map[int][]auditchain.BreakKind
		verified  int
	}{
		{
			policy:    auditchain.PolicyIsolate,
			positions: map[int][]auditchain.BreakKind{0: {auditchain.BreakChainHash}},
			verified:  1,
		},
		{
			policy: auditchain.PolicyCascade,
			positions: map[int][]auditchain.BreakKind{
				0: {auditchain.BreakChainHash},
				1: {auditchain.BreakChainHash, auditchain.BreakPreviousHash},
			},
			verified: 0,
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			report, err := tampered.Verify(ctx, "S1", auditchain.VerifyOptions{Policy: tt.policy})
			if err != nil {
				t.Fatal(err)
			}
			if report.Valid {
				t.Fatal("tampered chain reported valid")
			}
			if report.TotalEntries != 2 || report.VerifiedEntries != tt.verified {
				t.Errorf("total=%d verified=%d, want 2/%d", report.TotalEntries, report.VerifiedEntries, tt.verified)
			}
			got := make(map[int][]auditchain.BreakKind)
			for _, b := range report.BrokenLinks {
				got[b.Position] = append(got[b.Position], b.Kind)
			}
			if len(got) != len(tt.positions) {
				t.Errorf("broken positions %v, want %v", got, tt.positions)
			}
			for pos, want := range tt.positions {
				if fmt.Sprint(got[pos]) != fmt.Sprint(want) {
					t.Errorf("position %d: findings %v, want %v", pos, got[pos], want)
				}
			}
			if report.FirstBreak() != 0 {
				t.Errorf("first break %d, want 0", report.FirstBreak())
			}
		})
	}
}

func TestVerify_defaultPolicyFromLedger(t *testing.T) {
	l := newLedger(auditchain.NewMemoryRepository(), nil, auditchain.WithVerifyPolicy(auditchain.PolicyCascade))
	report, err := l.Verify(ctx, "doc-1", auditchain.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Policy != auditchain.PolicyCascade {
		t.Errorf("policy: got %q, want cascade", report.Policy)
	}
}

func TestVerifyEntries_forkAndDuplicate(t *testing.T) {
	l := newLedger(auditchain.NewMemoryRepository(), nil)
	entries := appendN(t, l, "doc-1", 2)

	replay := *entries[1]
	replay.ID = "replayed"
	chain := []*auditchain.Entry{entries[0], entries[1], &replay}

	report := auditchain.VerifyEntries("doc-1", chain, nil, auditchain.VerifyOptions{})
	if report.Valid {
		t.Fatal("replayed entry went undetected")
	}

	found := make(map[auditchain.BreakKind]auditchain.BrokenLink)
	for _, b := range report.BrokenLinks {
		if b.Position == 2 {
			found[b.Kind] = b
		}
	}
	for _, kind := range []auditchain.BreakKind{auditchain.BreakFork, auditchain.BreakDuplicateChainHash, auditchain.BreakPreviousHash} {
		b, ok := found[kind]
		if !ok {
			t.Errorf("missing %s finding at position 2", kind)
			continue
		}
		if kind != auditchain.BreakPreviousHash && (b.RelatedPosition == nil || *b.RelatedPosition != 1) {
			t.Errorf("%s: related position %v, want 1", kind, b.RelatedPosition)
		}
	}
}

func TestVerify_invalidSignature(t *testing.T) {
	signer := testSigner(t)
	base := auditchain.NewMemoryRepository()
	appendN(t, newLedger(base, signer), "doc-1", 3)

	repo := &tamperRepo{Repository: base, mutate: func(pos int, e *auditchain.Entry) {
		if pos == 2 {
			e.Signature = flipSignature(t, e.Signature)
		}
	}}
	l := newLedger(repo, signer)

	report, err := l.Verify(ctx, "doc-1", auditchain.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid || len(report.InvalidSignatures) != 1 || report.InvalidSignatures[0].Position != 2 {
		t.Errorf("expected one invalid signature at 2, got %+v", report.InvalidSignatures)
	}
	if len(report.BrokenLinks) != 0 {
		t.Errorf("signature change should not break links: %+v", report.BrokenLinks)
	}
	if !report.SignaturesChecked {
		t.Error("signatures should have been checked")
	}

	skipped, err := l.Verify(ctx, "doc-1", auditchain.VerifyOptions{SkipSignatures: true})
	if err != nil {
		t.Fatal(err)
	}
	if !skipped.Valid || skipped.SignaturesChecked {
		t.Errorf("skip signatures: valid=%v checked=%v", skipped.Valid, skipped.SignaturesChecked)
	}
}

func TestVerify_withoutPublicKeySignaturesUnchecked(t *testing.T) {
	repo := auditchain.NewMemoryRepository()
	appendN(t, newLedger(repo, testSigner(t)), "doc-1", 2)

	report, err := newLedger(repo, nil).Verify(ctx, "doc-1", auditchain.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Errorf("expected valid chain, got %+v", report)
	}
	if report.SignaturesChecked {
		t.Error("signatures cannot be checked without a public key")
	}
}

func TestVerify_storageErrorIsNotAFinding(t *testing.T) {
	cause := errors.New("disk on fire")
	l := newLedger(&failingRepo{err: cause}, nil)

	report, err := l.Verify(ctx, "doc-1", auditchain.VerifyOptions{})
	if err == nil {
		t.Fatalf("expected an error, got report %+v", report)
	}
	var se *auditchain.StorageError
	if !errors.As(err, &se) {
		t.Errorf("expected *StorageError, got %T", err)
	}
}

func TestParseVerifyPolicy(t *testing.T) {
	for in, want := range map[string]auditchain.VerifyPolicy{
		"":        auditchain.PolicyIsolate,
		"isolate": auditchain.PolicyIsolate,
		"cascade": auditchain.PolicyCascade,
	} {
		got, err := auditchain.ParseVerifyPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseVerifyPolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := auditchain.ParseVerifyPolicy("strict"); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}
