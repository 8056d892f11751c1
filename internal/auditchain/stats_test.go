package auditchain_test

import (
	"testing"

	"github.com/artpromedia/evidence-ledger/internal/auditchain"
	"github.com/artpromedia/evidence-ledger/internal/canonical"
)

func TestStatistics_counts(t *testing.T) {
	repo := auditchain.NewMemoryRepository()
	signed := newLedger(repo, testSigner(t))
	unsigned := newLedger(repo, nil)

	appendN(t, signed, "doc-1", 3)
	if _, err := unsigned.Append(ctx, auditchain.AppendRequest{SubjectID: "doc-2", ActionType: auditchain.ActionUpload}); err != nil {
		t.Fatal(err)
	}

	all, err := unsigned.Statistics(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if all.TotalEntries != 4 || all.Subjects != 2 || all.SignedEntries != 3 {
		t.Errorf("ledger stats: %+v", all)
	}
	if all.SignedFraction != 0.75 {
		t.Errorf("signed fraction: got %v, want 0.75", all.SignedFraction)
	}
	if all.ActionTypes[auditchain.ActionExtract] != 3 || all.ActionTypes[auditchain.ActionUpload] != 1 {
		t.Errorf("action types: %v", all.ActionTypes)
	}
	if all.Integrity == nil || all.Integrity.SampledSubjects != 2 || all.Integrity.Rate != 1 {
		t.Errorf("integrity sample: %+v", all.Integrity)
	}

	one, err := unsigned.Statistics(ctx, "doc-2")
	if err != nil {
		t.Fatal(err)
	}
	if one.TotalEntries != 1 || one.Subjects != 1 || one.Integrity != nil {
		t.Errorf("subject stats: %+v", one)
	}
}

func TestStatistics_sampleFlagsTamperedSubject(t *testing.T) {
	base := auditchain.NewMemoryRepository()
	l := newLedger(base, nil)
	appendN(t, l, "doc-a", 2)
	appendN(t, l, "doc-b", 2)

	repo := &tamperRepo{Repository: base, mutate: func(_ int, e *auditchain.Entry) {
		if e.SubjectID == "doc-b" {
			e.ActionDetails["ratio"] = canonical.Int(1)
		}
	}}
	stats, err := newLedger(repo, nil).Statistics(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	got := stats.Integrity
	if got.ValidSubjects != 1 || got.Rate != 0.5 {
		t.Errorf("integrity: %+v", got)
	}
	if len(got.InvalidSubjects) != 1 || got.InvalidSubjects[0] != "doc-b" {
		t.Errorf("invalid subjects: %v", got.InvalidSubjects)
	}
}

func TestIntegrity_sampleRotatesThroughSubjects(t *testing.T) {
	base := auditchain.NewMemoryRepository()
	subjects := []string{"doc-a", "doc-b", "doc-c", "doc-d", "doc-e"}
	for _, s := range subjects {
		appendN(t, newLedger(base, nil), s, 1)
	}

	// Every chain is broken, so InvalidSubjects names exactly the sample.
	repo := &tamperRepo{Repository: base, mutate: func(_ int, e *auditchain.Entry) {
		e.ActionDetails["ratio"] = canonical.Int(1)
	}}
	l := newLedger(repo, nil)

	seen := map[string]int{}
	var last []string
	for i := 0; i < 3; i++ {
		sample, err := l.Integrity(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if sample.SampledSubjects != 2 {
			t.Fatalf("pass %d sampled %d subjects, want 2", i, sample.SampledSubjects)
		}
		for _, s := range sample.InvalidSubjects {
			seen[s]++
		}
		last = sample.InvalidSubjects
	}

	for _, s := range subjects {
		if seen[s] == 0 {
			t.Errorf("%s was never sampled", s)
		}
	}
	if len(last) != 2 || last[0] != "doc-e" || last[1] != "doc-a" {
		t.Errorf("third pass should wrap around, got %v", last)
	}
}

func TestStatistics_sampleSizeBoundsVerification(t *testing.T) {
	l := newLedger(auditchain.NewMemoryRepository(), nil, auditchain.WithStatsSampleSize(2))
	for _, s := range []string{"a", "b", "c", "d"} {
		appendN(t, l, s, 1)
	}

	stats, err := l.Statistics(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Integrity.SampledSubjects != 2 {
		t.Errorf("sampled %d subjects, want 2", stats.Integrity.SampledSubjects)
	}

	full, err := l.Integrity(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if full.SampledSubjects != 4 {
		t.Errorf("full pass sampled %d subjects, want 4", full.SampledSubjects)
	}
}

func TestIntegrity_emptyLedger(t *testing.T) {
	l := newLedger(auditchain.NewMemoryRepository(), nil)
	sample, err := l.Integrity(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if sample.SampledSubjects != 0 || sample.Rate != 1 {
		t.Errorf("empty ledger integrity: %+v", sample)
	}
}
