package auditchain_test

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/artpromedia/evidence-ledger/internal/auditchain"
	"github.com/artpromedia/evidence-ledger/internal/canonical"
	"go.uber.org/zap"
)

var ctx = context.Background()

var (
	keyOnce    sync.Once
	keyPrivPEM []byte
	keyPubPEM  []byte
	keyErr     error
)

// testKeys generates one RSA key pair per test binary.
func testKeys(t *testing.T) (privPEM, pubPEM []byte) {
	t.Helper()
	keyOnce.Do(func() {
		keyPrivPEM, keyPubPEM, keyErr = auditchain.GenerateKeyPair(2048)
	})
	if keyErr != nil {
		t.Fatal(keyErr)
	}
	return keyPrivPEM, keyPubPEM
}

func testSigner(t *testing.T) *auditchain.Signer {
	t.Helper()
	priv, pub := testKeys(t)
	s, err := auditchain.LoadSigner(priv, pub)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// stepClock returns the same instant on every call; the ledger moves later
// entries forward by a microsecond.
func stepClock() func() time.Time {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return base }
}

func newLedger(repo auditchain.Repository, signer *auditchain.Signer, opts ...auditchain.Option) *auditchain.Ledger {
	opts = append([]auditchain.Option{auditchain.WithClock(stepClock())}, opts...)
	return auditchain.NewLedger(repo, signer, zap.NewNop(), opts...)
}

func details(kv ...any) canonical.Object {
	obj := canonical.Object{}
	for i := 0; i+1 < len(kv); i += 2 {
		v, err := canonical.FromAny(kv[i+1])
		if err != nil {
			panic(err)
		}
		obj[kv[i].(string)] = v
	}
	return obj
}

func appendN(t *testing.T, l *auditchain.Ledger, subject string, n int) []*auditchain.Entry {
	t.Helper()
	var out []*auditchain.Entry
	for i := 0; i < n; i++ {
		e, err := l.Append(ctx, auditchain.AppendRequest{
			SubjectID:     subject,
			ActionType:    auditchain.ActionExtract,
			PerformedBy:   "worker-1",
			ActionDetails: details("step", i, "ratio", 0.25, "tags", []any{"a", "b"}),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

// tamperRepo rewrites entries as they are read back, simulating edits made
// directly in storage.
type tamperRepo struct {
	auditchain.Repository
	mutate func(pos int, e *auditchain.Entry)
}

func (r *tamperRepo) List(ctx context.Context, f auditchain.Filter) ([]*auditchain.Entry, error) {
	entries, err := r.Repository.List(ctx, f)
	if err != nil || r.mutate == nil {
		return entries, err
	}
	for i, e := range entries {
		r.mutate(i, e)
	}
	return entries, nil
}

// failingRepo fails every call with err.
type failingRepo struct {
	auditchain.Repository
	err error
}

func (r *failingRepo) Head(context.Context, string) (auditchain.Head, bool, error) {
	return auditchain.Head{}, false, r.err
}

func (r *failingRepo) List(context.Context, auditchain.Filter) ([]*auditchain.Entry, error) {
	return nil, r.err
}

func (r *failingRepo) Summarize(context.Context, string) (auditchain.Summary, error) {
	return auditchain.Summary{}, r.err
}

func (r *failingRepo) ListSubjects(context.Context, int) ([]string, error) {
	return nil, r.err
}

// conflictRepo loses every append race.
type conflictRepo struct {
	*auditchain.MemoryRepository
	attempts int
}

func (r *conflictRepo) Append(context.Context, *auditchain.Entry) error {
	r.attempts++
	return auditchain.ErrConflict
}

func flipSignature(t *testing.T, sig string) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)/2] ^= 0x01
	return base64.StdEncoding.EncodeToString(raw)
}
