// Package health runs a background integrity monitor that periodically
// re-verifies every subject's audit chain and reports broken ones.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpromedia/evidence-ledger/internal/auditchain"
	"go.uber.org/zap"
)

// Config holds integrity monitor configuration.
type Config struct {
	CheckInterval time.Duration
	VerifyTimeout time.Duration // per subject
	Concurrency   int
}

// Ledger is the subset of *auditchain.Ledger the monitor needs.
type Ledger interface {
	Subjects(ctx context.Context, limit int) ([]string, error)
	Verify(ctx context.Context, subjectID string, opts auditchain.VerifyOptions) (*auditchain.VerificationReport, error)
}

// AlertFunc is an optional callback invoked when a subject's chain first
// fails verification.
type AlertFunc func(ctx context.Context, subjectID string, report *auditchain.VerificationReport)

// MetricsRecordFunc is an optional callback receiving the number of broken
// subjects after each pass.
type MetricsRecordFunc func(broken int)

// Status is the outcome of the most recent pass.
type Status struct {
	LastRun  time.Time `json:"last_run"`
	Checked  int       `json:"checked"`
	Failed   int       `json:"failed"` // subjects whose verification errored
	Broken   []string  `json:"broken"`
	Healthy  bool      `json:"healthy"`
	Duration string    `json:"duration"`
}

// Checker re-verifies audit chains on an interval.
type Checker struct {
	ledger    Ledger
	cfg       Config
	mu        sync.Mutex
	broken    map[string]int // subject -> first broken position
	status    Status
	onAlert   AlertFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Checker.
func New(ledger Ledger, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if cfg.VerifyTimeout == 0 {
		cfg.VerifyTimeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	return &Checker{
		ledger: ledger,
		cfg:    cfg,
		broken: make(map[string]int),
		status: Status{Healthy: true, Broken: []string{}},
		logger: logger,
	}
}

// SetAlert configures the broken-chain callback.
func (h *Checker) SetAlert(fn AlertFunc) {
	h.onAlert = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs a pass immediately and then on every tick until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	h.CheckAll(ctx)
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Run starts the monitor in the background. The returned wait blocks until
// Start has returned, including any pass still in flight when ctx ended.
func (h *Checker) Run(ctx context.Context) (wait func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Start(ctx)
	}()
	return func() { <-done }
}

// Status returns a copy of the latest pass result.
func (h *Checker) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.status
	s.Broken = append([]string(nil), h.status.Broken...)
	return s
}

// CheckAll verifies every subject with bounded concurrency.
func (h *Checker) CheckAll(ctx context.Context) {
	start := time.Now()
	subjects, err := h.ledger.Subjects(ctx, 0)
	if err != nil {
		h.logger.Error("integrity: list subjects", zap.Error(err))
		return
	}

	sem := make(chan struct{}, h.cfg.Concurrency)
	var (
		wg     sync.WaitGroup
		failed int
		mu     sync.Mutex
	)

	for _, s := range subjects {
		wg.Add(1)
		go func(subject string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			vctx, cancel := context.WithTimeout(ctx, h.cfg.VerifyTimeout)
			report, err := h.ledger.Verify(vctx, subject, auditchain.VerifyOptions{})
			cancel()
			if err != nil {
				h.logger.Warn("integrity: verify", zap.String("subject", subject), zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			h.record(ctx, subject, report)
		}(s)
	}
	wg.Wait()

	h.mu.Lock()
	broken := make([]string, 0, len(h.broken))
	for subject := range h.broken {
		broken = append(broken, subject)
	}
	sort.Strings(broken)
	h.status = Status{
		LastRun:  start.UTC(),
		Checked:  len(subjects),
		Failed:   failed,
		Broken:   broken,
		Healthy:  len(broken) == 0,
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	h.mu.Unlock()

	if h.onMetrics != nil {
		h.onMetrics(len(broken))
	}
	h.logger.Debug("integrity: pass complete",
		zap.Int("checked", len(subjects)),
		zap.Int("broken", len(broken)),
		zap.Int("failed", failed),
	)
}

func (h *Checker) record(ctx context.Context, subject string, report *auditchain.VerificationReport) {
	h.mu.Lock()
	_, wasBroken := h.broken[subject]
	if report.Valid {
		delete(h.broken, subject)
	} else {
		h.broken[subject] = report.FirstBreak()
	}
	h.mu.Unlock()

	switch {
	case !report.Valid && !wasBroken:
		h.logger.Error("integrity: audit chain broken",
			zap.String("subject", subject),
			zap.Int("first_break", report.FirstBreak()),
			zap.Int("broken_links", len(report.BrokenLinks)),
			zap.Int("invalid_signatures", len(report.InvalidSignatures)),
		)
		if h.onAlert != nil {
			h.onAlert(ctx, subject, report)
		}
	case report.Valid && wasBroken:
		h.logger.Info("integrity: audit chain verifies again", zap.String("subject", subject))
	}
}
