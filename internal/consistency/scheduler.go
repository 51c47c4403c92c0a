package consistency

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hyperjump/kiroku/internal/models"
)

// RepairFunc repairs one recoverable document. Wired to the repair engine
// when auto-repair is enabled.
type RepairFunc func(ctx context.Context, docID string) error

// PeriodicScanner runs consistency scans on a cron schedule and optionally
// routes recoverable documents straight to repair.
type PeriodicScanner struct {
	checker  *Checker
	schedule string
	repair   RepairFunc // nil disables auto-repair
	cron     *cron.Cron
	logger   *zap.Logger
}

// NewPeriodicScanner creates a scanner. schedule is a standard cron spec
// (five fields). repair may be nil.
func NewPeriodicScanner(checker *Checker, schedule string, repair RepairFunc, logger *zap.Logger) *PeriodicScanner {
	return &PeriodicScanner{
		checker:  checker,
		schedule: schedule,
		repair:   repair,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start registers the scan job and starts the scheduler.
func (p *PeriodicScanner) Start() error {
	if _, err := p.cron.AddFunc(p.schedule, p.runOnce); err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("periodic consistency scan scheduled",
		zap.String("schedule", p.schedule), zap.Bool("auto_repair", p.repair != nil))
	return nil
}

// Stop stops the scheduler and waits for a running scan to finish.
func (p *PeriodicScanner) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

func (p *PeriodicScanner) runOnce() {
	ctx := context.Background()
	result, err := p.checker.Scan(ctx)
	if err != nil {
		p.logger.Error("scheduled consistency scan failed", zap.Error(err))
		return
	}
	if p.repair == nil {
		return
	}
	for _, report := range result.Reports {
		if report.Classification != models.ClassRecoverable {
			continue
		}
		if err := p.repair(ctx, report.DocID); err != nil {
			p.logger.Warn("auto-repair failed",
				zap.String("doc_id", report.DocID), zap.Error(err))
		} else {
			p.logger.Info("auto-repair succeeded", zap.String("doc_id", report.DocID))
		}
	}
}
