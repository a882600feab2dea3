package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CronService manages scheduled background jobs
type CronService struct {
	cron       *cron.Cron
	reconciler *HoldReconcilerService
	schedule   string
	timeout    time.Duration
	logger     *logrus.Logger

	mu         sync.Mutex
	lastReport *ReconcileReport
	lastRun    time.Time
}

// NewCronService creates a new CronService. schedule uses the six-field
// format with seconds, e.g. "0 */5 * * * *".
func NewCronService(reconciler *HoldReconcilerService, schedule string, logger *logrus.Logger) *CronService {
	c := cron.New(
		cron.WithSeconds(),
		// A slow pass must not overlap the next one
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	return &CronService{
		cron:       c,
		reconciler: reconciler,
		schedule:   schedule,
		timeout:    4 * time.Minute,
		logger:     logger,
	}
}

// Start starts all cron jobs
func (s *CronService) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.reconcileJob); err != nil {
		return fmt.Errorf("failed to schedule reconcile job: %w", err)
	}
	s.cron.Start()
	s.logger.WithField("schedule", s.schedule).Info("Cron service started: hold reconciliation")
	return nil
}

// Stop stops all cron jobs and waits for a running one to finish
func (s *CronService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron service stopped")
}

func (s *CronService) reconcileJob() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.RunReconcileNow(ctx); err != nil {
		s.logger.WithError(err).Error("[CRON] Hold reconciliation failed")
	}
}

// RunReconcileNow runs one reconciliation pass immediately
func (s *CronService) RunReconcileNow(ctx context.Context) (*ReconcileReport, error) {
	start := time.Now()
	report, err := s.reconciler.RunOnce(ctx)

	s.mu.Lock()
	s.lastReport = report
	s.lastRun = start
	s.mu.Unlock()

	if err != nil {
		return report, err
	}
	s.logger.WithFields(logrus.Fields{
		"pending_resolved": report.PendingResolved,
		"pending_failed":   report.PendingFailed,
		"stranded_voided":  report.StrandedVoided,
		"stranded_failed":  report.StrandedFailed,
		"slots_cancelled":  report.SlotsCancelled,
		"uncaptured":       report.Uncaptured,
		"deferred":         report.Deferred,
		"duration":         time.Since(start).String(),
	}).Info("[CRON] Hold reconciliation finished")
	return report, nil
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"running":     len(entries) > 0,
		"job_count":   len(entries),
		"jobs":        jobs,
		"last_run":    s.lastRun,
		"last_report": s.lastReport,
	}
}
