package ddosguard

import (
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/log"
	"github.com/robfig/cron/v3"
)

// Janitor runs the periodic maintenance cycle: expiring stale state in every
// store and scanning for distributed attacks. A cycle failure is logged and
// the next cycle runs anyway.
type Janitor struct {
	guard    *Guard
	cron     *cron.Cron
	schedule string
	logger   log.Logger

	mu      sync.Mutex
	running bool
}

func NewJanitor(guard *Guard, schedule string) *Janitor {
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Janitor{
		guard:    guard,
		cron:     cron.New(),
		schedule: schedule,
		logger:   guard.logger,
	}
}

func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	if _, err := j.cron.AddFunc(j.schedule, j.runCycle); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	j.cron.Start()
	j.running = true
	j.logger.Info().Str("schedule", j.schedule).Msg("maintenance janitor started")
	return nil
}

func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
	j.logger.Info().Msg("maintenance janitor stopped")
}

func (j *Janitor) runCycle() {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error().Str("panic", fmt.Sprint(r)).Msg("maintenance cycle panicked")
		}
	}()

	start := time.Now()
	j.guard.engine.CleanupExpired()
	evicted := j.guard.limiter.Sweep()
	j.guard.ledger.Cleanup()
	j.guard.dispatcher.Cleanup()

	j.guard.metrics.SetGauge("guard_tracked_clients", float64(j.guard.limiter.TrackedClients()), nil)
	j.guard.metrics.SetGauge("guard_audit_entries", float64(j.guard.engine.AuditSize()), nil)

	if j.guard.audit != nil {
		cutoff := time.Now().Add(-30 * 24 * time.Hour)
		if _, err := j.guard.audit.Prune(cutoff); err != nil {
			j.logger.Warn().Err(err).Msg("audit prune failed")
		}
	}

	j.checkDistributedAttack()
	j.checkAttackClusters()

	j.logger.Debug().
		Int("evicted_clients", evicted).
		Dur("elapsed", time.Since(start)).
		Msg("maintenance cycle complete")
}

func (j *Janitor) checkDistributedAttack() {
	report := j.guard.limiter.DistributedAttack(time.Minute)
	if !report.Detected {
		return
	}
	j.guard.metrics.IncrementCounter("guard_distributed_attacks_total", nil)
	j.guard.dispatcher.Send("distributed_attack",
		fmt.Sprintf("distributed attack suspected: %d active clients, %d high-rate (confidence %.2f)",
			report.ActiveClients, report.HighRateClients, report.Confidence),
		4,
		map[string]any{
			"active_clients":    report.ActiveClients,
			"high_rate_clients": report.HighRateClients,
			"confidence":        report.Confidence,
		})
}

func (j *Janitor) checkAttackClusters() {
	if j.guard.classifier == nil {
		return
	}
	actions := j.guard.engine.RecentEnforcement(time.Hour)
	if len(actions) == 0 {
		return
	}
	requests := make([]ClusterRequest, 0, len(actions))
	for _, a := range actions {
		requests = append(requests, ClusterRequest{
			ClientID:  a.ClientID,
			Timestamp: a.Timestamp,
			Severity:  a.Severity,
		})
	}
	report, err := j.guard.classifier.IdentifyAttackClusters(requests)
	if err != nil {
		j.logger.Warn().Err(err).Msg("attack clustering failed")
		return
	}
	if report.NumClusters == 0 {
		return
	}

	largest := 0
	for _, cluster := range report.Clusters {
		if len(cluster.Requests) > largest {
			largest = len(cluster.Requests)
		}
	}
	severity := 3
	if largest > 20 {
		severity = 5
	} else if largest > 10 {
		severity = 4
	}
	j.guard.dispatcher.Send("new_attack",
		fmt.Sprintf("%d coordinated enforcement clusters in the last hour (largest %d)",
			report.NumClusters, largest),
		severity,
		map[string]any{
			"clusters":        report.NumClusters,
			"largest_cluster": largest,
			"total_requests":  report.TotalRequests,
		})
}
