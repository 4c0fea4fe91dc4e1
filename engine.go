package ddosguard

import (
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/log"
)

// ActionKind enumerates the automated responses the engine can take.
type ActionKind string

const (
	ActionAllow    ActionKind = "allow"
	ActionThrottle ActionKind = "throttle"
	ActionCaptcha  ActionKind = "captcha"
	ActionBlock    ActionKind = "block"
	ActionMonitor  ActionKind = "monitor"
)

// ResponseAction is one audit record of a non-allow decision.
type ResponseAction struct {
	Kind      ActionKind     `json:"action"`
	ClientID  string         `json:"client_id"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration"`
	Reason    string         `json:"reason"`
	Severity  int            `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
}

// IsActive reports whether the action still binds at the given instant.
func (a ResponseAction) IsActive(now time.Time) bool {
	return now.Sub(a.Timestamp) < a.Duration
}

// Decision is the engine's verdict for one request.
type Decision struct {
	Action      ActionKind     `json:"action"`
	Allowed     bool           `json:"allowed"`
	Reason      string         `json:"reason"`
	Duration    time.Duration  `json:"duration,omitempty"`
	Rate        float64        `json:"rate,omitempty"`
	ChallengeID string         `json:"challenge_id,omitempty"`
	ExpiresAt   time.Time      `json:"expires_at,omitempty"`
	Severity    int            `json:"severity,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// CaptchaVerification is the engine-level verify outcome, including the
// escalation signal when failed attempts exhaust the configured budget.
type CaptchaVerification struct {
	Success       bool          `json:"success"`
	Status        string        `json:"status"`
	Message       string        `json:"message"`
	Blocked       bool          `json:"blocked,omitempty"`
	BlockDuration time.Duration `json:"block_duration,omitempty"`
}

// ClientStatus aggregates a client's current standing plus its last 24h of
// audit actions, newest first.
type ClientStatus struct {
	ClientID        string           `json:"client_id"`
	Blocked         bool             `json:"blocked"`
	Throttled       bool             `json:"throttled"`
	ThrottleRate    float64          `json:"throttle_rate,omitempty"`
	ThrottleExpires time.Time        `json:"throttle_expires,omitempty"`
	CaptchaRequired bool             `json:"captcha_required"`
	CaptchaID       string           `json:"captcha_id,omitempty"`
	CaptchaExpires  time.Time        `json:"captcha_expires,omitempty"`
	RecentActions   []ResponseAction `json:"recent_actions"`
}

type throttleEntry struct {
	rate  float64
	until time.Time
}

const (
	maxAuditEntries  = 10000
	statusHistoryAge = 24 * time.Hour
)

// ResponseEngine decides how to respond to a client given its suspicion
// level: block, captcha, throttle, monitor, or allow, in that priority
// order. All decisions consult the live configuration so admin updates take
// effect immediately.
type ResponseEngine struct {
	config     *ConfigStore
	limiter    *SlidingWindowLimiter
	challenges *ChallengeStore
	classifier AnomalyClassifier
	audit      *AuditStore
	logger     log.Logger

	mu        sync.Mutex
	actions   []ResponseAction
	auditCap  int
	blocked   map[string]blockEntry
	throttled map[string]throttleEntry

	now func() time.Time
}

// NewResponseEngine wires the engine to its collaborators. classifier and
// audit may be nil; the corresponding steps are skipped.
func NewResponseEngine(config *ConfigStore, limiter *SlidingWindowLimiter, challenges *ChallengeStore, classifier AnomalyClassifier, audit *AuditStore, logger log.Logger) *ResponseEngine {
	return &ResponseEngine{
		config:     config,
		limiter:    limiter,
		challenges: challenges,
		classifier: classifier,
		audit:      audit,
		logger:     logger,
		auditCap:   maxAuditEntries,
		blocked:    make(map[string]blockEntry),
		throttled:  make(map[string]throttleEntry),
		now:        time.Now,
	}
}

// Decide evaluates the client against the current config and records every
// non-allow outcome in the audit log. The anomaly classifier runs outside
// the engine lock and fails open.
func (e *ResponseEngine) Decide(clientID string, suspicion int, features RequestFeatures) Decision {
	cfg := e.config.Current()

	decision, consult := e.decideLocked(clientID, suspicion, cfg)
	if !consult {
		return decision
	}

	// Monitor step: classifier errors mean "no anomaly" on purpose, the
	// decision path stays available when the model is down.
	verdict, err := e.classifier.DetectAnomaly(features)
	if err != nil {
		e.logger.Warn().Err(err).Str("client", clientID).Msg("anomaly classifier failed, treating as clean")
		return Decision{Action: ActionAllow, Allowed: true, Reason: "below threshold for automated response"}
	}
	if !verdict.IsAnomaly {
		return Decision{Action: ActionAllow, Allowed: true, Reason: "below threshold for automated response"}
	}

	action := ResponseAction{
		Kind:      ActionMonitor,
		ClientID:  clientID,
		Timestamp: e.now(),
		Duration:  30 * time.Minute,
		Reason:    "anomaly classifier flagged request",
		Severity:  suspicion,
		Details:   map[string]any{"anomaly_probability": verdict.AnomalyProbability},
	}
	e.mu.Lock()
	e.recordLocked(action)
	e.mu.Unlock()

	return Decision{
		Action:   ActionMonitor,
		Allowed:  true,
		Reason:   "allowed but flagged by anomaly detection",
		Severity: suspicion,
		Details:  map[string]any{"anomaly_probability": verdict.AnomalyProbability},
	}
}

// decideLocked runs the in-memory half of the decision ladder. The second
// return is true when the caller should consult the classifier.
func (e *ResponseEngine) decideLocked(clientID string, suspicion int, cfg Config) (Decision, bool) {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if entry, ok := e.blocked[clientID]; ok {
		if entry.active(now) {
			decision := Decision{
				Action:    ActionBlock,
				Allowed:   false,
				Reason:    "client is blocked",
				Duration:  entry.duration,
				ExpiresAt: entry.start.Add(entry.duration),
			}
			if active := e.activeActionLocked(clientID, ActionBlock, now); active != nil {
				decision.Reason = active.Reason
				decision.Severity = active.Severity
				decision.Details = active.Details
			}
			return decision, false
		}
		delete(e.blocked, clientID)
	}

	if pending, ok := e.challenges.Pending(clientID); ok {
		return Decision{
			Action:      ActionCaptcha,
			Allowed:     false,
			Reason:      "CAPTCHA required",
			ChallengeID: pending.ID,
			ExpiresAt:   pending.ExpiresAt,
		}, false
	}

	if cfg.Blocking.Enabled && suspicion >= cfg.Blocking.AutoBlockThreshold {
		reason := "suspicion_4"
		if suspicion >= maxSuspicionLevel {
			reason = "suspicion_5"
		}
		duration := cfg.BlockDuration(reason)
		e.blockLocked(clientID, duration, fmt.Sprintf("high suspicion level (%d)", suspicion), suspicion, now)
		return Decision{
			Action:   ActionBlock,
			Allowed:  false,
			Reason:   fmt.Sprintf("automatically blocked at suspicion level %d", suspicion),
			Duration: duration,
			Severity: suspicion,
		}, false
	}

	if cfg.Captcha.Enabled && suspicion >= cfg.Captcha.SuspicionThreshold {
		solvedAt, solved := e.challenges.LastSolved(clientID)
		if !solved || now.Sub(solvedAt) >= cfg.CaptchaCooldown() {
			challenge := e.challenges.Issue(clientID, cfg.ChallengeDuration())
			e.recordLocked(ResponseAction{
				Kind:      ActionCaptcha,
				ClientID:  clientID,
				Timestamp: now,
				Duration:  cfg.ChallengeDuration(),
				Reason:    "CAPTCHA challenge issued",
				Severity:  3,
				Details:   map[string]any{"challenge_id": challenge.ID},
			})
			return Decision{
				Action:      ActionCaptcha,
				Allowed:     false,
				Reason:      fmt.Sprintf("CAPTCHA required at suspicion level %d", suspicion),
				ChallengeID: challenge.ID,
				ExpiresAt:   challenge.ExpiresAt,
				Severity:    3,
			}, false
		}
	}

	if cfg.Throttling.Enabled && suspicion > 0 {
		if tier, ok := cfg.ThrottleTier(suspicion); ok {
			duration := time.Duration(tier.Duration) * time.Second
			e.throttled[clientID] = throttleEntry{rate: tier.Rate, until: now.Add(duration)}
			e.recordLocked(ResponseAction{
				Kind:      ActionThrottle,
				ClientID:  clientID,
				Timestamp: now,
				Duration:  duration,
				Reason:    fmt.Sprintf("suspicion level %d", suspicion),
				Severity:  suspicion,
				Details:   map[string]any{"rate": tier.Rate},
			})
			// Allowed, but at a reduced rate: enforcing the reduced rate is
			// the caller's job, the engine records intent.
			return Decision{
				Action:   ActionThrottle,
				Allowed:  true,
				Reason:   fmt.Sprintf("throttled at suspicion level %d", suspicion),
				Duration: duration,
				Rate:     tier.Rate,
				Severity: suspicion,
			}, false
		}
	}

	if suspicion >= 2 && e.classifier != nil {
		return Decision{}, true
	}

	return Decision{Action: ActionAllow, Allowed: true, Reason: "below threshold for automated response"}, false
}

// Block imposes a block on the client outside the normal decision ladder
// (operator action or captcha escalation).
func (e *ResponseEngine) Block(clientID string, duration time.Duration, reason string, severity int) {
	e.mu.Lock()
	e.blockLocked(clientID, duration, reason, severity, e.now())
	e.mu.Unlock()
}

func (e *ResponseEngine) blockLocked(clientID string, duration time.Duration, reason string, severity int, now time.Time) {
	e.blocked[clientID] = blockEntry{start: now, duration: duration}
	e.limiter.Block(clientID, duration)
	e.recordLocked(ResponseAction{
		Kind:      ActionBlock,
		ClientID:  clientID,
		Timestamp: now,
		Duration:  duration,
		Reason:    reason,
		Severity:  severity,
		Details:   map[string]any{"unblock_time": now.Add(duration)},
	})
}

// Unblock lifts a client's block early. The originating block action is
// shortened in place so a later cleanup does not reinstate it.
func (e *ResponseEngine) Unblock(clientID string) {
	now := e.now()
	e.mu.Lock()
	delete(e.blocked, clientID)
	for i := range e.actions {
		a := &e.actions[i]
		if a.ClientID == clientID && a.Kind == ActionBlock && a.IsActive(now) {
			a.Duration = now.Sub(a.Timestamp)
			a.Details["unblock_time"] = now
		}
	}
	e.mu.Unlock()
	e.limiter.Unblock(clientID)
}

// IsBlocked reports whether the client currently has an unexpired block.
func (e *ResponseEngine) IsBlocked(clientID string) bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.blocked[clientID]
	if !ok {
		return false
	}
	if !entry.active(now) {
		delete(e.blocked, clientID)
		return false
	}
	return true
}

// VerifyCaptcha validates a solution and escalates to a block when the
// client exhausts the configured failed-attempt budget.
func (e *ResponseEngine) VerifyCaptcha(clientID, challengeID, solution string) CaptchaVerification {
	cfg := e.config.Current()
	result := e.challenges.Verify(clientID, challengeID, solution)

	switch result.Status {
	case VerifySolved:
		e.markChallengeSolved(clientID, challengeID)
		return CaptchaVerification{Success: true, Status: result.Status, Message: "CAPTCHA solved"}
	case VerifyNoChallenge:
		return CaptchaVerification{Status: result.Status, Message: "no active CAPTCHA challenge"}
	case VerifyInvalidID:
		return CaptchaVerification{Status: result.Status, Message: "invalid challenge id"}
	case VerifyExpired:
		return CaptchaVerification{Status: result.Status, Message: "CAPTCHA challenge expired"}
	}

	if result.FailedAttempts >= cfg.Blocking.MaxFailedCaptchas {
		duration := cfg.BlockDuration("failed_captcha")
		e.Block(clientID, duration, "multiple failed CAPTCHA attempts", 4)
		e.challenges.Clear(clientID)
		return CaptchaVerification{
			Status:        result.Status,
			Message:       "too many failed CAPTCHA attempts, client blocked",
			Blocked:       true,
			BlockDuration: duration,
		}
	}
	return CaptchaVerification{Status: result.Status, Message: "incorrect CAPTCHA solution"}
}

func (e *ResponseEngine) markChallengeSolved(clientID, challengeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.actions) - 1; i >= 0; i-- {
		a := &e.actions[i]
		if a.ClientID != clientID || a.Kind != ActionCaptcha {
			continue
		}
		if id, _ := a.Details["challenge_id"].(string); id == challengeID {
			a.Details["solved"] = true
			return
		}
	}
}

// Status reports the client's current standing. Each flag is lazily expired
// on read.
func (e *ResponseEngine) Status(clientID string) ClientStatus {
	now := e.now()
	status := ClientStatus{ClientID: clientID}

	e.mu.Lock()
	if entry, ok := e.blocked[clientID]; ok {
		if entry.active(now) {
			status.Blocked = true
		} else {
			delete(e.blocked, clientID)
		}
	}
	if entry, ok := e.throttled[clientID]; ok {
		if now.Before(entry.until) {
			status.Throttled = true
			status.ThrottleRate = entry.rate
			status.ThrottleExpires = entry.until
		} else {
			delete(e.throttled, clientID)
		}
	}
	cutoff := now.Add(-statusHistoryAge)
	for i := len(e.actions) - 1; i >= 0; i-- {
		a := e.actions[i]
		if a.ClientID == clientID && a.Timestamp.After(cutoff) {
			status.RecentActions = append(status.RecentActions, a)
		}
	}
	e.mu.Unlock()

	if pending, ok := e.challenges.Pending(clientID); ok {
		status.CaptchaRequired = true
		status.CaptchaID = pending.ID
		status.CaptchaExpires = pending.ExpiresAt
	}
	return status
}

// ThrottleRate returns the client's active throttle rate, or 1.0 when none.
func (e *ResponseEngine) ThrottleRate(clientID string) float64 {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.throttled[clientID]
	if !ok || !now.Before(entry.until) {
		return 1.0
	}
	return entry.rate
}

// CleanupExpired recomputes the blocked set from the currently active block
// actions and drops expired throttles and dead challenges. Safe to run
// repeatedly; a second pass with no time elapsed is a no-op.
func (e *ResponseEngine) CleanupExpired() {
	now := e.now()

	e.mu.Lock()
	blocked := make(map[string]blockEntry)
	for _, a := range e.actions {
		if a.Kind == ActionBlock && a.IsActive(now) {
			blocked[a.ClientID] = blockEntry{start: a.Timestamp, duration: a.Duration}
		}
	}
	e.blocked = blocked

	for clientID, entry := range e.throttled {
		if !now.Before(entry.until) {
			delete(e.throttled, clientID)
		}
	}
	e.mu.Unlock()

	e.challenges.Cleanup()
}

// RecentEnforcement returns non-allow audit actions younger than maxAge,
// used by the distributed-attack sweep.
func (e *ResponseEngine) RecentEnforcement(maxAge time.Duration) []ResponseAction {
	now := e.now()
	cutoff := now.Add(-maxAge)

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ResponseAction
	for _, a := range e.actions {
		if a.Timestamp.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// AuditSize returns the current length of the in-memory audit log.
func (e *ResponseEngine) AuditSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actions)
}

func (e *ResponseEngine) recordLocked(action ResponseAction) {
	if action.Details == nil {
		action.Details = map[string]any{}
	}
	e.actions = append(e.actions, action)

	if len(e.actions) > e.auditCap {
		now := e.now()
		kept := e.actions[:0]
		for _, a := range e.actions {
			if a.IsActive(now) {
				kept = append(kept, a)
			}
		}
		e.actions = kept
	}

	if e.audit != nil {
		// Write-through persistence stays off the lock's critical path.
		go func(a ResponseAction) {
			if err := e.audit.Insert(a); err != nil {
				e.logger.Warn().Err(err).Str("client", a.ClientID).Msg("audit persist failed")
			}
		}(action)
	}
}

func (e *ResponseEngine) activeActionLocked(clientID string, kind ActionKind, now time.Time) *ResponseAction {
	for i := len(e.actions) - 1; i >= 0; i-- {
		a := e.actions[i]
		if a.ClientID == clientID && a.Kind == kind && a.IsActive(now) {
			return &a
		}
	}
	return nil
}
