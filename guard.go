package ddosguard

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/oarkflow/log"
)

// Guard ties the rate limiter, response engine, alert dispatcher and attack
// ledger into one request-scoped pipeline.
type Guard struct {
	config     *ConfigStore
	limiter    *SlidingWindowLimiter
	challenges *ChallengeStore
	engine     *ResponseEngine
	dispatcher *AlertDispatcher
	classifier AnomalyClassifier
	geo        GeoLookup
	metrics    *MetricsCollector
	ledger     *AttackLedger
	audit      *AuditStore
	logger     log.Logger
	whitelist  []*net.IPNet
}

// GuardConfig carries the construction-time knobs that do not change at
// runtime. Everything behavioral lives in the ConfigStore.
type GuardConfig struct {
	ConfigPath string
	AuditPath  string
	Whitelist  []string
	GeoBaseURL string
	Logger     log.Logger
	Window     time.Duration
	Threshold  int
	Classifier AnomalyClassifier
	Validate   SolutionValidator
}

func NewGuard(gc GuardConfig) (*Guard, error) {
	logger := gc.Logger
	store := NewConfigStore(gc.ConfigPath, logger)
	if err := store.Watch(); err != nil {
		logger.Warn().Err(err).Msg("config watch unavailable, relying on admin updates")
	}

	var audit *AuditStore
	if gc.AuditPath != "" {
		var err error
		audit, err = NewAuditStore(gc.AuditPath, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("audit store: %w", err)
		}
	}

	classifier := gc.Classifier
	if classifier == nil {
		classifier = NewHeuristicClassifier()
	}

	limiter := NewSlidingWindowLimiter(gc.Window, gc.Threshold)
	challenges := NewChallengeStore(gc.Validate)
	engine := NewResponseEngine(store, limiter, challenges, classifier, audit, logger)
	metrics := NewMetricsCollector()
	dispatcher := NewAlertDispatcher(store, logger, metrics)
	dispatcher.DefaultChannels()

	geoURL := gc.GeoBaseURL
	if geoURL == "" {
		geoURL = "http://ip-api.com/json"
	}

	return &Guard{
		config:     store,
		limiter:    limiter,
		challenges: challenges,
		engine:     engine,
		dispatcher: dispatcher,
		classifier: classifier,
		geo:        NewHTTPGeoLookup(geoURL),
		metrics:    metrics,
		ledger:     NewAttackLedger(30 * time.Minute),
		audit:      audit,
		logger:     logger,
		whitelist:  parseCIDRs(gc.Whitelist),
	}, nil
}

func (g *Guard) Engine() *ResponseEngine        { return g.engine }
func (g *Guard) Limiter() *SlidingWindowLimiter { return g.limiter }
func (g *Guard) Config() *ConfigStore           { return g.config }
func (g *Guard) Dispatcher() *AlertDispatcher   { return g.dispatcher }
func (g *Guard) Metrics() *MetricsCollector     { return g.metrics }
func (g *Guard) Ledger() *AttackLedger          { return g.ledger }
func (g *Guard) Audit() *AuditStore             { return g.audit }

// Process records one request and returns the enforcement decision. This is
// the transport-independent entry point; Middleware wraps it for fiber.
func (g *Guard) Process(clientID string, features RequestFeatures) Decision {
	status := g.limiter.Record(clientID)
	features.RequestFrequency = float64(status.Count)

	g.metrics.IncrementCounter("guard_requests_total", nil)
	decision := g.engine.Decide(clientID, status.SuspicionLevel, features)
	g.metrics.IncrementCounter("guard_decisions_total", map[string]string{"action": string(decision.Action)})

	suspicion := g.promoteSuspicion(clientID, features, status.SuspicionLevel)

	switch decision.Action {
	case ActionBlock:
		g.dispatcher.Send("blocked_ip",
			fmt.Sprintf("client %s blocked: %s", clientID, decision.Reason),
			decision.Severity,
			map[string]any{"ip": clientID, "reason": decision.Reason, "duration": decision.Duration.String()})
		g.noteAttack(clientID, features, decision)
	case ActionCaptcha:
		g.dispatcher.Send("rate_limit_exceeded",
			fmt.Sprintf("client %s challenged after %d requests", clientID, status.Count),
			2,
			map[string]any{"ip": clientID, "request_count": status.Count})
		g.noteAttack(clientID, features, decision)
	default:
		if suspicion >= 3 {
			g.dispatcher.Send("new_attack",
				fmt.Sprintf("client %s reached suspicion level %d", clientID, suspicion),
				suspicion,
				map[string]any{"ip": clientID, "suspicion": suspicion, "request_count": status.Count})
		}
	}

	return decision
}

// promoteSuspicion gives the anomaly classifier a chance to outrank a low
// window suspicion level: a flagged request is raised to min(5, 3+2p) and an
// ml_detected_anomaly alert fires. Classifier errors leave the window's level
// untouched.
func (g *Guard) promoteSuspicion(clientID string, features RequestFeatures, suspicion int) int {
	if g.classifier == nil || suspicion >= 3 {
		return suspicion
	}
	verdict, err := g.classifier.DetectAnomaly(features)
	if err != nil {
		g.logger.Debug().Err(err).Str("client", clientID).Msg("anomaly check failed")
		return suspicion
	}
	if !verdict.IsAnomaly {
		return suspicion
	}
	promoted := minInt(5, 3+int(2*verdict.AnomalyProbability))
	if promoted <= suspicion {
		return suspicion
	}
	g.dispatcher.Send("ml_detected_anomaly",
		fmt.Sprintf("anomalous traffic from %s (probability %.2f)", clientID, verdict.AnomalyProbability),
		promoted,
		map[string]any{
			"ip":                  clientID,
			"anomaly_probability": verdict.AnomalyProbability,
			"original_suspicion":  suspicion,
			"ml_suspicion":        promoted,
		})
	return promoted
}

// noteAttack enriches an enforcement event with attack type and geo data off
// the request path and files it in the ledger.
func (g *Guard) noteAttack(clientID string, features RequestFeatures, decision Decision) {
	go func() {
		event := AttackEvent{
			ClientID:   clientID,
			AttackType: "UNKNOWN",
			Action:     string(decision.Action),
			Severity:   decision.Severity,
		}
		if g.classifier != nil {
			if cls, err := g.classifier.ClassifyAttackType(features); err == nil {
				event.AttackType = cls.AttackType
				event.Confidence = cls.Confidence
			}
		}
		if g.geo != nil {
			if info, err := g.geo.Lookup(clientID); err == nil {
				event.Country = info.Country
				event.ISP = info.ISP
			} else {
				g.logger.Debug().Err(err).Str("client", clientID).Msg("geo lookup failed")
			}
		}
		g.ledger.Record(event)
	}()
}

// exemptPath reports whether the request targets the control surface, which
// must stay reachable for clients under enforcement (a client with a pending
// challenge still has to reach the verify endpoint).
func exemptPath(path string) bool {
	switch path {
	case "/captcha/verify", "/metrics", "/health":
		return true
	}
	return strings.HasPrefix(path, "/admin")
}

// Middleware enforces decisions on fiber requests. Whitelisted addresses and
// the control surface bypass the pipeline entirely.
func (g *Guard) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		clientID := ClientIP(c)
		if exemptPath(c.Path()) || ipInNets(clientID, g.whitelist) {
			return c.Next()
		}

		features := RequestFeatures{
			ClientID:  clientID,
			Path:      c.Path(),
			Method:    c.Method(),
			UserAgent: c.Get("User-Agent"),
			BytesSent: len(c.Body()),
			Timestamp: time.Now(),
		}

		decision := g.Process(clientID, features)
		switch decision.Action {
		case ActionBlock:
			retry := int(decision.Duration / time.Second)
			if retry > 0 {
				c.Set("Retry-After", fmt.Sprintf("%d", retry))
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":  "access denied",
				"type":   "block",
				"reason": decision.Reason,
			})
		case ActionCaptcha:
			return c.Status(fiber.StatusPreconditionRequired).JSON(fiber.Map{
				"error":        "captcha required",
				"type":         "captcha",
				"challenge_id": decision.ChallengeID,
				"expires_at":   decision.ExpiresAt.Format(time.RFC3339),
				"verify_url":   "/captcha/verify",
			})
		case ActionThrottle:
			c.Set("X-RateLimit-Policy", fmt.Sprintf("%.0f%%", decision.Rate*100))
			if decision.Duration > 0 {
				c.Set("X-RateLimit-Reset", fmt.Sprintf("%d", int(decision.Duration/time.Second)))
			}
			return c.Next()
		default:
			return c.Next()
		}
	}
}

// Close releases background resources. It does not flush in-flight alerts.
func (g *Guard) Close() error {
	var first error
	if err := g.config.Close(); err != nil {
		first = err
	}
	if g.audit != nil {
		if err := g.audit.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
