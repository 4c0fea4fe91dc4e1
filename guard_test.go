package ddosguard

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/oarkflow/log"
)

func newTestGuard(t *testing.T, at time.Time, threshold int, whitelist []string) (*Guard, *recordingNotifier) {
	t.Helper()
	dir := t.TempDir()
	guard, err := NewGuard(GuardConfig{
		ConfigPath: filepath.Join(dir, "config.json"),
		AuditPath:  filepath.Join(dir, "audit.db"),
		Whitelist:  whitelist,
		Logger:     NewLogger(log.ErrorLevel),
		Window:     time.Minute,
		Threshold:  threshold,
	})
	if err != nil {
		t.Fatalf("guard init: %v", err)
	}
	t.Cleanup(func() { guard.Close() })

	guard.limiter.now = fixedClock(at)
	guard.engine.now = fixedClock(at)
	guard.challenges.now = fixedClock(at)
	guard.dispatcher.now = fixedClock(at)
	guard.ledger.now = fixedClock(at)

	sink := &recordingNotifier{name: "sink"}
	guard.dispatcher.SetChannels(sink)
	return guard, sink
}

func TestProcessEscalatesBurstToBlock(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	guard, sink := newTestGuard(t, base, 5, nil)

	features := RequestFeatures{ClientID: "10.0.0.50", Path: "/api", Method: "GET"}
	wantActions := []ActionKind{
		ActionAllow, ActionAllow, ActionAllow,
		ActionThrottle, ActionThrottle,
		ActionBlock,
	}
	for i, want := range wantActions {
		decision := guard.Process("10.0.0.50", features)
		if decision.Action != want {
			t.Fatalf("request %d: action = %q, want %q", i+1, decision.Action, want)
		}
	}

	// The block holds on the next request without consulting the window.
	decision := guard.Process("10.0.0.50", features)
	if decision.Action != ActionBlock || decision.Allowed {
		t.Fatalf("post-block decision = %+v, want block", decision)
	}

	if sink.count() == 0 {
		t.Fatalf("block should have produced an alert")
	}
	sink.mu.Lock()
	first := sink.alerts[0]
	sink.mu.Unlock()
	if first.Type != "blocked_ip" {
		t.Fatalf("alert type = %q, want blocked_ip", first.Type)
	}
	if ip, _ := first.Details["ip"].(string); ip != "10.0.0.50" {
		t.Fatalf("alert ip = %q, want 10.0.0.50", ip)
	}

	if got := guard.metrics.CounterValue("guard_decisions_total", map[string]string{"action": "block"}); got != 2 {
		t.Fatalf("block decisions counted = %d, want 2", got)
	}
}

func TestProcessIssuesCaptchaAtLevelThree(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	guard, _ := newTestGuard(t, base, 10, nil)

	var decision Decision
	for i := 0; i < 10; i++ {
		decision = guard.Process("10.0.0.51", RequestFeatures{ClientID: "10.0.0.51"})
	}
	if decision.Action != ActionCaptcha {
		t.Fatalf("tenth request action = %q, want captcha", decision.Action)
	}
	if decision.ChallengeID == "" {
		t.Fatalf("captcha decision has no challenge id")
	}
	if _, ok := guard.challenges.Pending("10.0.0.51"); !ok {
		t.Fatalf("challenge should be pending in the store")
	}
}

func TestProcessPromotesSuspicionOnAnomaly(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	guard, sink := newTestGuard(t, base, 30, nil)
	guard.classifier = &stubClassifier{verdict: AnomalyVerdict{IsAnomaly: true, AnomalyProbability: 0.9}}

	decision := guard.Process("10.0.0.70", RequestFeatures{ClientID: "10.0.0.70", Path: "/api"})
	if decision.Action != ActionAllow {
		t.Fatalf("first request action = %q, want allow", decision.Action)
	}

	sink.mu.Lock()
	alerts := append([]Alert(nil), sink.alerts...)
	sink.mu.Unlock()
	if len(alerts) != 2 {
		t.Fatalf("alert count = %d, want ml_detected_anomaly plus new_attack", len(alerts))
	}
	if alerts[0].Type != "ml_detected_anomaly" {
		t.Fatalf("first alert type = %q, want ml_detected_anomaly", alerts[0].Type)
	}
	if got, _ := alerts[0].Details["ml_suspicion"].(int); got != 4 {
		t.Fatalf("promoted suspicion = %v, want 4", alerts[0].Details["ml_suspicion"])
	}
	if got, _ := alerts[0].Details["original_suspicion"].(int); got != 0 {
		t.Fatalf("original suspicion = %v, want 0", alerts[0].Details["original_suspicion"])
	}
	if alerts[1].Type != "new_attack" || alerts[1].Severity != 4 {
		t.Fatalf("second alert = %q severity %d, want new_attack at 4", alerts[1].Type, alerts[1].Severity)
	}
}

func TestProcessAnomalyErrorKeepsWindowSuspicion(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	guard, sink := newTestGuard(t, base, 30, nil)
	guard.classifier = &stubClassifier{err: errStub}

	decision := guard.Process("10.0.0.71", RequestFeatures{ClientID: "10.0.0.71"})
	if decision.Action != ActionAllow {
		t.Fatalf("action = %q, want allow", decision.Action)
	}
	if sink.count() != 0 {
		t.Fatalf("classifier failure should not raise alerts, got %d", sink.count())
	}
}

func TestProcessCaptchaSuppressesNewAttackAlert(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	guard, sink := newTestGuard(t, base, 10, nil)

	var decision Decision
	for i := 0; i < 10; i++ {
		decision = guard.Process("10.0.0.72", RequestFeatures{ClientID: "10.0.0.72"})
	}
	if decision.Action != ActionCaptcha {
		t.Fatalf("tenth request action = %q, want captcha", decision.Action)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	sawChallenge := false
	for _, a := range sink.alerts {
		if a.Type == "new_attack" {
			t.Fatalf("captcha decision should not also raise new_attack")
		}
		if a.Type == "rate_limit_exceeded" {
			sawChallenge = true
		}
	}
	if !sawChallenge {
		t.Fatalf("captcha decision should raise rate_limit_exceeded")
	}
}

func TestMiddlewareBlocksAfterBurst(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	guard, _ := newTestGuard(t, base, 5, nil)

	app := fiber.New()
	app.Use(guard.Middleware())
	app.Get("/api", func(c *fiber.Ctx) error { return c.SendString("ok") })

	var lastStatus int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest("GET", "/api", nil)
		req.Header.Set("X-Real-IP", "10.0.0.60")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		lastStatus = resp.StatusCode
		resp.Body.Close()
	}
	if lastStatus != fiber.StatusForbidden {
		t.Fatalf("sixth request status = %d, want 403", lastStatus)
	}
}

func TestMiddlewareWhitelistBypassesPipeline(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	guard, _ := newTestGuard(t, base, 5, []string{"10.0.0.70"})

	app := fiber.New()
	app.Use(guard.Middleware())
	app.Get("/api", func(c *fiber.Ctx) error { return c.SendString("ok") })

	for i := 0; i < 20; i++ {
		req := httptest.NewRequest("GET", "/api", nil)
		req.Header.Set("X-Real-IP", "10.0.0.70")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("whitelisted request %d got status %d", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}
	if guard.limiter.TrackedClients() != 0 {
		t.Fatalf("whitelisted traffic must not be tracked")
	}
}

func TestMiddlewareControlSurfaceStaysReachable(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	guard, _ := newTestGuard(t, base, 5, nil)

	app := fiber.New()
	app.Use(guard.Middleware())
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })

	guard.engine.Block("10.0.0.62", time.Hour, "manual_block", 4)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Real-IP", "10.0.0.62")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("blocked client must still reach the control surface, got %d", resp.StatusCode)
	}
}

func TestMiddlewareThrottleSetsHeaders(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	guard, _ := newTestGuard(t, base, 5, nil)

	app := fiber.New()
	app.Use(guard.Middleware())
	app.Get("/api", func(c *fiber.Ctx) error { return c.SendString("ok") })

	// The fourth request in a burst lands in the first throttle tier.
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest("GET", "/api", nil)
		req.Header.Set("X-Real-IP", "10.0.0.61")
		r, err := app.Test(req)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if i == 3 {
			if r.StatusCode != fiber.StatusOK {
				t.Fatalf("throttled request status = %d, want 200", r.StatusCode)
			}
			if got := r.Header.Get("X-RateLimit-Policy"); got != "90%" {
				t.Fatalf("X-RateLimit-Policy = %q, want 90%%", got)
			}
		}
		r.Body.Close()
	}
}
