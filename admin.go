package ddosguard

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

type captchaVerifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Solution    string `json:"solution"`
}

type blockRequest struct {
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

// RegisterRoutes mounts the operator surface. The caller decides which
// router to pass, typically one wrapped in basic auth for /admin.
func (g *Guard) RegisterRoutes(public fiber.Router, admin fiber.Router) {
	public.Post("/captcha/verify", g.handleCaptchaVerify)
	public.Get("/metrics", g.handleMetrics)

	admin.Get("/status/:ip", g.handleClientStatus)
	admin.Get("/suspicious", g.handleSuspicious)
	admin.Get("/attacks", g.handleAttacks)
	admin.Get("/config", g.handleGetConfig)
	admin.Patch("/config", g.handlePatchConfig)
	admin.Get("/audit/:ip", g.handleAudit)
	admin.Post("/block/:ip", g.handleBlock)
	admin.Delete("/block/:ip", g.handleUnblock)
}

func (g *Guard) handleCaptchaVerify(c *fiber.Ctx) error {
	var req captchaVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.ChallengeID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "challenge_id is required"})
	}

	clientID := ClientIP(c)
	result := g.engine.VerifyCaptcha(clientID, req.ChallengeID, req.Solution)
	status := fiber.StatusOK
	if !result.Success {
		status = fiber.StatusForbidden
	}
	return c.Status(status).JSON(result)
}

func (g *Guard) handleMetrics(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(g.metrics.ExportPrometheus())
}

func (g *Guard) handleClientStatus(c *fiber.Ctx) error {
	ip := c.Params("ip")
	status := g.engine.Status(ip)
	return c.JSON(fiber.Map{
		"status":    status,
		"suspicion": g.limiter.Suspicion(ip),
	})
}

func (g *Guard) handleSuspicious(c *fiber.Ctx) error {
	minLevel := 2
	if raw := c.Query("min_level"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 || parsed > maxSuspicionLevel {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "min_level must be 0..5"})
		}
		minLevel = parsed
	}
	clients := g.limiter.SuspiciousClients(minLevel)
	return c.JSON(fiber.Map{
		"min_level": minLevel,
		"count":     len(clients),
		"clients":   clients,
	})
}

func (g *Guard) handleAttacks(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"summary": g.ledger.Summary(),
		"events":  g.ledger.Snapshot(),
	})
}

func (g *Guard) handleGetConfig(c *fiber.Ctx) error {
	return c.JSON(g.config.Current())
}

func (g *Guard) handlePatchConfig(c *fiber.Ctx) error {
	var partial map[string]any
	if err := c.BodyParser(&partial); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	updated, err := g.config.Update(partial)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(updated)
}

func (g *Guard) handleAudit(c *fiber.Ctx) error {
	if g.audit == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "audit store not configured"})
	}
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	records, err := g.audit.RecentByClient(c.Params("ip"), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"records": records})
}

func (g *Guard) handleBlock(c *fiber.Ctx) error {
	ip := c.Params("ip")
	var req blockRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	duration := time.Hour
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "duration must be a positive Go duration"})
		}
		duration = parsed
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual_block"
	}
	g.engine.Block(ip, duration, reason, 4)
	return c.JSON(fiber.Map{
		"blocked":  ip,
		"duration": duration.String(),
		"reason":   reason,
	})
}

func (g *Guard) handleUnblock(c *fiber.Ctx) error {
	ip := c.Params("ip")
	g.engine.Unblock(ip)
	return c.JSON(fiber.Map{"unblocked": ip})
}
