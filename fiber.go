package vigil

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// MiddlewareOptions tunes the HTTP integration.
type MiddlewareOptions struct {
	// TrustProxy honors X-Real-IP / X-Forwarded-For for the client address.
	TrustProxy bool
	// Suspicion lets the embedding app pre-flag a request; flagged requests
	// are analyzed inline before the handler runs.
	Suspicion func(c *fiber.Ctx) bool
	// MaxBodyBytes caps how much request body the detectors inspect.
	MaxBodyBytes int
}

// Middleware returns the fiber handler that runs the full pipeline around
// every request.
func Middleware(g *Guard, opts MiddlewareOptions) fiber.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 * 1024
	}
	return func(c *fiber.Ctx) error {
		rc := buildRequestContext(c, opts)

		eval := g.EvaluateRequest(c.Context(), rc)
		setRateHeaders(c, eval.Decision)
		if !eval.Allowed {
			return rejectRequest(c, eval)
		}

		// The slot must come back even when a handler panics.
		defer g.Release(rc)

		started := time.Now()
		err := c.Next()

		rc.StatusCode = c.Response().StatusCode()
		rc.ResponseTime = time.Since(started)
		rc.ResponseSize = len(c.Response().Body())
		g.Observe(rc)
		return err
	}
}

func buildRequestContext(c *fiber.Ctx, opts MiddlewareOptions) *RequestContext {
	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})

	body := c.Body()
	if len(body) > opts.MaxBodyBytes {
		body = body[:opts.MaxBodyBytes]
	}

	agent := c.Get(fiber.HeaderUserAgent)
	rc := &RequestContext{
		Method:     c.Method(),
		Path:       c.Path(),
		Query:      string(c.Request().URI().QueryString()),
		Headers:    headers,
		Body:       string(body),
		ClientIP:   clientIP(c, opts.TrustProxy),
		UserID:     userID(c),
		UserRole:   headerOrLocal(c, "X-User-Role", "userRole"),
		IsBot:      looksLikeBot(agent),
		BotAllowed: allowedBot(agent),
		ReceivedAt: time.Now(),
	}
	if opts.Suspicion != nil {
		rc.Suspicious = opts.Suspicion(c)
	}
	return rc
}

func clientIP(c *fiber.Ctx, trustProxy bool) string {
	if trustProxy {
		if real := c.Get("X-Real-IP"); real != "" {
			return strings.TrimSpace(real)
		}
		if fwd := c.Get(fiber.HeaderXForwardedFor); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	return c.IP()
}

func userID(c *fiber.Ctx) string {
	if id, ok := c.Locals("userID").(string); ok && id != "" {
		return id
	}
	return c.Get("X-User-ID")
}

func headerOrLocal(c *fiber.Ctx, header, local string) string {
	if v, ok := c.Locals(local).(string); ok && v != "" {
		return v
	}
	return c.Get(header)
}

var botFragments = []string{"bot", "crawler", "spider", "slurp", "curl", "wget", "python", "scrapy"}

var allowedBotFragments = []string{"googlebot", "bingbot", "duckduckbot", "applebot"}

func looksLikeBot(agent string) bool {
	lower := strings.ToLower(agent)
	for _, frag := range botFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func allowedBot(agent string) bool {
	lower := strings.ToLower(agent)
	for _, frag := range allowedBotFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func setRateHeaders(c *fiber.Ctx, d RateDecision) {
	if d.Limit <= 0 {
		return
	}
	c.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	remaining := d.Remaining
	if remaining < 0 {
		remaining = 0
	}
	c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !d.Reset.IsZero() {
		c.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	}
}

func rejectRequest(c *fiber.Ctx, eval Evaluation) error {
	status := fiber.StatusTooManyRequests
	if eval.Decision.ViolationType == "" {
		// Blacklist and inline threat blocks are forbidden, not throttled.
		status = fiber.StatusForbidden
	}
	if status == fiber.StatusTooManyRequests && !eval.Decision.Reset.IsZero() {
		retry := int(time.Until(eval.Decision.Reset).Seconds())
		if retry < 1 {
			retry = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retry))
	}
	return c.Status(status).JSON(fiber.Map{
		"error":  "request rejected",
		"reason": eval.Reason,
	})
}

// RegisterAdmin mounts the operator endpoints on the given router group.
// Protect the group with your own auth middleware.
func RegisterAdmin(router fiber.Router, g *Guard) {
	router.Get("/dashboard", func(c *fiber.Ctx) error {
		return c.JSON(g.DashboardSnapshot())
	})
	router.Get("/intel", func(c *fiber.Ctx) error {
		return c.JSON(g.ThreatIntelligenceList())
	})
	router.Get("/ip/:ip", func(c *fiber.Ctx) error {
		return c.JSON(g.AnalyzeIP(c.Params("ip")))
	})
	router.Get("/blacklist", func(c *fiber.Ctx) error {
		return c.JSON(g.Blacklist().Entries())
	})
	router.Post("/blacklist", func(c *fiber.Ctx) error {
		var req struct {
			IP       string `json:"ip"`
			Reason   string `json:"reason"`
			Duration string `json:"duration"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		var d time.Duration
		if req.Duration != "" {
			parsed, err := time.ParseDuration(req.Duration)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid duration")
			}
			d = parsed
		}
		if err := g.Blacklist().Add(req.IP, req.Reason, SeverityWarning, d, "manual"); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.SendStatus(fiber.StatusCreated)
	})
	router.Delete("/blacklist/:ip", func(c *fiber.Ctx) error {
		if err := g.Blacklist().Remove(c.Params("ip")); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
	router.Get("/rules/rate", func(c *fiber.Ctx) error {
		return c.JSON(g.RateRules())
	})
	router.Post("/rules/rate", func(c *fiber.Ctx) error {
		var rule RateRule
		if err := c.BodyParser(&rule); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		g.AddRateRule(&rule)
		return c.SendStatus(fiber.StatusCreated)
	})
	router.Delete("/rules/rate/:id", func(c *fiber.Ctx) error {
		if err := g.RemoveRateRule(c.Params("id")); err != nil {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
	router.Get("/rules/pattern", func(c *fiber.Ctx) error {
		return c.JSON(g.PatternRules())
	})
	router.Post("/rules/pattern", func(c *fiber.Ctx) error {
		var rule PatternRule
		if err := c.BodyParser(&rule); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := g.AddPatternRule(&rule); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return c.SendStatus(fiber.StatusCreated)
	})
	router.Delete("/rules/pattern/:id", func(c *fiber.Ctx) error {
		if err := g.RemovePatternRule(c.Params("id")); err != nil {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
	router.Get("/rules/notification", func(c *fiber.Ctx) error {
		return c.JSON(g.NotificationRules())
	})
	router.Post("/rules/notification", func(c *fiber.Ctx) error {
		var rule NotificationRule
		if err := c.BodyParser(&rule); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if rule.ID == "" || len(rule.Channels) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "rule needs an id and at least one channel")
		}
		g.AddNotificationRule(rule)
		return c.SendStatus(fiber.StatusCreated)
	})
	router.Delete("/rules/notification/:id", func(c *fiber.Ctx) error {
		if err := g.RemoveNotificationRule(c.Params("id")); err != nil {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
	router.Post("/emergency", func(c *fiber.Ctx) error {
		g.TriggerEmergency("manual")
		return c.SendStatus(fiber.StatusAccepted)
	})
}
