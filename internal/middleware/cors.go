package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// CORSConfig lists the frontends allowed to call the API. AllowedSuffixes
// holds one entry per frontend host family, e.g. the storefront
// ".tickets.example" and the box office ".boxoffice.example".
type CORSConfig struct {
	AllowedSuffixes []string
	DevPassword     string
	AllowLocalhost  bool
}

// ParseSuffixes splits a comma-separated FRONTEND_URL_ENDS_WITH value.
func ParseSuffixes(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// CORS admits requests from configured frontends, from localhost when
// AllowLocalhost is set, or carrying the dev-password header. Browsers also send Origin
// on the seat-map WebSocket upgrade, so the same check guards /ws.
func CORS(cfg CORSConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		origin := c.Get("Origin")
		if origin == "" {
			return c.Next()
		}
		c.Vary(fiber.HeaderOrigin)
		if !originAllowed(cfg, c, origin) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"status": "error",
				"error": fiber.Map{
					"message":    "Not allowed by CORS",
					"statusCode": fiber.StatusForbidden,
					"code":       "ORIGIN_NOT_ALLOWED",
					"details":    fiber.Map{},
				},
			})
		}
		setCORSHeaders(c, origin)
		if c.Method() == fiber.MethodOptions {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Next()
	}
}

func originAllowed(cfg CORSConfig, c *fiber.Ctx, origin string) bool {
	lower := strings.ToLower(origin)
	if cfg.AllowLocalhost && (strings.HasPrefix(lower, "http://localhost:") || strings.HasPrefix(lower, "http://127.0.0.1:")) {
		return true
	}
	for _, suffix := range cfg.AllowedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return cfg.DevPassword != "" && c.Get("dev-password") == cfg.DevPassword
}

func setCORSHeaders(c *fiber.Ctx, origin string) {
	c.Set("Access-Control-Allow-Origin", origin)
	c.Set("Access-Control-Allow-Credentials", "true")
	c.Set("Access-Control-Allow-Headers", "Content-Type, dev-password, "+InternalKeyHeader+", "+traceIDHeader)
	c.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	c.Set("Access-Control-Expose-Headers", traceIDHeader)
	c.Set("Access-Control-Max-Age", "600")
}
