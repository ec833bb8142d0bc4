package toolservice

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

// apiKeyMiddleware authenticates the ingress processes calling into the
// tool service, separately from the per-tool signing secret that guards
// individual tool specs (§10, §11): the tool service is the sole path
// through which every persistent state change flows, so it gates entry at
// the process boundary with a bcrypt-hashed service key rather than trusting
// network placement alone.
func apiKeyMiddleware(hash string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-Tool-Service-Key")
			if key == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid service key")
			}
			return next(c)
		}
	}
}

// HashAPIKey bcrypt-hashes a service-to-service API key for storage in
// configuration (tool_service.api_key_hash); used by operator tooling when
// provisioning a new ingress process.
func HashAPIKey(key string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
