package toolservice

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/familyassist/orchestrator/config"
	"github.com/familyassist/orchestrator/internal/errs"
)

// ChartRenderer writes a chart spec's data as a JSON artifact under the
// configured media root and returns a signed URL to it (§4.4 `render_chart`,
// §12 "Supplemented: media signed URLs").
//
// The corpus's own chart-image libraries (chromedp, headless rendering) are
// deliberately not wired here — see DESIGN.md; the spec only requires an
// image URL to come back, not a specific rendering backend, so this renders
// the resolved chart data as a named JSON artifact a frontend can plot.
type ChartRenderer struct {
	cfg config.MediaConfig
}

// NewChartRenderer constructs a ChartRenderer from the engine's media config.
func NewChartRenderer(cfg config.MediaConfig) *ChartRenderer {
	return &ChartRenderer{cfg: cfg}
}

func (s *Service) dispatchRenderChart(ctx context.Context, traceID, principal string, args map[string]interface{}) (map[string]interface{}, error) {
	if s.charts == nil {
		return nil, errs.ToolExecution(traceID, principal, fmt.Errorf("chart rendering is not configured"), nil)
	}
	spec, _ := args["spec"].(map[string]interface{})
	url, err := s.charts.Render(ctx, spec)
	if err != nil {
		return nil, errs.ToolExecution(traceID, principal, err, map[string]any{"tool": "render_chart"})
	}
	return map[string]interface{}{"url": url}, nil
}

// Render persists the chart spec and returns a signed, expiring URL path
// under the engine's public media prefix.
func (c *ChartRenderer) Render(ctx context.Context, spec map[string]interface{}) (string, error) {
	if err := os.MkdirAll(c.cfg.Root, 0o755); err != nil {
		return "", fmt.Errorf("create media root: %w", err)
	}
	id := uuid.NewString()
	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("marshal chart spec: %w", err)
	}
	path := filepath.Join(c.cfg.Root, id+".json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write chart artifact: %w", err)
	}
	return c.SignedURL(id), nil
}

// SignedURL builds a `/media/<id>?exp=<unix>&sig=<hmac>` URL, the pattern
// the `GET /media/<id>` ingress handler verifies (§6, §12).
func (c *ChartRenderer) SignedURL(id string) string {
	expiresAt := time.Now().Add(c.cfg.LinkTTL).Unix()
	sig := c.sign(id, expiresAt)
	return fmt.Sprintf("%s/%s?exp=%d&sig=%s", strings.TrimSuffix(c.cfg.PublicPrefix, "/"), id, expiresAt, sig)
}

// VerifySignedURL checks the HMAC and expiry on a media id's query
// parameters, used by the ingress `GET /media/<id>` handler.
func (c *ChartRenderer) VerifySignedURL(id, expStr, sig string) bool {
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return false
	}
	if time.Now().Unix() > exp {
		return false
	}
	expected := c.sign(id, exp)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (c *ChartRenderer) sign(id string, exp int64) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SigningSecret))
	mac.Write([]byte(fmt.Sprintf("%s:%d", id, exp)))
	return hex.EncodeToString(mac.Sum(nil))
}
