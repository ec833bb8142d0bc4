package reminder

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

func newJSONPoster(timeout time.Duration) *httpDoer {
	client := &http.Client{Timeout: timeout}
	return &httpDoer{
		do: func(ctx context.Context, url string, body []byte) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("reminder: outbound webhook returned %d", resp.StatusCode)
			}
			return nil
		},
	}
}
