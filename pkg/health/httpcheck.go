package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// httpProbeClient is shared by all HTTP checks; the per-check timeout comes
// from the check's context, not the client.
var httpProbeClient = &http.Client{Timeout: 30 * time.Second}

// HTTPCheck probes url with a GET and treats any 2xx as healthy. Used for
// optional sibling services that expose a plain health endpoint.
func HTTPCheck(name, url string) DependencyCheck {
	return DependencyCheck{
		Name: name,
		Fn: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("failed to build probe request: %w", err)
			}
			resp, err := httpProbeClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to probe %s: %w", name, err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("%s health returned status %d", name, resp.StatusCode)
			}
			return nil
		},
	}
}
