package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"account_gateway/internal/models"
	"account_gateway/internal/quota"
)

const usagePath = "/v1internal:fetchAvailableModels"

// UsageClient polls the provider usage endpoint for per-model remaining
// quota fractions. Only the antigravity backend exposes one; kiro
// consumption is reported in-band on the response stream instead.
type UsageClient struct {
	endpoints []string
	client    *http.Client
}

// NewUsageClient creates a usage poller over the configured antigravity
// endpoints.
func NewUsageClient(endpoints []string) *UsageClient {
	return &UsageClient{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchModelQuotas returns the remaining fraction and reset time per model
// for the credential. Kiro credentials return an empty map.
func (c *UsageClient) FetchModelQuotas(ctx context.Context, cred *models.Credential) (map[string]quota.ModelUsage, error) {
	if cred.Provider != models.ProviderAntigravity {
		return map[string]quota.ModelUsage{}, nil
	}

	body := []byte(`{}`)
	if project := cred.ProjectID(); project != "" {
		body, _ = sjson.SetBytes(body, "project", project)
	}

	var lastErr error
	for _, endpoint := range c.endpoints {
		payload, err := c.fetch(ctx, endpoint, cred.AccessToken, body)
		if err != nil {
			lastErr = err
			continue
		}
		return parseUsagePayload(payload), nil
	}
	return nil, fmt.Errorf("usage fetch failed on all endpoints: %w", lastErr)
}

func (c *UsageClient) fetch(ctx context.Context, endpoint, accessToken string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+usagePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read usage response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage endpoint returned HTTP %d: %s", resp.StatusCode, string(payload))
	}
	return payload, nil
}

// parseUsagePayload extracts quotaInfo entries keyed by catalog model id.
// Models the gateway does not route are skipped.
func parseUsagePayload(payload []byte) map[string]quota.ModelUsage {
	out := make(map[string]quota.ModelUsage)

	gjson.GetBytes(payload, "models").ForEach(func(_, entry gjson.Result) bool {
		id := entry.Get("modelId").String()
		if id == "" {
			id = strings.TrimPrefix(entry.Get("name").String(), "models/")
		}
		if _, ok := models.LookupModel(id); !ok {
			return true
		}

		info := entry.Get("quotaInfo")
		if !info.Exists() {
			return true
		}

		usage := quota.ModelUsage{
			RemainingFraction: info.Get("remainingFraction").Float(),
		}
		if reset := info.Get("resetTime").String(); reset != "" {
			if t, err := time.Parse(time.RFC3339, reset); err == nil {
				usage.ResetTime = t
			}
		}
		out[id] = usage
		return true
	})

	return out
}
