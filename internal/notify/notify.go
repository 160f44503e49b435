// Package notify posts messages to a Slack incoming webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Slack posts plain-text messages to one incoming webhook URL. A zero URL
// disables notification; Send becomes a no-op.
type Slack struct {
	URL    string
	Client *http.Client
}

// New returns a Slack notifier for the given webhook URL.
func New(url string) *Slack {
	return &Slack{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts text to the webhook.
func (s *Slack) Send(ctx context.Context, text string) error {
	if s.URL == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("encoding slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}
