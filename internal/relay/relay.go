// Package relay delivers generated replies to the contact's SMS channel
// through the conversations API of the upstream messaging platform.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client posts outbound SMS messages. One attempt per send, short
// timeout; the batch processor logs failures and moves on.
type Client struct {
	apiKey     string
	apiBase    string
	apiVersion string
	client     *http.Client
}

// NewClient creates a relay client. An empty apiKey leaves the client
// unconfigured; Send fails fast then.
func NewClient(apiKey, apiBase, apiVersion string) *Client {
	if apiBase == "" {
		apiBase = "https://services.leadconnectorhq.com"
	}
	return &Client{
		apiKey:     apiKey,
		apiBase:    strings.TrimRight(apiBase, "/"),
		apiVersion: apiVersion,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.apiKey != "" }

// Send delivers one SMS message to a contact.
func (c *Client) Send(ctx context.Context, contactID, message string) error {
	if !c.Configured() {
		return fmt.Errorf("relay: API key not configured")
	}

	payload := map[string]string{
		"type":      "SMS",
		"contactId": contactID,
		"message":   message,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("relay: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/conversations/messages", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("relay: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.apiVersion != "" {
		req.Header.Set("Version", c.apiVersion)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay: send to %s: %w", contactID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("relay: send to %s: HTTP %d: %s", contactID, resp.StatusCode, body)
	}
	return nil
}
