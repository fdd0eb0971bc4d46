package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/replydesk/internal/config"
)

type apiClient struct {
	baseURL    string
	token      string
	userID     string
	role       string
	httpClient *http.Client
}

var newAPIClient = func(cmd *cobra.Command) (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	userID, role := identityFlags(cmd)
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		userID:     userID,
		role:       role,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}, nil
}

// identityFlags returns the acting identity, falling back to
// REPLYDESK_USER and REPLYDESK_ROLE.
func identityFlags(cmd *cobra.Command) (userID, role string) {
	userID, _ = cmd.Flags().GetString("user")
	role, _ = cmd.Flags().GetString("role")
	if userID == "" {
		userID = os.Getenv("REPLYDESK_USER")
	}
	if role == "" {
		role = os.Getenv("REPLYDESK_ROLE")
	}
	return userID, role
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var (
		reader      io.Reader
		contentType string
	)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.doRaw(ctx, method, path, reader, contentType)
}

// doRaw sends body as-is with the given content type.
func (c *apiClient) doRaw(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	if c.role != "" {
		req.Header.Set("X-User-Role", c.role)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is replydesk running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) put(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPut, path, body)
}

// apiError is the error envelope written by the server.
type apiError struct {
	Error struct {
		Message string   `json:"message"`
		Type    string   `json:"type"`
		Field   string   `json:"field,omitempty"`
		Phrases []string `json:"phrases,omitempty"`
	} `json:"error"`
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var e apiError
		if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
			if len(e.Error.Phrases) > 0 {
				return fmt.Errorf("server returned %d: %s (banned: %s)", resp.StatusCode, e.Error.Message,
					strings.Join(e.Error.Phrases, ", "))
			}
			return fmt.Errorf("server returned %d: %s (%s)", resp.StatusCode, e.Error.Message, e.Error.Type)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
