package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tcmartin/routinerunner/pkg/auth"
)

// apiClient calls the routinerunner HTTP API
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() (*apiClient, error) {
	if serverURL == "" {
		return nil, errors.New("server URL is required (--server or login)")
	}
	if token == "" {
		return nil, errors.New("token is required (--token or login)")
	}
	return &apiClient{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// do sends body as JSON and decodes the response into out when out is non-nil
func (c *apiClient) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// accountFromToken reads the account claim without verifying the signature.
// The server verifies it on every request.
func accountFromToken(tok string) (string, error) {
	claims := &auth.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.AccountID == "" {
		return "", errors.New("token has no account id")
	}
	return claims.AccountID, nil
}
