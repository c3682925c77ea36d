// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Credentials identify a user of a business on one device.
type Credentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Business string `json:"business"`
	Device   string `json:"device"`
	Name     string `json:"name,omitempty"`
}

// DevSignin obtains a token from a server running with development sign-in
// enabled.
func DevSignin(ctx context.Context, client *http.Client, baseURL string, creds Credentials) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/dev-signin", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("signin: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(http.MethodPost, "/dev-signin", resp)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("signin: decode response: %w", err)
	}
	return out.Token, nil
}
