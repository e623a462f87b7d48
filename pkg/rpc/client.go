// Package rpc is the HTTP client for a remote statement registry.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a registry node's statement API.
type Client struct {
	baseURL string
	client  *http.Client
}

type statementResponse struct {
	Status    string `json:"status"`
	Key       string `json:"key"`
	Statement string `json:"statement"`
	Error     string `json:"error"`
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 65 * time.Second,
			// follow leader redirects (307) explicitly
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return nil
			},
		},
	}
}

// PutStatement registers text under key. ttl zero means no cache expiry.
func (c *Client) PutStatement(key, text string, ttl time.Duration) (string, error) {
	form := url.Values{}
	form.Set("key", key)
	form.Set("text", text)
	if ttl > 0 {
		form.Set("ttl", ttl.String())
	}

	req, err := http.NewRequest(http.MethodPut, c.baseURL+"/api/statement", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("PUT failed: %w", err)
	}
	defer resp.Body.Close()

	var sr statementResponse
	if err := decodeBody(resp, &sr); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("PUT status=%d: %s", resp.StatusCode, sr.Error)
	}
	return sr.Key, nil
}

// GetStatement fetches the canonical rendering of the statement under key.
func (c *Client) GetStatement(key string) (string, bool, error) {
	u := c.baseURL + "/api/statement?key=" + url.QueryEscape(key)
	resp, err := c.client.Get(u)
	if err != nil {
		return "", false, fmt.Errorf("GET failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}

	var sr statementResponse
	if err := decodeBody(resp, &sr); err != nil {
		return "", false, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("GET status=%d: %s", resp.StatusCode, sr.Error)
	}
	return sr.Statement, true, nil
}

// RemoveStatement deletes the statement under key.
func (c *Client) RemoveStatement(key string) (string, error) {
	u := c.baseURL + "/api/statement?key=" + url.QueryEscape(key)
	req, err := http.NewRequest(http.MethodDelete, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("DELETE failed: %w", err)
	}
	defer resp.Body.Close()

	var sr statementResponse
	if err := decodeBody(resp, &sr); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("DELETE status=%d: %s", resp.StatusCode, sr.Error)
	}
	return sr.Key, nil
}

func decodeBody(resp *http.Response, out *statementResponse) error {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode: %w body=%s", err, string(b))
	}
	return nil
}
