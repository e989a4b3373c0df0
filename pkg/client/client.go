package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dougsko/k4d/pkg/protocol"
)

// APIClient talks to the k4d REST API
type APIClient struct {
	baseURL string
	http    *http.Client
}

// APIError is a non-2xx reply from the daemon
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// RadioList is the reply of ListRadios
type RadioList struct {
	Radios   []protocol.RadioConfig `json:"radios"`
	Count    int                    `json:"count"`
	ActiveID string                 `json:"active_id"`
}

// Command is one CAT command description
type Command struct {
	Mnemonic string `json:"mnemonic"`
	Sub      bool   `json:"sub"`
	Field    string `json:"field"`
	Label    string `json:"label"`
}

// NewAPIClient creates a client for the daemon at baseURL, e.g.
// http://localhost:8000
func NewAPIClient(baseURL string) *APIClient {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// do sends a request and decodes the JSON reply into out when non-nil
func (c *APIClient) do(method, path string, body, out interface{}) error {
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
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	return nil
}

// GetStatus gets the current daemon status
func (c *APIClient) GetStatus() (*protocol.Status, error) {
	var status protocol.Status
	if err := c.do(http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListRadios returns the configured radios
func (c *APIClient) ListRadios() (*RadioList, error) {
	var list RadioList
	if err := c.do(http.MethodGet, "/radios", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// AddRadio stores a new radio and returns it with its id
func (c *APIClient) AddRadio(rc protocol.RadioConfig) (*protocol.RadioConfig, error) {
	body := map[string]interface{}{
		"name":        rc.Name,
		"host":        rc.Host,
		"port":        rc.Port,
		"description": rc.Description,
		"enabled":     rc.Enabled,
	}
	if rc.Password != "" {
		body["password"] = rc.Password
	}

	var out protocol.RadioConfig
	if err := c.do(http.MethodPost, "/radios", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveRadio deletes a radio
func (c *APIClient) RemoveRadio(id string) error {
	return c.do(http.MethodDelete, "/radios/"+url.PathEscape(id), nil, nil)
}

// Activate switches the daemon to a radio and waits for the connection
func (c *APIClient) Activate(id string) (*protocol.RadioConfig, error) {
	var out struct {
		Radio protocol.RadioConfig `json:"radio"`
	}
	if err := c.do(http.MethodPost, "/radios/"+url.PathEscape(id)+"/activate", nil, &out); err != nil {
		return nil, err
	}
	return &out.Radio, nil
}

// Deactivate disconnects the active radio
func (c *APIClient) Deactivate() error {
	return c.do(http.MethodPost, "/radios/deactivate", nil, nil)
}

// SendCAT sends raw CAT text to the active radio and returns what was written
func (c *APIClient) SendCAT(command string) (string, error) {
	var out struct {
		Command string `json:"command"`
	}
	if err := c.do(http.MethodPost, "/cat", map[string]string{"command": command}, &out); err != nil {
		return "", err
	}
	return out.Command, nil
}

// ListCommands returns the CAT vocabulary, filtered by mnemonic prefix
func (c *APIClient) ListCommands(prefix string) ([]Command, error) {
	path := "/commands"
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}
	var out struct {
		Commands []Command `json:"commands"`
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}
