package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/mrdeploy/internal/config"
)

// APIClient talks to the supervisor's HTTP API.
type APIClient struct {
	baseURL  string
	client   *http.Client
	username string
	password string
}

// Status mirrors the API's status response.
type Status struct {
	Running   bool       `json:"running"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ExitErr   string     `json:"exit_error,omitempty"`
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080/deploy"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// WithBasicAuth sets credentials sent with every request.
func (c *APIClient) WithBasicAuth(username, password string) *APIClient {
	c.username, c.password = username, password
	return c
}

func (c *APIClient) Status() (Status, error) {
	return c.do(http.MethodGet, "/status")
}

// Please asks the supervisor to run a command (start, stop, restart, retry).
func (c *APIClient) Please(name string) (Status, error) {
	return c.do(http.MethodPost, "/please/"+name)
}

func (c *APIClient) do(method, path string) (Status, error) {
	var st Status
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return st, err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return st, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, &errorResp) == nil && errorResp.Error != "" {
			return st, fmt.Errorf("API error: %s", errorResp.Error)
		}
		return st, fmt.Errorf("API error: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// newClientFromFlags fills unset client flags from the configuration file.
func newClientFromFlags(gf *GlobalFlags, f ClientFlags) (*APIClient, error) {
	base, user, pass := f.APIUrl, f.Username, f.Password
	if base == "" || user == "" {
		cfg, err := config.Load(gf.ConfigPath)
		if err != nil {
			return nil, err
		}
		if base == "" {
			base = apiURL(cfg.Server)
		}
		if user == "" {
			user, pass = cfg.Server.Username, cfg.Server.Password
		}
	}
	return NewAPIClient(base, f.APITimeout).WithBasicAuth(user, pass), nil
}

// apiURL derives the client URL from the server's listen address.
func apiURL(s config.ServerConfig) string {
	host := s.Listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	host = strings.Replace(host, "0.0.0.0:", "127.0.0.1:", 1)
	return "http://" + host + strings.TrimRight(s.BasePath, "/")
}

func printStatus(w io.Writer, st Status) {
	if st.Running {
		if st.PID != 0 {
			_, _ = fmt.Fprintf(w, "running (pid %d)\n", st.PID)
			return
		}
		_, _ = fmt.Fprintln(w, "running")
		return
	}
	if st.ExitErr != "" {
		_, _ = fmt.Fprintf(w, "stopped (%s)\n", st.ExitErr)
		return
	}
	_, _ = fmt.Fprintln(w, "stopped")
}
