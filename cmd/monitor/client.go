package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agent_foundry/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) listAgents() ([]domain.Agent, error) {
	var out []domain.Agent
	return out, c.getJSON("/api/v1/agents", &out)
}

func (c *client) agentLogs(agentID string, limit int) ([]domain.Log, error) {
	var out []domain.Log
	return out, c.getJSON(fmt.Sprintf("/api/v1/agents/%s/logs?limit=%d", url.PathEscape(agentID), limit), &out)
}

func (c *client) listCampaigns() ([]domain.Campaign, error) {
	var out []domain.Campaign
	return out, c.getJSON("/api/v1/campaigns", &out)
}

func (c *client) pendingActions() ([]domain.GovernanceAction, error) {
	var out []domain.GovernanceAction
	return out, c.getJSON("/api/v1/governance/actions?status=pending", &out)
}

// dispatchResult mirrors the tool outcome returned by the API.
type dispatchResult struct {
	Matched bool   `json:"matched"`
	Tool    string `json:"tool"`
	Error   string `json:"error"`
	Result  *struct {
		Message string `json:"message"`
	} `json:"result"`
}

func (c *client) dispatch(agentID, text string) (dispatchResult, error) {
	var out dispatchResult
	err := c.postJSON(fmt.Sprintf("/api/v1/agents/%s/dispatch", url.PathEscape(agentID)), map[string]string{"text": text}, &out)
	return out, err
}

func (c *client) createAgent(name, objective, strategyID string) (domain.Agent, error) {
	var out domain.Agent
	err := c.postJSON("/api/v1/agents", map[string]any{
		"name":        name,
		"objective":   objective,
		"strategy_id": strategyID,
	}, &out)
	return out, err
}

func (c *client) agentCommand(agentID, command string, body any) error {
	return c.postJSON(fmt.Sprintf("/api/v1/agents/%s/%s", url.PathEscape(agentID), command), body, nil)
}

func (c *client) resolveAction(actionID string, approve bool) error {
	verb := "reject"
	if approve {
		verb = "apply"
	}
	return c.postJSON(fmt.Sprintf("/api/v1/governance/actions/%s/%s", url.PathEscape(actionID), verb), nil, nil)
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := c.http.Get(c.baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}
