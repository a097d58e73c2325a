package caseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"berkut-cases/config"
	"berkut-cases/core/cases"
	"berkut-cases/core/store"
	"berkut-cases/core/utils"
)

const maxErrorBody = 4 << 10

// Client talks to the cases HTTP API as one user. It implements
// casework.Backend.
type Client struct {
	baseURL string
	userID  int64
	http    *http.Client
	logger  *utils.Logger
}

func New(cfg config.ClientConfig, logger *utils.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		userID:  cfg.UserID,
		http:    &http.Client{Timeout: cfg.Timeout()},
		logger:  logger,
	}
}

// WithHTTPClient swaps the transport, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) ListCases(ctx context.Context, filter store.CaseFilter) ([]store.Case, error) {
	q := url.Values{}
	if filter.Search != "" {
		q.Set("q", filter.Search)
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	if filter.MineUserID > 0 {
		q.Set("mine", "1")
	}
	var out struct {
		Items []store.Case `json:"items"`
	}
	path := "/api/cases"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) CreateCase(ctx context.Context, in cases.CreateCaseInput) (*store.Case, error) {
	var out struct {
		Case *store.Case `json:"case"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/cases", in, &out); err != nil {
		return nil, err
	}
	return out.Case, nil
}

func (c *Client) GetCase(ctx context.Context, caseID int64) (*store.Case, error) {
	var out struct {
		Case *store.Case `json:"case"`
	}
	if err := c.do(ctx, http.MethodGet, casePath(caseID, ""), nil, &out); err != nil {
		return nil, err
	}
	return out.Case, nil
}

func (c *Client) PutCase(ctx context.Context, caseID int64, patch cases.CasePatch, expectedVersion int) (*store.Case, error) {
	body := struct {
		cases.CasePatch
		Version int `json:"version"`
	}{patch, expectedVersion}
	var out struct {
		Case *store.Case `json:"case"`
	}
	if err := c.do(ctx, http.MethodPut, casePath(caseID, ""), body, &out); err != nil {
		return nil, err
	}
	return out.Case, nil
}

func (c *Client) CloseCase(ctx context.Context, caseID int64) (*store.Case, error) {
	var out struct {
		Case *store.Case `json:"case"`
	}
	if err := c.do(ctx, http.MethodPost, casePath(caseID, "/close"), nil, &out); err != nil {
		return nil, err
	}
	return out.Case, nil
}

func (c *Client) ListStages(ctx context.Context, caseID int64) ([]store.CaseStage, error) {
	var out struct {
		Items []store.CaseStage `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, casePath(caseID, "/stages"), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) AddStage(ctx context.Context, caseID int64, in cases.AddStageInput) (*store.CaseStage, *store.StageEntry, error) {
	var out struct {
		Stage *store.CaseStage  `json:"stage"`
		Entry *store.StageEntry `json:"entry"`
	}
	if err := c.do(ctx, http.MethodPost, casePath(caseID, "/stages"), in, &out); err != nil {
		return nil, nil, err
	}
	return out.Stage, out.Entry, nil
}

func (c *Client) UpdateStage(ctx context.Context, caseID, stageID int64, patch cases.StagePatch, expectedVersion int) (*store.CaseStage, error) {
	body := struct {
		cases.StagePatch
		Version int `json:"version"`
	}{patch, expectedVersion}
	var out struct {
		Stage *store.CaseStage `json:"stage"`
	}
	if err := c.do(ctx, http.MethodPut, stagePath(caseID, stageID, ""), body, &out); err != nil {
		return nil, err
	}
	return out.Stage, nil
}

func (c *Client) DeleteStage(ctx context.Context, caseID, stageID int64, expectedVersion int) error {
	path := stagePath(caseID, stageID, "") + "?version=" + strconv.Itoa(expectedVersion)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) CompleteStage(ctx context.Context, caseID, stageID int64) (*store.CaseStage, error) {
	var out struct {
		Stage *store.CaseStage `json:"stage"`
	}
	if err := c.do(ctx, http.MethodPost, stagePath(caseID, stageID, "/complete"), nil, &out); err != nil {
		return nil, err
	}
	return out.Stage, nil
}

func (c *Client) GetStageEntry(ctx context.Context, caseID, stageID int64) (*store.StageEntry, error) {
	var out struct {
		Entry *store.StageEntry `json:"entry"`
	}
	if err := c.do(ctx, http.MethodGet, stagePath(caseID, stageID, "/content"), nil, &out); err != nil {
		return nil, err
	}
	return out.Entry, nil
}

func (c *Client) PutStageEntry(ctx context.Context, caseID, stageID int64, content, changeReason string, expectedVersion int) (*store.StageEntry, error) {
	body := map[string]any{
		"content":       content,
		"change_reason": changeReason,
		"version":       expectedVersion,
	}
	var out struct {
		Entry *store.StageEntry `json:"entry"`
	}
	if err := c.do(ctx, http.MethodPut, stagePath(caseID, stageID, "/content"), body, &out); err != nil {
		return nil, err
	}
	return out.Entry, nil
}

func (c *Client) Timeline(ctx context.Context, caseID int64, eventType string) ([]store.TimelineEvent, error) {
	path := casePath(caseID, "/timeline")
	if eventType != "" {
		path += "?type=" + url.QueryEscape(eventType)
	}
	var out struct {
		Items []store.TimelineEvent `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-User-ID", strconv.FormatInt(c.userID, 10))
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("caseclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return c.responseError(method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("caseclient: decode %s %s: %w", method, path, err)
	}
	return nil
}

// responseError turns an error response back into the service error it was
// written from. Server failures stay plain errors so callers treat them as
// transport problems.
func (c *Client) responseError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	code := strings.TrimSpace(string(raw))
	if known := cases.Lookup(code); known != nil {
		return known
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		c.logger.Debugf("caseclient: %s %s: status %d", method, path, resp.StatusCode)
		return fmt.Errorf("caseclient: %s %s: status %d: %s", method, path, resp.StatusCode, code)
	}
	if code == "" {
		code = http.StatusText(resp.StatusCode)
	}
	return &cases.Error{Code: code, Status: resp.StatusCode}
}

func casePath(caseID int64, suffix string) string {
	return "/api/cases/" + strconv.FormatInt(caseID, 10) + suffix
}

func stagePath(caseID, stageID int64, suffix string) string {
	return casePath(caseID, "/stages/"+strconv.FormatInt(stageID, 10)+suffix)
}
