// Package github implements openswe.SourceControl against the GitHub REST
// API, with either a personal access token or GitHub App installation auth.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	openswe "github.com/openswe/openswe"
)

const defaultBaseURL = "https://api.github.com"

// commentsPerPage is the page size for issue comment listing.
const commentsPerPage = 100

// authRetries bounds 401-triggered token refresh attempts per call.
const authRetries = 2

// Client implements openswe.SourceControl. Exactly one of pat or app is set.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	pat string
	app *appAuth
}

var _ openswe.SourceControl = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base, for GitHub Enterprise or tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewWithPAT creates a client authenticated with a personal access token.
func NewWithPAT(token string, opts ...Option) *Client {
	c := &Client{baseURL: defaultBaseURL, http: &http.Client{}, logger: slog.New(discardHandler{}), pat: token}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewApp creates a client authenticated as a GitHub App installation. The
// private key is the PEM the host generated for the app; installation tokens
// are minted on demand and cached until near expiry.
func NewApp(appID string, installationID int64, privateKeyPEM string, opts ...Option) (*Client, error) {
	auth, err := newAppAuth(appID, installationID, privateKeyPEM)
	if err != nil {
		return nil, err
	}
	c := &Client{baseURL: defaultBaseURL, http: &http.Client{}, logger: slog.New(discardHandler{}), app: auth}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// UsesPAT reports whether auth is a long-lived personal token.
func (c *Client) UsesPAT() bool { return c.app == nil }

// CloneToken returns a token usable in an HTTPS clone/push URL.
func (c *Client) CloneToken(ctx context.Context) (string, error) {
	if c.app == nil {
		return c.pat, nil
	}
	return c.app.currentToken(ctx, c.mintInstallationToken)
}

// RefreshAuth regenerates the installation token. A no-op for PAT auth.
func (c *Client) RefreshAuth(ctx context.Context) error {
	if c.app == nil {
		return nil
	}
	return c.app.forceRefresh(ctx, c.mintInstallationToken)
}

// --- Issues ---

type wireIssue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (w wireIssue) toIssue() *openswe.Issue {
	issue := &openswe.Issue{Number: w.Number, Title: w.Title, Body: w.Body, UpdatedAt: w.UpdatedAt}
	for _, l := range w.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue
}

func (c *Client) GetIssue(ctx context.Context, repo openswe.Repository, number int) (*openswe.Issue, error) {
	var w wireIssue
	path := fmt.Sprintf("/repos/%s/issues/%d", repo.Slug(), number)
	if err := c.call(ctx, http.MethodGet, path, nil, &w); err != nil {
		return nil, err
	}
	return w.toIssue(), nil
}

func (c *Client) CreateIssue(ctx context.Context, repo openswe.Repository, title, body string, labels []string) (*openswe.Issue, error) {
	var w wireIssue
	payload := map[string]any{"title": title, "body": body}
	if len(labels) > 0 {
		payload["labels"] = labels
	}
	if err := c.call(ctx, http.MethodPost, "/repos/"+repo.Slug()+"/issues", payload, &w); err != nil {
		return nil, err
	}
	return w.toIssue(), nil
}

func (c *Client) UpdateIssueBody(ctx context.Context, repo openswe.Repository, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d", repo.Slug(), number)
	return c.call(ctx, http.MethodPatch, path, map[string]any{"body": body}, nil)
}

type wireComment struct {
	ID   int64 `json:"id"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (w wireComment) toComment() openswe.IssueComment {
	return openswe.IssueComment{ID: w.ID, Author: w.User.Login, Body: w.Body, CreatedAt: w.CreatedAt}
}

// ListIssueComments returns all comments, following pagination.
func (c *Client) ListIssueComments(ctx context.Context, repo openswe.Repository, number int) ([]openswe.IssueComment, error) {
	var all []openswe.IssueComment
	for page := 1; ; page++ {
		var batch []wireComment
		path := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=%d&page=%d", repo.Slug(), number, commentsPerPage, page)
		if err := c.call(ctx, http.MethodGet, path, nil, &batch); err != nil {
			return nil, err
		}
		for _, w := range batch {
			all = append(all, w.toComment())
		}
		if len(batch) < commentsPerPage {
			return all, nil
		}
	}
}

func (c *Client) CreateIssueComment(ctx context.Context, repo openswe.Repository, number int, body string) (*openswe.IssueComment, error) {
	var w wireComment
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo.Slug(), number)
	if err := c.call(ctx, http.MethodPost, path, map[string]any{"body": body}, &w); err != nil {
		return nil, err
	}
	comment := w.toComment()
	return &comment, nil
}

// --- Pull requests ---

type wirePull struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Draft   bool   `json:"draft"`
	HTMLURL string `json:"html_url"`
}

func (c *Client) CreatePullRequest(ctx context.Context, repo openswe.Repository, head, base, title, body string, draft bool) (*openswe.PullRequest, error) {
	var w wirePull
	payload := map[string]any{"head": head, "base": base, "title": title, "body": body, "draft": draft}
	if err := c.call(ctx, http.MethodPost, "/repos/"+repo.Slug()+"/pulls", payload, &w); err != nil {
		return nil, err
	}
	return &openswe.PullRequest{Number: w.Number, Title: w.Title, Draft: w.Draft, URL: w.HTMLURL}, nil
}

func (c *Client) ReplyToReviewComment(ctx context.Context, repo openswe.Repository, prNumber int, commentID int64, body string) error {
	path := fmt.Sprintf("/repos/%s/pulls/%d/comments/%d/replies", repo.Slug(), prNumber, commentID)
	return c.call(ctx, http.MethodPost, path, map[string]any{"body": body}, nil)
}

func (c *Client) CreateReviewReply(ctx context.Context, repo openswe.Repository, prNumber int, reviewID int64, body string) error {
	path := fmt.Sprintf("/repos/%s/pulls/%d/comments", repo.Slug(), prNumber)
	return c.call(ctx, http.MethodPost, path, map[string]any{"body": body, "in_reply_to": reviewID}, nil)
}

func (c *Client) DefaultBranch(ctx context.Context, repo openswe.Repository) (string, error) {
	var w struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.call(ctx, http.MethodGet, "/repos/"+repo.Slug(), nil, &w); err != nil {
		return "", err
	}
	return w.DefaultBranch, nil
}

// --- Transport ---

// call issues one REST request, decoding the response into out when non-nil.
// A 401 with app auth refreshes the installation token and retries, at most
// twice per call; every other non-2xx surfaces as *openswe.ErrHTTP.
func (c *Client) call(ctx context.Context, method, path string, payload, out any) error {
	var lastErr error
	for attempt := 0; attempt <= authRetries; attempt++ {
		err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var httpErr *openswe.ErrHTTP
		if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized || c.UsesPAT() {
			return err
		}
		c.logger.Warn("github: auth expired, refreshing", "path", path, "attempt", attempt+1)
		if err := c.RefreshAuth(ctx); err != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("github: marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.CloneToken(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &openswe.ErrExternal{System: "github", Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		return &openswe.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(data),
			RetryAfter: openswe.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("github: decode response: %w", err)
	}
	return nil
}

// mintInstallationToken exchanges an app JWT for an installation token.
func (c *Client) mintInstallationToken(ctx context.Context, appJWT string, installationID int64) (string, time.Time, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("github: create token request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+appJWT)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", time.Time{}, &openswe.ErrExternal{System: "github", Op: "mint installation token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return "", time.Time{}, &openswe.ErrHTTP{Status: resp.StatusCode, Body: string(data)}
	}
	var w struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return "", time.Time{}, fmt.Errorf("github: decode token response: %w", err)
	}
	c.logger.Debug("github: installation token minted", "expires", w.ExpiresAt)
	return w.Token, w.ExpiresAt, nil
}
