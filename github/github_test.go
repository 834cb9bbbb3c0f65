package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	openswe "github.com/openswe/openswe"
)

var testRepo = openswe.Repository{Owner: "acme", Name: "widgets"}

func TestUsesPAT(t *testing.T) {
	c := NewWithPAT("ghp_test")
	if !c.UsesPAT() {
		t.Error("PAT client should report UsesPAT")
	}
	tok, err := c.CloneToken(context.Background())
	if err != nil {
		t.Fatalf("CloneToken: %v", err)
	}
	if tok != "ghp_test" {
		t.Errorf("token = %q", tok)
	}
	// RefreshAuth is a no-op for PATs.
	if err := c.RefreshAuth(context.Background()); err != nil {
		t.Fatalf("RefreshAuth: %v", err)
	}
}

func TestGetIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/issues/42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ghp_test" {
			t.Errorf("auth = %q", got)
		}
		fmt.Fprint(w, `{"number":42,"title":"Fix bug","body":"details","labels":[{"name":"open-swe"}]}`)
	}))
	defer srv.Close()

	c := NewWithPAT("ghp_test", WithBaseURL(srv.URL))
	issue, err := c.GetIssue(context.Background(), testRepo, 42)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if issue.Number != 42 || issue.Title != "Fix bug" {
		t.Errorf("issue = %+v", issue)
	}
	if len(issue.Labels) != 1 || issue.Labels[0] != "open-swe" {
		t.Errorf("labels = %v", issue.Labels)
	}
}

func TestGetIssue_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewWithPAT("t", WithBaseURL(srv.URL))
	_, err := c.GetIssue(context.Background(), testRepo, 99)
	var httpErr *openswe.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want ErrHTTP", err)
	}
	if httpErr.Status != http.StatusNotFound {
		t.Errorf("status = %d", httpErr.Status)
	}
}

func TestListIssueComments_Pagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		var comments []map[string]any
		n := 3
		if page == "1" {
			n = commentsPerPage
		}
		for i := 0; i < n; i++ {
			comments = append(comments, map[string]any{
				"id":   i,
				"user": map[string]any{"login": "alice"},
				"body": "hi",
			})
		}
		json.NewEncoder(w).Encode(comments)
	}))
	defer srv.Close()

	c := NewWithPAT("t", WithBaseURL(srv.URL))
	comments, err := c.ListIssueComments(context.Background(), testRepo, 1)
	if err != nil {
		t.Fatalf("ListIssueComments: %v", err)
	}
	if len(comments) != commentsPerPage+3 {
		t.Errorf("comments = %d, want %d", len(comments), commentsPerPage+3)
	}
	if comments[0].Author != "alice" {
		t.Errorf("author = %q", comments[0].Author)
	}
}

func TestCreatePullRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["head"] != "open-swe/issue-1-ab" || payload["draft"] != true {
			t.Errorf("payload = %v", payload)
		}
		fmt.Fprint(w, `{"number":7,"title":"[WIP]: Fix","draft":true,"html_url":"https://github.com/acme/widgets/pull/7"}`)
	}))
	defer srv.Close()

	c := NewWithPAT("t", WithBaseURL(srv.URL))
	pr, err := c.CreatePullRequest(context.Background(), testRepo, "open-swe/issue-1-ab", "main", "[WIP]: Fix", "body", true)
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}
	if pr.Number != 7 || !pr.Draft {
		t.Errorf("pr = %+v", pr)
	}
}

func TestDefaultBranch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"default_branch":"trunk"}`)
	}))
	defer srv.Close()

	c := NewWithPAT("t", WithBaseURL(srv.URL))
	branch, err := c.DefaultBranch(context.Background(), testRepo)
	if err != nil {
		t.Fatalf("DefaultBranch: %v", err)
	}
	if branch != "trunk" {
		t.Errorf("branch = %q", branch)
	}
}

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func TestAppAuth_MintsAndRefreshesOn401(t *testing.T) {
	var minted atomic.Int32
	var apiCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/app/installations/123/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		n := minted.Add(1)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token":"ghs_tok%d","expires_at":"2099-01-01T00:00:00Z"}`, n)
	})
	mux.HandleFunc("/repos/acme/widgets/issues/1", func(w http.ResponseWriter, r *http.Request) {
		// First API call fails auth; the retry with a fresh token succeeds.
		if apiCalls.Add(1) == 1 {
			http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ghs_tok2" {
			t.Errorf("auth = %q, want refreshed token", got)
		}
		fmt.Fprint(w, `{"number":1,"title":"t","body":"b"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewApp("12345", 123, testPrivateKeyPEM(t), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if c.UsesPAT() {
		t.Error("app client should not report UsesPAT")
	}

	issue, err := c.GetIssue(context.Background(), testRepo, 1)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if issue.Number != 1 {
		t.Errorf("issue = %+v", issue)
	}
	if minted.Load() != 2 {
		t.Errorf("minted = %d tokens, want 2 (initial + refresh)", minted.Load())
	}
}

func TestAppAuth_CachesToken(t *testing.T) {
	var minted atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/app/installations/9/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		minted.Add(1)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"token":"ghs_cached","expires_at":"2099-01-01T00:00:00Z"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewApp("1", 9, testPrivateKeyPEM(t), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tok, err := c.CloneToken(ctx)
		if err != nil {
			t.Fatalf("CloneToken: %v", err)
		}
		if tok != "ghs_cached" {
			t.Errorf("token = %q", tok)
		}
	}
	if minted.Load() != 1 {
		t.Errorf("minted = %d, want 1 (cached)", minted.Load())
	}
}

func TestAppAuth_BadKey(t *testing.T) {
	if _, err := NewApp("1", 1, "not a pem"); err == nil {
		t.Fatal("expected error for invalid key")
	}
}
