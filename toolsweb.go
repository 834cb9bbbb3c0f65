package openswe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
)

// maxDocumentBytes bounds how much of a fetched document is kept.
const maxDocumentBytes = 2 << 20

var webClient = &http.Client{Timeout: 30 * time.Second}

// fetchDocument downloads a URL and extracts readable text: PDF pages for
// PDFs, article extraction for HTML, raw body for everything else.
func fetchDocument(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := webClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &ErrHTTP{Status: resp.StatusCode, Body: resp.Status}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return "", err
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/pdf") || bytes.HasPrefix(body, []byte("%PDF")):
		return pdfText(body)
	case strings.Contains(contentType, "text/html"):
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return "", err
		}
		article, err := readability.FromReader(bytes.NewReader(body), parsed)
		if err != nil {
			return "", fmt.Errorf("readability: %w", err)
		}
		text := strings.TrimSpace(article.TextContent)
		if article.Title != "" {
			text = article.Title + "\n\n" + text
		}
		return text, nil
	default:
		return string(body), nil
	}
}

// pdfText extracts plain text from a PDF document.
func pdfText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf: %w", err)
	}
	var b strings.Builder
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf text: %w", err)
	}
	if _, err := io.Copy(&b, plain); err != nil {
		return "", err
	}
	return b.String(), nil
}

type getURLArgs struct {
	URL string `json:"url" jsonschema:"description=URL to fetch"`
}

// GetURLContentTool fetches a URL's readable content and caches it on the
// thread so repeated lookups and searches stay free.
func GetURLContentTool() Tool {
	return Tool{
		Name:        "get_url_content",
		Description: "Fetch a URL and return its readable text. HTML is reduced to the article text; PDFs are extracted.",
		Schema:      SchemaFor[getURLArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a getURLArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "get_url_content", Message: err.Error()}
			}
			if a.URL == "" {
				return ToolResult{}, &ErrToolExecution{Tool: "get_url_content", Message: "url is required"}
			}
			if cached, ok := state.DocumentCache[a.URL]; ok {
				return ToolResult{Content: cached, Status: ToolSuccess}, nil
			}
			text, err := fetchDocument(ctx, a.URL)
			if err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			return ToolResult{
				Content: text,
				Status:  ToolSuccess,
				Update:  &StateUpdate{DocumentCache: map[string]string{a.URL: text}},
			}, nil
		},
	}
}

type searchDocumentArgs struct {
	URL   string `json:"url" jsonschema:"description=URL of the document to search"`
	Query string `json:"query" jsonschema:"description=What to look for"`
}

const searchDocumentPrompt = `Extract every passage from the document that answers the query.
Quote the relevant passages and note where in the document they appear.
If nothing is relevant, say so.`

// SearchDocumentTool answers a query against a cached (or freshly fetched)
// document using the summarizer chain, so large documents never flood the
// agent's own context.
func SearchDocumentTool() Tool {
	return Tool{
		Name:        "search_document_for",
		Description: "Search a previously fetched document for passages relevant to a query.",
		Schema:      SchemaFor[searchDocumentArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a searchDocumentArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "search_document_for", Message: err.Error()}
			}
			if a.URL == "" || a.Query == "" {
				return ToolResult{}, &ErrToolExecution{Tool: "search_document_for", Message: "url and query are required"}
			}

			text, ok := state.DocumentCache[a.URL]
			var update *StateUpdate
			if !ok {
				var err error
				text, err = fetchDocument(ctx, a.URL)
				if err != nil {
					return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
				}
				update = &StateUpdate{DocumentCache: map[string]string{a.URL: text}}
			}

			resp, modelKey, err := cfg.Services.Router.Chat(ctx, ClassSummarizer, ChatRequest{
				Messages: []Message{
					SystemMessage(searchDocumentPrompt),
					HumanMessage("Query: " + a.Query + "\n\nDocument:\n" + text),
				},
			})
			if err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			usage := &StateUpdate{TokenData: &TokenData{ByModel: map[string]Usage{modelKey: resp.Usage}}}
			if update == nil {
				update = usage
			} else {
				update = mergeUpdates(update, usage)
			}
			return ToolResult{Content: resp.Content, Status: ToolSuccess, Update: update}, nil
		},
	}
}
