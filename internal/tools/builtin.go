package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KBSearchTool searches the bot knowledge documents for a query string.
type KBSearchTool struct {
	docsDir string
}

// NewKBSearchTool creates the knowledge-base search tool rooted at docsDir.
func NewKBSearchTool(docsDir string) *KBSearchTool {
	return &KBSearchTool{docsDir: docsDir}
}

func (t *KBSearchTool) Name() string { return "kb_search" }
func (t *KBSearchTool) Tier() int    { return TierReadOnly }

func (t *KBSearchTool) Description() string {
	return "Search the knowledge documents for lines matching a query. Returns matching lines with their document names."
}

func (t *KBSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Text to search for (case-insensitive)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *KBSearchTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	query := strings.TrimSpace(GetString(params, "query", ""))
	if query == "" {
		return "Error: query is required", nil
	}
	entries, err := os.ReadDir(t.docsDir)
	if err != nil {
		return "No knowledge documents available.", nil
	}
	lower := strings.ToLower(query)
	var sb strings.Builder
	matches := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(t.docsDir, entry.Name()))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			if !strings.Contains(strings.ToLower(line), lower) {
				continue
			}
			sb.WriteString(fmt.Sprintf("[%s] %s\n", entry.Name(), strings.TrimSpace(line)))
			matches++
			if matches >= 20 {
				sb.WriteString("... (more matches truncated)\n")
				return sb.String(), nil
			}
		}
	}
	if matches == 0 {
		return fmt.Sprintf("No matches for %q.", query), nil
	}
	return sb.String(), nil
}

// WebFetchTool retrieves a URL and returns a bounded excerpt of the body.
type WebFetchTool struct {
	client  *http.Client
	maxBody int64
}

// NewWebFetchTool creates the web fetch tool.
func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client:  &http.Client{Timeout: 15 * time.Second},
		maxBody: 64 * 1024,
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Tier() int    { return TierReadOnly }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL over HTTP GET and return the response body (truncated)."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The http(s) URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	rawURL := strings.TrimSpace(GetString(params, "url", ""))
	if rawURL == "" {
		return "Error: url is required", nil
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return "Error: only http(s) URLs are supported", nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Sprintf("Error: invalid URL: %v", err), nil
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("Error fetching %s: %v", rawURL, err), nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil {
		return fmt.Sprintf("Error reading response: %v", err), nil
	}
	return fmt.Sprintf("HTTP %d\n\n%s", resp.StatusCode, string(body)), nil
}

// TicketCreateTool records a ticket in the workspace ticket log. It mutates
// external state and is therefore never available to delegated contexts.
type TicketCreateTool struct {
	workspace string
}

// NewTicketCreateTool creates the ticket tool rooted at the workspace dir.
func NewTicketCreateTool(workspace string) *TicketCreateTool {
	return &TicketCreateTool{workspace: workspace}
}

func (t *TicketCreateTool) Name() string { return "ticket_create" }
func (t *TicketCreateTool) Tier() int    { return TierWrite }

func (t *TicketCreateTool) Description() string {
	return "Create a ticket with a title and description. Returns the ticket ID."
}

func (t *TicketCreateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{
				"type":        "string",
				"description": "Short ticket title",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Ticket body",
			},
		},
		"required": []string{"title"},
	}
}

func (t *TicketCreateTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	title := strings.TrimSpace(GetString(params, "title", ""))
	if title == "" {
		return "Error: title is required", nil
	}
	ticket := map[string]any{
		"id":          "TCK-" + uuid.NewString()[:8],
		"title":       title,
		"description": GetString(params, "description", ""),
		"created_at":  time.Now().Format(time.RFC3339),
	}
	if err := appendJSONLine(filepath.Join(t.workspace, "tickets.jsonl"), ticket); err != nil {
		return fmt.Sprintf("Error creating ticket: %v", err), nil
	}
	return fmt.Sprintf("Created ticket %s: %s", ticket["id"], title), nil
}

// NoteAppendTool appends a note to the workspace notes log.
type NoteAppendTool struct {
	workspace string
}

// NewNoteAppendTool creates the note tool rooted at the workspace dir.
func NewNoteAppendTool(workspace string) *NoteAppendTool {
	return &NoteAppendTool{workspace: workspace}
}

func (t *NoteAppendTool) Name() string { return "note_append" }
func (t *NoteAppendTool) Tier() int    { return TierWrite }

func (t *NoteAppendTool) Description() string {
	return "Append a note to the shared notes log."
}

func (t *NoteAppendTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "The note text",
			},
		},
		"required": []string{"text"},
	}
}

func (t *NoteAppendTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	text := strings.TrimSpace(GetString(params, "text", ""))
	if text == "" {
		return "Error: text is required", nil
	}
	note := map[string]any{
		"text":       text,
		"created_at": time.Now().Format(time.RFC3339),
	}
	if err := appendJSONLine(filepath.Join(t.workspace, "notes.jsonl"), note); err != nil {
		return fmt.Sprintf("Error appending note: %v", err), nil
	}
	return "Note saved.", nil
}

func appendJSONLine(path string, record map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}
