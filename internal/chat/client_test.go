package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateMessagePostsJSON(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-123")
	if err := c.CreateMessage(context.Background(), "conv-9", "hello there"); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if gotPath != "/conversations/conv-9/messages" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if gotBody["text"] != "hello there" || gotBody["conversation_id"] != "conv-9" {
		t.Errorf("unexpected body %v", gotBody)
	}
}

func TestCreateMessageErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if err := c.CreateMessage(context.Background(), "conv-9", "hi"); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

func TestCreateMessageRequiresBaseURL(t *testing.T) {
	c := NewClient("", "")
	if err := c.CreateMessage(context.Background(), "conv-9", "hi"); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}
