package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestClient_SendsTokenAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/agents/lead/next":
			w.WriteHeader(http.StatusNoContent)
		case "/api/tasks/t1/assign":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck
			json.NewEncoder(w).Encode(map[string]string{"id": "t1", "assignee": body["assignee"]}) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := newClient(srv.URL+"/", "tok")

	var got map[string]string
	if err := c.post(ctx, "/api/tasks/t1/assign", map[string]string{"assignee": "writer"}, &got); err != nil {
		t.Fatalf("post: %v", err)
	}
	if got["assignee"] != "writer" {
		t.Errorf("unexpected response %v", got)
	}

	found, err := c.get(ctx, "/api/agents/lead/next", &got)
	if err != nil || found {
		t.Errorf("expected no content, got found=%v err=%v", found, err)
	}

	_, err = c.get(ctx, "/api/missing", nil)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected 404 error, got %v", err)
	}

	_, err = newClient(srv.URL, "").get(ctx, "/api/agents/lead/next", nil)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("expected 401 error, got %v", err)
	}
}

func TestStatusText(t *testing.T) {
	color.NoColor = true
	tests := []struct {
		status string
		width  int
		want   string
	}{
		{"in_progress", 0, "In Progress"},
		{"completed", 12, "Completed   "},
		{"unknown", 0, "Unknown"},
	}
	for _, tt := range tests {
		if got := statusText(tt.status, tt.width); got != tt.want {
			t.Errorf("statusText(%q, %d) = %q, want %q", tt.status, tt.width, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo world", 5); got != "héll…" {
		t.Errorf("got %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
}
