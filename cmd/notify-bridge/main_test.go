package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/title-market/backend/internal/events"
)

func TestForwardPostsEvent(t *testing.T) {
	var got events.Event
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("X-Event-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	fw := &forwarder{url: srv.URL, client: srv.Client(), log: zap.NewNop()}
	ev := events.Event{
		ID:         uuid.New(),
		Seq:        7,
		Type:       events.EventBidPlaced,
		Title:      "title-1",
		Payload:    map[string]any{"amount": "110"},
		OccurredAt: time.Now().UTC(),
	}

	if err := fw.forward(context.Background(), ev); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if gotType != events.EventBidPlaced {
		t.Errorf("X-Event-Type = %q", gotType)
	}
	if got.Seq != 7 || got.Title != "title-1" || got.Payload["amount"] != "110" {
		t.Errorf("unexpected body: %+v", got)
	}
}

func TestForwardReportsWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fw := &forwarder{url: srv.URL, client: srv.Client(), log: zap.NewNop()}
	if err := fw.forward(context.Background(), events.Event{Type: events.EventBidPlaced}); err == nil {
		t.Fatal("expected error for 502")
	}
}
