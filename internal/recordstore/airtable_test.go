package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hensonwx/wxsync/internal/models"
	"github.com/hensonwx/wxsync/internal/reconcile"
)

func newTestClient(srvURL string) *Client {
	c := New(srvURL, "appTEST", "WX", "secret", "datetime")
	c.pagePace = 0
	return c
}

func TestListExistingPaginates(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Query().Get("offset") == "" {
			fmt.Fprint(w, `{"records":[
				{"id":"r1","fields":{"datetime":"2024-06-01","temp":70.0}},
				{"id":"r2","fields":{"temp":65.0}}
			],"offset":"page2"}`)
			return
		}
		fmt.Fprint(w, `{"records":[{"id":"r3","fields":{"datetime":"2024-06-02","temp":68.0}}]}`)
	}))
	defer srv.Close()

	existing, err := newTestClient(srv.URL).ListExisting(context.Background())
	if err != nil {
		t.Fatalf("ListExisting: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if len(existing) != 2 {
		t.Fatalf("expected 2 keyed records (one has no date), got %d", len(existing))
	}
	if existing["2024-06-01"].ID != "r1" || existing["2024-06-02"].ID != "r3" {
		t.Errorf("records = %+v", existing)
	}
}

func TestListExistingAmbiguousKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[
			{"id":"r1","fields":{"datetime":"2024-06-01"}},
			{"id":"r2","fields":{"datetime":"2024-06-01"}}
		]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).ListExisting(context.Background())
	var ambiguous *reconcile.AmbiguousKeyError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("expected AmbiguousKeyError, got %v", err)
	}
	if ambiguous.DateKey != "2024-06-01" || len(ambiguous.RecordIDs) != 2 {
		t.Errorf("got %+v", ambiguous)
	}
}

func TestApplyBatchesAndCounts(t *testing.T) {
	type call struct {
		method string
		count  int
	}
	var calls []call
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Records []apiRecord `json:"records"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		calls = append(calls, call{method: r.Method, count: len(payload.Records)})
		json.NewEncoder(w).Encode(map[string]any{"records": payload.Records})
	}))
	defer srv.Close()

	var decisions []models.Decision
	for i := 0; i < 12; i++ {
		decisions = append(decisions, models.Decision{
			Kind:    models.DecisionCreate,
			DateKey: fmt.Sprintf("2024-06-%02d", i+1),
			Fields:  map[string]any{"datetime": fmt.Sprintf("2024-06-%02d", i+1)},
		})
	}
	decisions = append(decisions,
		models.Decision{Kind: models.DecisionUpdate, DateKey: "2024-07-01", RecordID: "r8", Fields: map[string]any{"temp": 70.1}},
		models.Decision{Kind: models.DecisionNoOp, DateKey: "2024-07-02", RecordID: "r9"},
	)

	result, err := newTestClient(srv.URL).Apply(context.Background(), decisions)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if result.Created != 12 || result.Updated != 1 || result.Unchanged != 1 {
		t.Errorf("result = %+v", result)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}

	// 12 creates split into 10+2, then one update batch.
	want := []call{{"POST", 10}, {"POST", 2}, {"PATCH", 1}}
	if len(calls) != len(want) {
		t.Fatalf("calls = %+v", calls)
	}
	for i, w := range want {
		if calls[i] != w {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], w)
		}
	}
}

func TestApplyRejectedBatchIsSoftWarning(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, `{"error":"INVALID_VALUE_FOR_COLUMN"}`, http.StatusUnprocessableEntity)
			return
		}
		var payload struct {
			Records []apiRecord `json:"records"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		json.NewEncoder(w).Encode(map[string]any{"records": payload.Records})
	}))
	defer srv.Close()

	var decisions []models.Decision
	for i := 0; i < 11; i++ {
		decisions = append(decisions, models.Decision{
			Kind:    models.DecisionCreate,
			DateKey: fmt.Sprintf("2024-06-%02d", i+1),
			Fields:  map[string]any{"datetime": fmt.Sprintf("2024-06-%02d", i+1)},
		})
	}

	result, err := newTestClient(srv.URL).Apply(context.Background(), decisions)
	if err != nil {
		t.Fatalf("soft rejection must not be a hard error, got %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", result.Warnings)
	}
	if result.Created != 1 {
		t.Errorf("second batch should still apply, created = %d", result.Created)
	}
}

func TestApplyTransportErrorIsHard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := newTestClient(srv.URL).Apply(context.Background(), []models.Decision{
		{Kind: models.DecisionCreate, DateKey: "2024-06-01", Fields: map[string]any{"datetime": "2024-06-01"}},
	})
	if err == nil {
		t.Fatal("expected hard error on transport failure")
	}
}
