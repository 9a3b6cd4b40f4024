package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hensonwx/wxsync/internal/metrics"
	"github.com/hensonwx/wxsync/internal/models"
	"github.com/hensonwx/wxsync/internal/provider"
	"github.com/hensonwx/wxsync/internal/reconcile"
	"github.com/hensonwx/wxsync/internal/recordstore"
)

// scriptedProvider returns one queued response or error per Fetch call.
type scriptedProvider struct {
	responses []fetchResponse
	calls     int
}

type fetchResponse struct {
	set *provider.SeriesSet
	err error
}

func (p *scriptedProvider) Fetch(ctx context.Context, start, end time.Time) (*provider.SeriesSet, error) {
	if p.calls >= len(p.responses) {
		return nil, errors.New("unexpected fetch")
	}
	r := p.responses[p.calls]
	p.calls++
	return r.set, r.err
}

func (p *scriptedProvider) Name() string { return "scripted" }

type fakeStore struct {
	existing  map[string]models.StoreRecord
	listErr   error
	applied   [][]models.Decision
	result    *recordstore.CommitResult
	applyErr  error
	listCalls int
}

func (s *fakeStore) ListExisting(ctx context.Context) (map[string]models.StoreRecord, error) {
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.existing, nil
}

func (s *fakeStore) Apply(ctx context.Context, decisions []models.Decision) (*recordstore.CommitResult, error) {
	s.applied = append(s.applied, decisions)
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	if s.result != nil {
		return s.result, nil
	}
	res := &recordstore.CommitResult{}
	for _, d := range decisions {
		switch d.Kind {
		case models.DecisionCreate:
			res.Created++
		case models.DecisionUpdate:
			res.Updated++
		default:
			res.Unchanged++
		}
	}
	return res, nil
}

func setForDate(date string, temp float64) *provider.SeriesSet {
	return &provider.SeriesSet{
		Dates: []string{date},
		Daily: map[string][]*float64{
			"temperature_2m_mean": {ptr(temp)},
		},
		Raw: []byte(`{}`),
	}
}

func testConfig() Config {
	return Config{
		ChunkDays:  1,
		RetryDelay: time.Millisecond,
		ChunkPause: 0,
		Tolerance:  reconcile.Tolerance{AbsEps: 0.01},
	}
}

func TestDriverProcessesChunksInOrder(t *testing.T) {
	p := &scriptedProvider{responses: []fetchResponse{
		{set: setForDate("2024-01-01", 5.0)},
		{set: setForDate("2024-01-02", 6.0)},
	}}
	store := &fakeStore{}
	d := NewDriver(testConfig(), p, store, nil)

	summary, err := d.Run(context.Background(), day("2024-01-01"), day("2024-01-02"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.calls != 2 {
		t.Errorf("fetch calls = %d, want 2", p.calls)
	}
	if len(summary.Chunks) != 2 {
		t.Fatalf("chunk results = %d, want 2", len(summary.Chunks))
	}
	if summary.Created != 2 {
		t.Errorf("created = %d, want 2", summary.Created)
	}
	if summary.Chunks[0].Chunk.Start.After(summary.Chunks[1].Chunk.Start) {
		t.Error("chunks out of order")
	}
	if store.listCalls != 2 {
		t.Errorf("list calls = %d, want one per chunk", store.listCalls)
	}
}

func TestDriverRetriesTransientFetch(t *testing.T) {
	p := &scriptedProvider{responses: []fetchResponse{
		{err: &provider.TransientError{Op: "scripted", Err: errors.New("503")}},
		{err: &provider.TransientError{Op: "scripted", Err: errors.New("503")}},
		{set: setForDate("2024-01-01", 5.0)},
	}}
	store := &fakeStore{}
	d := NewDriver(testConfig(), p, store, nil)

	summary, err := d.Run(context.Background(), day("2024-01-01"), day("2024-01-01"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.calls != 3 {
		t.Errorf("fetch calls = %d, want 3 including retries", p.calls)
	}
	if summary.Chunks[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", summary.Chunks[0].Attempts)
	}
}

func TestDriverAbortsOnPermanentFetchError(t *testing.T) {
	p := &scriptedProvider{responses: []fetchResponse{
		{err: errors.New("bad request")},
	}}
	d := NewDriver(testConfig(), p, &fakeStore{}, nil)

	_, err := d.Run(context.Background(), day("2024-01-01"), day("2024-01-03"))
	if err == nil {
		t.Fatal("want abort on permanent fetch error")
	}
	if p.calls != 1 {
		t.Errorf("fetch calls = %d, want 1 with no retry", p.calls)
	}
}

func TestDriverStopsRetryingAtCap(t *testing.T) {
	transient := &provider.TransientError{Op: "scripted", Err: errors.New("timeout")}
	p := &scriptedProvider{responses: []fetchResponse{
		{err: transient}, {err: transient}, {err: transient},
	}}
	cfg := testConfig()
	cfg.MaxRetries = 2
	d := NewDriver(cfg, p, &fakeStore{}, nil)

	_, err := d.Run(context.Background(), day("2024-01-01"), day("2024-01-01"))
	if err == nil {
		t.Fatal("want error after retry cap")
	}
	if p.calls != 3 {
		t.Errorf("fetch calls = %d, want initial try plus 2 retries", p.calls)
	}
}

func TestDriverAbortsOnAmbiguousKey(t *testing.T) {
	p := &scriptedProvider{responses: []fetchResponse{
		{set: setForDate("2024-01-01", 5.0)},
	}}
	store := &fakeStore{
		listErr: &reconcile.AmbiguousKeyError{DateKey: "2024-01-01", RecordIDs: []string{"a", "b"}},
	}
	d := NewDriver(testConfig(), p, store, nil)

	_, err := d.Run(context.Background(), day("2024-01-01"), day("2024-01-02"))
	var localErr *LocalError
	if !errors.As(err, &localErr) {
		t.Fatalf("want LocalError, got %v", err)
	}
	if len(store.applied) != 0 {
		t.Error("nothing must be committed after an ambiguous key")
	}
}

func TestDriverAbortsOnHardCommitError(t *testing.T) {
	p := &scriptedProvider{responses: []fetchResponse{
		{set: setForDate("2024-01-01", 5.0)},
		{set: setForDate("2024-01-02", 6.0)},
	}}
	store := &fakeStore{applyErr: errors.New("connection reset")}
	d := NewDriver(testConfig(), p, store, nil)

	_, err := d.Run(context.Background(), day("2024-01-01"), day("2024-01-02"))
	if err == nil {
		t.Fatal("want abort on hard commit error")
	}
	if p.calls != 1 {
		t.Errorf("fetch calls = %d, later chunks must not run", p.calls)
	}
}

func TestDriverAdvancesPastSoftWarnings(t *testing.T) {
	p := &scriptedProvider{responses: []fetchResponse{
		{set: setForDate("2024-01-01", 5.0)},
		{set: setForDate("2024-01-02", 6.0)},
	}}
	store := &fakeStore{result: &recordstore.CommitResult{
		Warnings: []string{"batch rejected: 422"},
	}}
	d := NewDriver(testConfig(), p, store, nil)

	summary, err := d.Run(context.Background(), day("2024-01-01"), day("2024-01-02"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Chunks) != 2 {
		t.Fatalf("chunk results = %d, want 2: warnings must not stop the run", len(summary.Chunks))
	}
	if len(summary.Warnings) != 2 {
		t.Errorf("warnings = %d, want one per chunk", len(summary.Warnings))
	}
}

func TestDriverAdvancesPastEmptyChunk(t *testing.T) {
	empty := &provider.SeriesSet{Dates: []string{"2024-01-01"}, Daily: map[string][]*float64{
		"temperature_2m_mean": {nil},
	}}
	p := &scriptedProvider{responses: []fetchResponse{
		{set: empty},
		{set: setForDate("2024-01-02", 6.0)},
	}}
	store := &fakeStore{}
	d := NewDriver(testConfig(), p, store, nil)

	summary, err := d.Run(context.Background(), day("2024-01-01"), day("2024-01-02"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Chunks[0].Status != "empty" {
		t.Errorf("first chunk status = %q, want empty", summary.Chunks[0].Status)
	}
	if len(store.applied) != 1 {
		t.Errorf("apply calls = %d, want 1 for the non-empty chunk only", len(store.applied))
	}
}

func TestDriverUpdatesAndNoOps(t *testing.T) {
	p := &scriptedProvider{responses: []fetchResponse{
		{set: setForDate("2024-01-01", 5.0)},
	}}
	store := &fakeStore{existing: map[string]models.StoreRecord{
		"2024-01-01": {ID: "rec1", DateKey: "2024-01-01", Fields: map[string]any{
			"temp_c": 9.0,
		}},
	}}
	d := NewDriver(testConfig(), p, store, nil)

	summary, err := d.Run(context.Background(), day("2024-01-01"), day("2024-01-01"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Updated != 1 || summary.Created != 0 {
		t.Errorf("updated=%d created=%d, want the drifted record updated", summary.Updated, summary.Created)
	}
	if _, ok := store.applied[0][0].Fields["fetched_at"]; !ok {
		t.Error("writes must carry a fetched_at stamp")
	}
}

func TestDriverNoOpWhenStoreMatches(t *testing.T) {
	p := &scriptedProvider{responses: []fetchResponse{
		{set: setForDate("2024-01-01", 5.0)},
	}}
	store := &fakeStore{existing: map[string]models.StoreRecord{
		"2024-01-01": {ID: "rec1", DateKey: "2024-01-01", Fields: map[string]any{
			"datetime":   "2024-01-01",
			"temp_c":     5.0,
			"temp_f":     41.0,
			"fetched_at": "2024-01-01T00:00:00Z",
		}},
	}}
	d := NewDriver(testConfig(), p, store, nil)

	summary, err := d.Run(context.Background(), day("2024-01-01"), day("2024-01-01"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// The stale fetched_at on the stored record must not force an update.
	if summary.Unchanged != 1 || summary.Updated != 0 {
		t.Errorf("unchanged=%d updated=%d, want a clean no-op", summary.Unchanged, summary.Updated)
	}
}

func TestDriverCountsReconciledOncePerRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"records":[]}`)
			return
		}
		var req struct {
			Records []struct {
				Fields map[string]any `json:"fields"`
			} `json:"records"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode push: %v", err)
		}
		resp := map[string]any{"records": make([]map[string]any, len(req.Records))}
		for i, rec := range req.Records {
			resp["records"].([]map[string]any)[i] = map[string]any{"id": fmt.Sprintf("rec%d", i), "fields": rec.Fields}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &scriptedProvider{responses: []fetchResponse{
		{set: setForDate("2024-01-01", 5.0)},
	}}
	store := recordstore.New(server.URL, "appTEST", "Weather Log", "token", DateField)
	d := NewDriver(testConfig(), p, store, nil)

	before := testutil.ToFloat64(metrics.RecordsReconciled.WithLabelValues("create"))
	summary, err := d.Run(context.Background(), day("2024-01-01"), day("2024-01-01"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Created != 1 {
		t.Fatalf("created = %d, want 1", summary.Created)
	}

	// One created record moves the counter by exactly one, even with the
	// real store client committing it.
	after := testutil.ToFloat64(metrics.RecordsReconciled.WithLabelValues("create"))
	if got := after - before; got != 1 {
		t.Errorf("reconciled counter moved by %v for one record, want 1", got)
	}
}
