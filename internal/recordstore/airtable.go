package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hensonwx/wxsync/internal/httputil"
	"github.com/hensonwx/wxsync/internal/metrics"
	"github.com/hensonwx/wxsync/internal/models"
	"github.com/hensonwx/wxsync/internal/reconcile"
)

const (
	defaultBatchSize = 10
	defaultPagePace  = 200 * time.Millisecond
)

// Client talks to an Airtable-style date-keyed record table. It owns batching
// and pagination; callers only see per-record decisions and a commit result.
type Client struct {
	baseURL   string
	token     string
	dateField string
	batchSize int
	pagePace  time.Duration
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
}

// New builds a client for one base and table. The date field is the column
// holding the natural key (a YYYY-MM-DD string).
func New(apiURL, baseID, table, token, dateField string) *Client {
	return &Client{
		baseURL:   fmt.Sprintf("%s/%s/%s", apiURL, baseID, url.PathEscape(table)),
		token:     token,
		dateField: dateField,
		batchSize: defaultBatchSize,
		pagePace:  defaultPagePace,
		client:    httputil.NewClient(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "recordstore",
			Timeout: 30 * time.Second,
		}),
	}
}

// CommitResult summarizes one Apply call. Warnings are soft commit failures:
// batches the store rejected without a transport error. They need review but
// do not block range progress.
type CommitResult struct {
	Created   int
	Updated   int
	Unchanged int
	Warnings  []string
}

type apiRecord struct {
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

type listResponse struct {
	Records []apiRecord `json:"records"`
	Offset  string      `json:"offset,omitempty"`
}

// ListExisting materializes every record in the table, keyed by date. It
// pages through the whole table before returning so reconciliation sees a
// complete picture. Two records claiming one date key is store corruption
// and comes back as *reconcile.AmbiguousKeyError.
func (c *Client) ListExisting(ctx context.Context) (map[string]models.StoreRecord, error) {
	existing := make(map[string]models.StoreRecord)
	offset := ""

	for {
		reqURL := c.baseURL
		if offset != "" {
			reqURL += "?offset=" + url.QueryEscape(offset)
		}

		body, err := c.do(ctx, http.MethodGet, reqURL, nil, "list")
		if err != nil {
			return nil, fmt.Errorf("list existing: %w", err)
		}

		var page listResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("list existing: unmarshal: %w", err)
		}

		for _, rec := range page.Records {
			key, ok := rec.Fields[c.dateField].(string)
			if !ok || key == "" {
				continue
			}
			if prev, dup := existing[key]; dup {
				return nil, &reconcile.AmbiguousKeyError{
					DateKey:   key,
					RecordIDs: []string{prev.ID, rec.ID},
				}
			}
			existing[key] = models.StoreRecord{
				ID:      rec.ID,
				DateKey: key,
				Fields:  rec.Fields,
			}
		}

		if page.Offset == "" {
			break
		}
		offset = page.Offset
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pagePace):
		}
	}

	log.Printf("recordstore: found %d existing records", len(existing))
	return existing, nil
}

// Apply commits reconciliation decisions: creates and updates in batches,
// no-ops counted and skipped. Hard transport failures return an error; store
// rejections of a batch become warnings in the result.
func (c *Client) Apply(ctx context.Context, decisions []models.Decision) (*CommitResult, error) {
	result := &CommitResult{}

	var creates, updates []apiRecord
	for _, d := range decisions {
		switch d.Kind {
		case models.DecisionCreate:
			creates = append(creates, apiRecord{Fields: d.Fields})
		case models.DecisionUpdate:
			updates = append(updates, apiRecord{ID: d.RecordID, Fields: d.Fields})
		case models.DecisionNoOp:
			result.Unchanged++
		}
	}

	if len(creates) > 0 {
		log.Printf("recordstore: creating %d records", len(creates))
		n, warnings, err := c.push(ctx, http.MethodPost, creates)
		if err != nil {
			return nil, fmt.Errorf("create records: %w", err)
		}
		result.Created = n
		result.Warnings = append(result.Warnings, warnings...)
	}

	if len(updates) > 0 {
		log.Printf("recordstore: updating %d records", len(updates))
		n, warnings, err := c.push(ctx, http.MethodPatch, updates)
		if err != nil {
			return nil, fmt.Errorf("update records: %w", err)
		}
		result.Updated = n
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

func (c *Client) push(ctx context.Context, method string, records []apiRecord) (int, []string, error) {
	applied := 0
	var warnings []string

	for i := 0; i < len(records); i += c.batchSize {
		end := i + c.batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[i:end]

		payload, err := json.Marshal(map[string]any{"records": batch})
		if err != nil {
			return applied, warnings, fmt.Errorf("marshal batch: %w", err)
		}

		op := "create"
		if method == http.MethodPatch {
			op = "update"
		}

		body, err := c.do(ctx, method, c.baseURL, payload, op)
		if err != nil {
			var rej *rejectedError
			if errors.As(err, &rej) {
				// The store refused the batch but the transport is fine:
				// surface it and keep going.
				warnings = append(warnings, fmt.Sprintf("%s batch %d: %s", op, i/c.batchSize+1, rej.Error()))
				continue
			}
			return applied, warnings, err
		}

		var resp listResponse
		if err := json.Unmarshal(body, &resp); err == nil && len(resp.Records) > 0 {
			applied += len(resp.Records)
		} else {
			applied += len(batch)
		}

		select {
		case <-ctx.Done():
			return applied, warnings, ctx.Err()
		case <-time.After(c.pagePace):
		}
	}

	return applied, warnings, nil
}

// rejectedError is a non-2xx response from the store: a soft failure for
// writes, a hard one for reads.
type rejectedError struct {
	status int
	body   string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func (c *Client) do(ctx context.Context, method, reqURL string, payload []byte, op string) ([]byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			metrics.StoreAPICalls.WithLabelValues(op, "error").Inc()
			return nil, err
		}
		defer resp.Body.Close()
		metrics.StoreAPICalls.WithLabelValues(op, fmt.Sprintf("%d", resp.StatusCode)).Inc()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &rejectedError{status: resp.StatusCode, body: truncate(string(body), 200)}
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
