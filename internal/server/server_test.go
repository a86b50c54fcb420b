package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coinsync/internal/etl"
	"coinsync/internal/registry"
	"coinsync/internal/source"
	"coinsync/pkg/storage/postgres"

	"go.uber.org/zap"
)

// fakeQuery serves canned read results and records the paging it was asked for.
type fakeQuery struct {
	healthy   bool
	assets    []postgres.NormalizedAsset
	lastLimit int
	lastRun   *postgres.RunRecord
}

func (q *fakeQuery) ListNormalizedAssets(_ context.Context, _, _ string, limit, _ int) ([]postgres.NormalizedAsset, error) {
	q.lastLimit = limit
	return q.assets, nil
}

func (q *fakeQuery) CountNormalizedAssets(context.Context, string) (int64, error) {
	return int64(len(q.assets)), nil
}

func (q *fakeQuery) ListRawRecords(context.Context, string, int, int) ([]postgres.RawRecord, error) {
	return nil, nil
}

func (q *fakeQuery) CountRawRecords(context.Context, string) (int64, error) { return 0, nil }

func (q *fakeQuery) ListRuns(context.Context, string, int, int) ([]postgres.RunRecord, error) {
	return nil, nil
}

func (q *fakeQuery) ListCheckpoints(context.Context) ([]postgres.Checkpoint, error) {
	return nil, nil
}

func (q *fakeQuery) GetStats(context.Context) (*postgres.Stats, error) {
	return &postgres.Stats{}, nil
}

func (q *fakeQuery) LastRun(context.Context) (*postgres.RunRecord, error) { return q.lastRun, nil }

func (q *fakeQuery) IsHealthy(context.Context) bool { return q.healthy }

// nopRunStore satisfies the runner's store with throwaway state.
type nopRunStore struct{}

func (nopRunStore) InsertRawRecords(context.Context, []postgres.RawRecord) error { return nil }
func (nopRunStore) UpsertNormalizedAssets(context.Context, []postgres.NormalizedAsset) error {
	return nil
}
func (nopRunStore) GetCheckpoint(_ context.Context, src string) (postgres.Checkpoint, error) {
	return postgres.Checkpoint{Source: src}, nil
}
func (nopRunStore) AdvanceCheckpoint(context.Context, string, time.Time, time.Time) error {
	return nil
}
func (nopRunStore) CreateRun(context.Context, postgres.RunRecord) error   { return nil }
func (nopRunStore) FinalizeRun(context.Context, postgres.RunRecord) error { return nil }

// memMappings is the minimal registry store for bootstrap.
type memMappings struct{ byUID map[string]postgres.AssetMapping }

func (m *memMappings) ListAssetMappings(context.Context) ([]postgres.AssetMapping, error) {
	return nil, nil
}
func (m *memMappings) UpsertAssetMappings(_ context.Context, mappings []postgres.AssetMapping) error {
	for _, mp := range mappings {
		m.byUID[mp.AssetUID] = mp
	}
	return nil
}
func (m *memMappings) CreateMappingIfAbsent(_ context.Context, mapping postgres.AssetMapping) (postgres.AssetMapping, error) {
	if existing, ok := m.byUID[mapping.AssetUID]; ok {
		return existing, nil
	}
	m.byUID[mapping.AssetUID] = mapping
	return mapping, nil
}
func (m *memMappings) EnrichMappingSourceIDs(context.Context, string, *string, *string) error {
	return nil
}

type stubSource struct {
	name    string
	records []source.Record
	started chan struct{}
	release chan struct{}
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, _ time.Time) ([]source.Record, error) {
	if s.started != nil {
		close(s.started)
		s.started = nil
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.records, nil
}

var feedTime = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, query Query, feed source.Source) *Server {
	t.Helper()
	log := zap.NewNop()

	rank := 1
	primary := &stubSource{name: source.CoinGecko, records: []source.Record{
		{ExternalID: "bitcoin", Symbol: "BTC", Name: "Bitcoin", Rank: &rank, SourceUpdatedAt: feedTime},
	}}
	secondary := &stubSource{name: source.CoinPaprika, records: []source.Record{
		{ExternalID: "btc-bitcoin", Symbol: "BTC", Name: "Bitcoin", Rank: &rank, SourceUpdatedAt: feedTime},
	}}

	reg := registry.New(&memMappings{byUID: map[string]postgres.AssetMapping{}}, log)
	if err := reg.Bootstrap(context.Background(), primary, secondary); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	runner := etl.NewRunner(nopRunStore{}, etl.NewNormalizer(reg, log), []source.Source{feed}, nil, log)
	return New(runner, query, reg, log)
}

func defaultFeed() *stubSource {
	return &stubSource{name: source.CSVFeed, records: []source.Record{
		{Symbol: "BTC", Name: "Bitcoin", SourceUpdatedAt: feedTime, Payload: []byte(`{}`)},
	}}
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestTriggerRun(t *testing.T) {
	srv := newTestServer(t, &fakeQuery{healthy: true}, defaultFeed())

	rec := doRequest(t, srv, http.MethodPost, "/etl/run/csvfeed")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != postgres.RunStatusSuccess {
		t.Errorf("run status = %v", body["status"])
	}
	if body["source"] != source.CSVFeed {
		t.Errorf("source = %v", body["source"])
	}
}

func TestTriggerRunUnknownSource(t *testing.T) {
	srv := newTestServer(t, &fakeQuery{healthy: true}, defaultFeed())

	if rec := doRequest(t, srv, http.MethodPost, "/etl/run/kraken"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTriggerRunConflict(t *testing.T) {
	feed := defaultFeed()
	feed.started = make(chan struct{})
	feed.release = make(chan struct{})
	started := feed.started
	srv := newTestServer(t, &fakeQuery{healthy: true}, feed)

	done := make(chan struct{})
	go func() {
		defer close(done)
		doRequest(t, srv, http.MethodPost, "/etl/run/csvfeed")
	}()

	<-started
	if rec := doRequest(t, srv, http.MethodPost, "/etl/run/csvfeed"); rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	close(feed.release)
	<-done
}

func TestTriggerRunBackground(t *testing.T) {
	srv := newTestServer(t, &fakeQuery{healthy: true}, defaultFeed())

	rec := doRequest(t, srv, http.MethodPost, "/etl/run-background/csvfeed")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "accepted" {
		t.Errorf("body = %v", body)
	}
}

func TestTriggerRunAll(t *testing.T) {
	srv := newTestServer(t, &fakeQuery{healthy: true}, defaultFeed())

	rec := doRequest(t, srv, http.MethodPost, "/etl/run-all")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Errorf("success = %v, body %s", body["success"], rec.Body.String())
	}
	if results, ok := body["results"].([]interface{}); !ok || len(results) != 1 {
		t.Errorf("results = %v", body["results"])
	}
}

func TestDataEndpoint(t *testing.T) {
	price := 64000.0
	query := &fakeQuery{healthy: true, assets: []postgres.NormalizedAsset{
		{AssetUID: "bitcoin", Source: source.CSVFeed, Symbol: "BTC", PriceUSD: &price, SourceUpdatedAt: feedTime},
	}}
	srv := newTestServer(t, query, defaultFeed())

	rec := doRequest(t, srv, http.MethodGet, "/data?symbol=BTC")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total_items"] != float64(1) {
		t.Errorf("total_items = %v", body["total_items"])
	}
	if body["page"] != float64(1) || body["page_size"] != float64(50) {
		t.Errorf("default paging = %v/%v", body["page"], body["page_size"])
	}
}

func TestPaginationClamp(t *testing.T) {
	query := &fakeQuery{healthy: true}
	srv := newTestServer(t, query, defaultFeed())

	if rec := doRequest(t, srv, http.MethodGet, "/data?page_size=9999"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if query.lastLimit != 200 {
		t.Errorf("page size not clamped, limit = %d", query.lastLimit)
	}
}

func TestRegistryEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeQuery{healthy: true}, defaultFeed())

	rec := doRequest(t, srv, http.MethodGet, "/registry")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if mappings, ok := body["mappings"].([]interface{}); !ok || len(mappings) == 0 {
		t.Errorf("mappings = %v", body["mappings"])
	}
}

func TestHealth(t *testing.T) {
	finished := feedTime.Add(time.Minute)
	query := &fakeQuery{healthy: true, lastRun: &postgres.RunRecord{
		Source: source.CSVFeed, Status: postgres.RunStatusSuccess,
		StartedAt: feedTime, FinishedAt: &finished,
	}}
	srv := newTestServer(t, query, defaultFeed())

	rec := doRequest(t, srv, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "healthy" || body["db_connected"] != true {
		t.Errorf("body = %v", body)
	}
	if body["etl_status"] != postgres.RunStatusSuccess {
		t.Errorf("etl_status = %v", body["etl_status"])
	}
}

func TestHealthDegraded(t *testing.T) {
	srv := newTestServer(t, &fakeQuery{healthy: false}, defaultFeed())

	rec := doRequest(t, srv, http.MethodGet, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "degraded" {
		t.Errorf("body = %v", body)
	}
}
