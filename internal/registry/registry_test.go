package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"coinsync/internal/source"
	"coinsync/pkg/storage/postgres"

	"go.uber.org/zap"
)

// memMappingStore is an in-memory Store for tests, mirroring the conflict
// semantics of the Postgres unique indexes.
type memMappingStore struct {
	mu       sync.Mutex
	mappings map[string]postgres.AssetMapping
}

func newMemMappingStore() *memMappingStore {
	return &memMappingStore{mappings: map[string]postgres.AssetMapping{}}
}

func (m *memMappingStore) ListAssetMappings(ctx context.Context) ([]postgres.AssetMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]postgres.AssetMapping, 0, len(m.mappings))
	for _, mapping := range m.mappings {
		out = append(out, mapping)
	}
	return out, nil
}

func (m *memMappingStore) UpsertAssetMappings(ctx context.Context, mappings []postgres.AssetMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mapping := range mappings {
		m.mappings[mapping.AssetUID] = mapping
	}
	return nil
}

func (m *memMappingStore) CreateMappingIfAbsent(ctx context.Context, mapping postgres.AssetMapping) (postgres.AssetMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.mappings {
		if existing.AssetUID == mapping.AssetUID {
			return existing, nil
		}
		if mapping.CoinGeckoID != nil && existing.CoinGeckoID != nil && *mapping.CoinGeckoID == *existing.CoinGeckoID {
			return existing, nil
		}
		if mapping.CoinPaprikaID != nil && existing.CoinPaprikaID != nil && *mapping.CoinPaprikaID == *existing.CoinPaprikaID {
			return existing, nil
		}
	}
	m.mappings[mapping.AssetUID] = mapping
	return mapping, nil
}

func (m *memMappingStore) EnrichMappingSourceIDs(ctx context.Context, assetUID string, coinGeckoID, coinPaprikaID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.mappings[assetUID]
	if !ok {
		return nil
	}
	if coinGeckoID != nil && mapping.CoinGeckoID == nil {
		mapping.CoinGeckoID = coinGeckoID
	}
	if coinPaprikaID != nil && mapping.CoinPaprikaID == nil {
		mapping.CoinPaprikaID = coinPaprikaID
	}
	m.mappings[assetUID] = mapping
	return nil
}

// stubSource serves a fixed snapshot.
type stubSource struct {
	name    string
	records []source.Record
	err     error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, since time.Time) ([]source.Record, error) {
	return s.records, s.err
}

func intPtr(n int) *int { return &n }

func rec(id, symbol, name string, rank int) source.Record {
	r := source.Record{
		ExternalID:      id,
		Symbol:          symbol,
		Name:            name,
		SourceUpdatedAt: time.Now().UTC(),
		Payload:         []byte(`{}`),
	}
	if rank > 0 {
		r.Rank = intPtr(rank)
	}
	return r
}

func bootstrapped(t *testing.T, store Store, primary, secondary []source.Record) *Registry {
	t.Helper()
	reg := New(store, zap.NewNop())
	err := reg.Bootstrap(context.Background(),
		&stubSource{name: source.CoinGecko, records: primary},
		&stubSource{name: source.CoinPaprika, records: secondary},
	)
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	return reg
}

func TestBootstrapMatchesCounterparts(t *testing.T) {
	primary := []source.Record{
		rec("bitcoin", "BTC", "Bitcoin", 1),
		rec("ethereum", "ETH", "Ethereum", 2),
	}
	secondary := []source.Record{
		rec("btc-bitcoin", "BTC", "Bitcoin", 1),
		rec("eth-ethereum", "ETH", "Ethereum", 2),
		rec("xrp-xrp", "XRP", "XRP", 5),
	}

	reg := bootstrapped(t, newMemMappingStore(), primary, secondary)

	entries, err := reg.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %+v", len(entries), entries)
	}

	uid, ok, err := reg.Resolve(source.CoinGecko, "bitcoin", "BTC", "Bitcoin")
	if err != nil || !ok || uid != "bitcoin" {
		t.Fatalf("resolve by coingecko id: uid=%q ok=%v err=%v", uid, ok, err)
	}

	// The paprika-native ID of the matched counterpart resolves to the same UID.
	uid2, ok, err := reg.Resolve(source.CoinPaprika, "btc-bitcoin", "BTC", "Bitcoin")
	if err != nil || !ok || uid2 != uid {
		t.Fatalf("counterpart resolves to %q, want %q (ok=%v err=%v)", uid2, uid, ok, err)
	}

	// Secondary-only assets still get an identity.
	uid3, ok, err := reg.Resolve(source.CoinPaprika, "xrp-xrp", "XRP", "XRP")
	if err != nil || !ok || uid3 != "xrp-xrp" {
		t.Fatalf("secondary-only asset: uid=%q ok=%v err=%v", uid3, ok, err)
	}
}

func TestBootstrapDeterministic(t *testing.T) {
	primary := []source.Record{
		rec("bitcoin", "BTC", "Bitcoin", 1),
		rec("usd-coin", "USDC", "USD Coin", 6),
	}
	secondary := []source.Record{
		rec("usdc-usd-coin", "USDC", "USD-Coin", 6),
		rec("btc-bitcoin", "BTC", "Bitcoin", 1),
	}

	regA := bootstrapped(t, newMemMappingStore(), primary, secondary)
	regB := bootstrapped(t, newMemMappingStore(), primary, secondary)

	entriesA, _ := regA.Entries()
	entriesB, _ := regB.Entries()

	if len(entriesA) != len(entriesB) {
		t.Fatalf("entry counts differ: %d vs %d", len(entriesA), len(entriesB))
	}
	for i := range entriesA {
		if entriesA[i] != entriesB[i] {
			t.Errorf("entry %d differs: %+v vs %+v", i, entriesA[i], entriesB[i])
		}
	}
}

// A prior mapping for a source-native ID wins over minting, keeping UIDs
// stable across restarts.
func TestBootstrapReusesPersistedUID(t *testing.T) {
	store := newMemMappingStore()
	geckoID := "bitcoin"
	store.mappings["legacy-btc"] = postgres.AssetMapping{
		AssetUID:    "legacy-btc",
		CoinGeckoID: &geckoID,
		Symbol:      "BTC",
		Name:        "Bitcoin",
	}

	reg := bootstrapped(t, store,
		[]source.Record{rec("bitcoin", "BTC", "Bitcoin", 1)},
		[]source.Record{rec("btc-bitcoin", "BTC", "Bitcoin", 1)},
	)

	uid, ok, err := reg.Resolve(source.CoinGecko, "bitcoin", "BTC", "Bitcoin")
	if err != nil || !ok || uid != "legacy-btc" {
		t.Fatalf("expected persisted uid legacy-btc, got %q (ok=%v err=%v)", uid, ok, err)
	}
}

func TestBootstrapTieBreak(t *testing.T) {
	primary := []source.Record{rec("bitcoin", "BTC", "Bitcoin", 1)}

	t.Run("rank wins", func(t *testing.T) {
		secondary := []source.Record{
			rec("btc-b", "BTC", "Bitcoin", 2),
			rec("btc-a", "BTC", "Bitcoin", 1),
		}
		reg := bootstrapped(t, newMemMappingStore(), primary, secondary)

		uid, ok, _ := reg.Resolve(source.CoinPaprika, "btc-a", "BTC", "Bitcoin")
		if !ok || uid != "bitcoin" {
			t.Fatalf("highest-ranked candidate should be the counterpart, got %q ok=%v", uid, ok)
		}
	})

	t.Run("lexicographic on equal rank", func(t *testing.T) {
		secondary := []source.Record{
			rec("btc-b", "BTC", "Bitcoin", 1),
			rec("btc-a", "BTC", "Bitcoin", 1),
		}
		reg := bootstrapped(t, newMemMappingStore(), primary, secondary)

		uid, ok, _ := reg.Resolve(source.CoinPaprika, "btc-a", "BTC", "Bitcoin")
		if !ok || uid != "bitcoin" {
			t.Fatalf("lexicographically smaller candidate should be the counterpart, got %q ok=%v", uid, ok)
		}
	})
}

func TestBootstrapFallbackSeeding(t *testing.T) {
	store := newMemMappingStore()
	reg := New(store, zap.NewNop())

	err := reg.Bootstrap(context.Background(),
		&stubSource{name: source.CoinGecko, err: source.ErrUnavailable},
		&stubSource{name: source.CoinPaprika, records: []source.Record{rec("btc-bitcoin", "BTC", "Bitcoin", 1)}},
	)
	if err != nil {
		t.Fatalf("bootstrap with fallback failed: %v", err)
	}

	uid, ok, err := reg.Resolve(source.CoinGecko, "bitcoin", "BTC", "Bitcoin")
	if err != nil || !ok || uid != "bitcoin" {
		t.Fatalf("fallback mapping missing: uid=%q ok=%v err=%v", uid, ok, err)
	}
}

// A record whose native ID is already mapped must resolve via the exact
// source-ID rule even when its symbol and name also match another entry.
func TestResolvePriorityOrder(t *testing.T) {
	reg := bootstrapped(t, newMemMappingStore(),
		[]source.Record{
			rec("bitcoin", "BTC", "Bitcoin", 1),
			rec("bitcoin-clone", "BTC", "Bitcoin Clone", 900),
		},
		[]source.Record{rec("btc-bitcoin", "BTC", "Bitcoin", 1)},
	)

	// Symbol and name point at "bitcoin", but the native ID is mapped to
	// the clone.
	uid, ok, err := reg.Resolve(source.CoinGecko, "bitcoin-clone", "BTC", "Bitcoin")
	if err != nil || !ok || uid != "bitcoin-clone" {
		t.Fatalf("native ID must win: uid=%q ok=%v err=%v", uid, ok, err)
	}
}

func TestResolveBeforeBootstrap(t *testing.T) {
	reg := New(newMemMappingStore(), zap.NewNop())
	if _, _, err := reg.Resolve(source.CoinGecko, "bitcoin", "BTC", "Bitcoin"); err != ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestMintConcurrentConvergence(t *testing.T) {
	reg := bootstrapped(t, newMemMappingStore(),
		[]source.Record{rec("bitcoin", "BTC", "Bitcoin", 1)},
		[]source.Record{rec("btc-bitcoin", "BTC", "Bitcoin", 1)},
	)

	ctx := context.Background()
	uids := make([]string, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		uids[0], errs[0] = reg.Mint(ctx, source.CoinGecko, "newcoin", "NEW", "New Coin", intPtr(101))
	}()
	go func() {
		defer wg.Done()
		uids[1], errs[1] = reg.Mint(ctx, source.CoinPaprika, "new-newcoin", "NEW", "New Coin", intPtr(101))
	}()
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("mint errors: %v, %v", errs[0], errs[1])
	}
	if uids[0] != uids[1] {
		t.Fatalf("concurrent mints diverged: %q vs %q", uids[0], uids[1])
	}

	entries, _ := reg.Entries()
	count := 0
	for _, e := range entries {
		if e.Symbol == "NEW" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one NEW entry, got %d", count)
	}
}

func TestRecordSourceID(t *testing.T) {
	store := newMemMappingStore()
	reg := bootstrapped(t, store,
		[]source.Record{rec("bitcoin", "BTC", "Bitcoin", 1)},
		[]source.Record{rec("eth-ethereum", "ETH", "Ethereum", 2)},
	)

	// "bitcoin" has no paprika ID yet; a record resolving via symbol+name
	// donates it.
	if err := reg.RecordSourceID(context.Background(), "bitcoin", source.CoinPaprika, "btc-bitcoin"); err != nil {
		t.Fatalf("record source id: %v", err)
	}

	uid, ok, err := reg.Resolve(source.CoinPaprika, "btc-bitcoin", "", "")
	if err != nil || !ok || uid != "bitcoin" {
		t.Fatalf("enriched ID should resolve: uid=%q ok=%v err=%v", uid, ok, err)
	}

	// The ID must not be stolen by a different asset.
	if err := reg.RecordSourceID(context.Background(), "eth-ethereum", source.CoinPaprika, "btc-bitcoin"); err != nil {
		t.Fatalf("record source id: %v", err)
	}
	uid, _, _ = reg.Resolve(source.CoinPaprika, "btc-bitcoin", "", "")
	if uid != "bitcoin" {
		t.Fatalf("ID reassigned to %q", uid)
	}
}
