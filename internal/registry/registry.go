package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"coinsync/internal/source"
	"coinsync/pkg/storage/postgres"

	"go.uber.org/zap"
)

// ErrNotReady is returned when a lookup arrives before bootstrap completed.
// The registry is never exposed partially populated: bootstrap builds the
// full state aside and publishes it in one step.
var ErrNotReady = errors.New("asset registry not bootstrapped")

// Store is the durable side of the registry.
type Store interface {
	ListAssetMappings(ctx context.Context) ([]postgres.AssetMapping, error)
	UpsertAssetMappings(ctx context.Context, mappings []postgres.AssetMapping) error
	CreateMappingIfAbsent(ctx context.Context, mapping postgres.AssetMapping) (postgres.AssetMapping, error)
	EnrichMappingSourceIDs(ctx context.Context, assetUID string, coinGeckoID, coinPaprikaID *string) error
}

// Entry is one canonical asset identity with every known source-native ID.
// Empty ID fields mean the source has not presented this asset yet.
type Entry struct {
	AssetUID      string
	CoinGeckoID   string
	CoinPaprikaID string
	Symbol        string
	Name          string
	Rank          *int
}

// Registry maps any source-local identifier to a canonical asset_uid.
// Lookups are read-mostly and safe for concurrent use by multiple
// simultaneously running sources; minting is insert-if-absent so two
// sources discovering the same new asset converge on one UID.
type Registry struct {
	store  Store
	logger *zap.Logger

	mu    sync.RWMutex
	ready bool
	state *state
}

type state struct {
	entries   map[string]*Entry   // asset_uid -> entry
	byGecko   map[string]string   // coingecko_id -> asset_uid
	byPaprika map[string]string   // coinpaprika_id -> asset_uid
	bySymbol  map[string][]string // folded symbol -> asset_uids
}

func newState() *state {
	return &state{
		entries:   map[string]*Entry{},
		byGecko:   map[string]string{},
		byPaprika: map[string]string{},
		bySymbol:  map[string][]string{},
	}
}

func (s *state) add(e *Entry) {
	s.entries[e.AssetUID] = e
	if e.CoinGeckoID != "" {
		s.byGecko[e.CoinGeckoID] = e.AssetUID
	}
	if e.CoinPaprikaID != "" {
		s.byPaprika[e.CoinPaprikaID] = e.AssetUID
	}
	sym := NormalizeSymbol(e.Symbol)
	if sym != "" {
		s.bySymbol[sym] = appendUnique(s.bySymbol[sym], e.AssetUID)
	}
}

func appendUnique(uids []string, uid string) []string {
	for _, existing := range uids {
		if existing == uid {
			return uids
		}
	}
	return append(uids, uid)
}

func New(store Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
	}
}

// Bootstrap builds the registry from the top-ranked assets of the primary
// and secondary authoritative sources, persists the result, and publishes
// it atomically. Prior persisted mappings are loaded first so asset UIDs
// stay stable across restarts. When either source cannot be fetched the
// well-known fallback set is seeded instead.
func (r *Registry) Bootstrap(ctx context.Context, primary, secondary source.Source) error {
	started := time.Now()

	existing, err := r.store.ListAssetMappings(ctx)
	if err != nil {
		return fmt.Errorf("load persisted mappings: %w", err)
	}

	st := newState()
	for i := range existing {
		st.add(entryFromMapping(existing[i]))
	}

	primaryRecs, primaryErr := primary.Fetch(ctx, time.Time{})
	secondaryRecs, secondaryErr := secondary.Fetch(ctx, time.Time{})

	if primaryErr != nil {
		r.logger.Error("bootstrap fetch failed", zap.String("source", primary.Name()), zap.Error(primaryErr))
	}
	if secondaryErr != nil {
		r.logger.Error("bootstrap fetch failed", zap.String("source", secondary.Name()), zap.Error(secondaryErr))
	}

	if len(primaryRecs) == 0 || len(secondaryRecs) == 0 {
		r.logger.Warn("bootstrap fetch incomplete, seeding fallback mappings")
		if err := r.seedFallback(ctx, st); err != nil {
			return err
		}
		r.publish(st)
		return nil
	}

	full, primaryOnly := r.matchSources(st, primaryRecs, secondaryRecs)

	mappings := make([]postgres.AssetMapping, 0, len(st.entries))
	for _, e := range st.entries {
		mappings = append(mappings, mappingFromEntry(e))
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].AssetUID < mappings[j].AssetUID })

	if err := r.store.UpsertAssetMappings(ctx, mappings); err != nil {
		return fmt.Errorf("persist mappings: %w", err)
	}

	r.publish(st)

	r.logger.Info("asset registry bootstrapped",
		zap.Int("mappings", len(mappings)),
		zap.Int("full_matches", full),
		zap.Int("primary_only", primaryOnly),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

// matchSources merges both snapshots into st following the priority order:
// exact source-ID reuse, then symbol + normalized-name counterpart match,
// then deterministic UID minting. Returns counts for logging.
func (r *Registry) matchSources(st *state, primaryRecs, secondaryRecs []source.Record) (fullMatches, primaryOnly int) {
	matchedSecondary := make(map[int]bool, len(secondaryRecs))

	for _, p := range primaryRecs {
		if p.ExternalID == "" && p.Symbol == "" {
			continue
		}

		counterpart := findCounterpart(secondaryRecs, matchedSecondary, p)

		uid, ok := st.byGecko[p.ExternalID]
		if !ok && counterpart >= 0 {
			// The counterpart's native ID may already be mapped from a
			// previous bootstrap.
			uid, ok = st.byPaprika[secondaryRecs[counterpart].ExternalID]
		}
		if !ok {
			uid = CanonicalUID(p.ExternalID, p.Name, p.Symbol)
		}

		entry := st.entries[uid]
		if entry == nil {
			entry = &Entry{AssetUID: uid}
		}
		entry.CoinGeckoID = p.ExternalID
		entry.Symbol = NormalizeSymbol(p.Symbol)
		if p.Name != "" {
			entry.Name = p.Name
		}
		if p.Rank != nil {
			entry.Rank = p.Rank
		}
		if counterpart >= 0 {
			entry.CoinPaprikaID = secondaryRecs[counterpart].ExternalID
			matchedSecondary[counterpart] = true
			fullMatches++
		} else {
			primaryOnly++
		}
		st.add(entry)
	}

	// Secondary assets with no primary counterpart still get an identity.
	for i, s := range secondaryRecs {
		if matchedSecondary[i] || (s.ExternalID == "" && s.Symbol == "") {
			continue
		}

		uid, ok := st.byPaprika[s.ExternalID]
		if !ok {
			uid = CanonicalUID(s.ExternalID, s.Name, s.Symbol)
		}

		entry := st.entries[uid]
		if entry == nil {
			entry = &Entry{AssetUID: uid}
		}
		entry.CoinPaprikaID = s.ExternalID
		if entry.Symbol == "" {
			entry.Symbol = NormalizeSymbol(s.Symbol)
		}
		if entry.Name == "" {
			entry.Name = s.Name
		}
		if entry.Rank == nil {
			entry.Rank = s.Rank
		}
		st.add(entry)
	}

	return fullMatches, primaryOnly
}

// findCounterpart picks the secondary record matching the primary one by
// symbol and normalized name. When several qualify, the highest-ranked
// (lowest numeric rank) wins; remaining ties break on the lexicographically
// smallest native ID so matching is reproducible.
func findCounterpart(secondaryRecs []source.Record, taken map[int]bool, p source.Record) int {
	best := -1
	for i, s := range secondaryRecs {
		if taken[i] {
			continue
		}
		if !SameAsset(p.Symbol, p.Name, s.Symbol, s.Name) {
			continue
		}
		if best < 0 || counterpartLess(s, secondaryRecs[best]) {
			best = i
		}
	}
	return best
}

func counterpartLess(a, b source.Record) bool {
	ra, rb := rankOrHuge(a.Rank), rankOrHuge(b.Rank)
	if ra != rb {
		return ra < rb
	}
	return a.ExternalID < b.ExternalID
}

func rankOrHuge(rank *int) int {
	if rank == nil || *rank <= 0 {
		return 1 << 30
	}
	return *rank
}

func (r *Registry) seedFallback(ctx context.Context, st *state) error {
	for _, seed := range wellKnownEntries {
		if _, exists := st.entries[seed.AssetUID]; exists {
			continue
		}
		adopted, err := r.store.CreateMappingIfAbsent(ctx, mappingFromEntry(&seed))
		if err != nil {
			return fmt.Errorf("seed fallback mapping %s: %w", seed.AssetUID, err)
		}
		st.add(entryFromMapping(adopted))
	}
	return nil
}

func (r *Registry) publish(st *state) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = st
	r.ready = true
}

// Resolve maps a source-native identifier, or a symbol/name pair, to the
// canonical asset_uid. The exact source-ID rule always wins over the
// symbol+name rule. A false result is the no-match signal; the caller
// decides whether to mint.
func (r *Registry) Resolve(src, nativeID, symbol, name string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return "", false, ErrNotReady
	}

	if nativeID != "" {
		switch src {
		case source.CoinGecko:
			if uid, ok := r.state.byGecko[nativeID]; ok {
				return uid, true, nil
			}
		case source.CoinPaprika:
			if uid, ok := r.state.byPaprika[nativeID]; ok {
				return uid, true, nil
			}
		}
	}

	uid, ok := r.resolveBySymbolName(symbol, name)
	return uid, ok, nil
}

// resolveBySymbolName applies the symbol + normalized-name rule with the
// deterministic rank/lexicographic tie-break. Caller holds at least RLock.
func (r *Registry) resolveBySymbolName(symbol, name string) (string, bool) {
	sym := NormalizeSymbol(symbol)
	if sym == "" {
		return "", false
	}
	wanted := NormalizeName(name)
	if wanted == "" {
		return "", false
	}

	var best *Entry
	for _, uid := range r.state.bySymbol[sym] {
		entry := r.state.entries[uid]
		if entry == nil || NormalizeName(entry.Name) != wanted {
			continue
		}
		if best == nil || entryLess(entry, best) {
			best = entry
		}
	}
	if best == nil {
		return "", false
	}
	return best.AssetUID, true
}

func entryLess(a, b *Entry) bool {
	ra, rb := rankOrHuge(a.Rank), rankOrHuge(b.Rank)
	if ra != rb {
		return ra < rb
	}
	return a.AssetUID < b.AssetUID
}

// Mint creates a new identity for an asset no rule matched, adopting any
// entry a concurrent minter (or another process) created first instead of
// forking a duplicate UID.
func (r *Registry) Mint(ctx context.Context, src, nativeID, symbol, name string, rank *int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return "", ErrNotReady
	}

	// Re-check under the write lock: another goroutine may have minted
	// the same asset between our Resolve and now.
	if nativeID != "" {
		switch src {
		case source.CoinGecko:
			if uid, ok := r.state.byGecko[nativeID]; ok {
				return uid, nil
			}
		case source.CoinPaprika:
			if uid, ok := r.state.byPaprika[nativeID]; ok {
				return uid, nil
			}
		}
	}
	if uid, ok := r.resolveBySymbolName(symbol, name); ok {
		return uid, nil
	}

	uid := CanonicalUID(nativeID, name, symbol)
	if uid == "" {
		return "", fmt.Errorf("cannot mint identity: no native ID, name or symbol")
	}

	entry := &Entry{
		AssetUID: uid,
		Symbol:   NormalizeSymbol(symbol),
		Name:     name,
		Rank:     rank,
	}
	switch src {
	case source.CoinGecko:
		entry.CoinGeckoID = nativeID
	case source.CoinPaprika:
		entry.CoinPaprikaID = nativeID
	}

	adopted, err := r.store.CreateMappingIfAbsent(ctx, mappingFromEntry(entry))
	if err != nil {
		return "", fmt.Errorf("mint mapping %s: %w", uid, err)
	}

	// The store returns the winning row, ours or a concurrent writer's.
	won := entryFromMapping(adopted)
	st := r.state
	st.add(won)

	if won.AssetUID != uid {
		r.logger.Info("adopted concurrently minted asset identity",
			zap.String("asset_uid", won.AssetUID),
			zap.String("symbol", won.Symbol))
	} else {
		r.logger.Info("minted new asset identity",
			zap.String("asset_uid", uid),
			zap.String("symbol", entry.Symbol),
			zap.String("source", src))
	}
	return won.AssetUID, nil
}

// RecordSourceID enriches an existing entry with a native ID discovered at
// normalization time, e.g. when a record resolved via symbol+name. IDs
// already present are never overwritten.
func (r *Registry) RecordSourceID(ctx context.Context, assetUID, src, nativeID string) error {
	if nativeID == "" {
		return nil
	}
	if src != source.CoinGecko && src != source.CoinPaprika {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return ErrNotReady
	}

	entry := r.state.entries[assetUID]
	if entry == nil {
		return nil
	}

	var geckoID, paprikaID *string
	switch src {
	case source.CoinGecko:
		if entry.CoinGeckoID != "" {
			return nil
		}
		if existing, taken := r.state.byGecko[nativeID]; taken && existing != assetUID {
			return nil // ID belongs to a different asset
		}
		geckoID = &nativeID
	case source.CoinPaprika:
		if entry.CoinPaprikaID != "" {
			return nil
		}
		if existing, taken := r.state.byPaprika[nativeID]; taken && existing != assetUID {
			return nil
		}
		paprikaID = &nativeID
	}

	if err := r.store.EnrichMappingSourceIDs(ctx, assetUID, geckoID, paprikaID); err != nil {
		return fmt.Errorf("enrich mapping %s: %w", assetUID, err)
	}

	if geckoID != nil {
		entry.CoinGeckoID = nativeID
		r.state.byGecko[nativeID] = assetUID
	}
	if paprikaID != nil {
		entry.CoinPaprikaID = nativeID
		r.state.byPaprika[nativeID] = assetUID
	}
	return nil
}

// Entries returns a sorted snapshot of every identity for auditing.
func (r *Registry) Entries() ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return nil, ErrNotReady
	}

	out := make([]Entry, 0, len(r.state.entries))
	for _, e := range r.state.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetUID < out[j].AssetUID })
	return out, nil
}

func entryFromMapping(m postgres.AssetMapping) *Entry {
	e := &Entry{
		AssetUID: m.AssetUID,
		Symbol:   m.Symbol,
		Name:     m.Name,
		Rank:     m.Rank,
	}
	if m.CoinGeckoID != nil {
		e.CoinGeckoID = *m.CoinGeckoID
	}
	if m.CoinPaprikaID != nil {
		e.CoinPaprikaID = *m.CoinPaprikaID
	}
	return e
}

func mappingFromEntry(e *Entry) postgres.AssetMapping {
	m := postgres.AssetMapping{
		AssetUID: e.AssetUID,
		Symbol:   e.Symbol,
		Name:     e.Name,
		Rank:     e.Rank,
	}
	if e.CoinGeckoID != "" {
		id := e.CoinGeckoID
		m.CoinGeckoID = &id
	}
	if e.CoinPaprikaID != "" {
		id := e.CoinPaprikaID
		m.CoinPaprikaID = &id
	}
	return m
}
