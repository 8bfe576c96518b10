package market

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-arb/internal/config"
	"perp-arb/internal/exchange"
	"perp-arb/internal/store"
	"perp-arb/pkg/types"
)

// Scanner ranks every instrument listed on both venues by a fee- and
// leverage-adjusted edge. The operator picks the trading pair from its
// output; the orchestrator never trades a symbol the scanner has not seen.
//
// Refreshes are throttled to scan_interval_sec and serialized by a mutex
// with a double-checked freshness test. Per-pair book pulls run through a
// bounded worker pool.

const (
	maxTopLimit       = 2000
	scanWorkers       = 6
	backfillWorkers   = 4
	speedWindow       = 600 * time.Second
	speedRingCap      = 240
	maxBackfillBars   = 720
	warmupPollDefault = 300 * time.Millisecond
)

const (
	ZScoreReady               = "ready"
	ZScoreInsufficientSamples = "insufficient_samples"
	ZScoreZeroStd             = "zero_std"
)

const skipReasonLowLeverage = "effective_leverage_below_50x"

// Official taker/maker schedules, used when the venue catalog omits fees.
var officialFallbackFee = decimal.RequireFromString("0.0002")

var (
	two         = decimal.NewFromInt(2)
	minLeverage = decimal.NewFromInt(1)
	maxLeverage = decimal.NewFromInt(200)
	tenK        = decimal.NewFromInt(10000)
	hundred     = decimal.NewFromInt(100)
	sixty       = decimal.NewFromInt(60)
)

// WarmupStatus reports spread-history warm-up progress.
type WarmupStatus struct {
	Done            bool           `json:"done"`
	Message         string         `json:"message"`
	RequiredSamples int            `json:"required_samples"`
	SymbolsTotal    int            `json:"symbols_total"`
	SymbolsReady    int            `json:"symbols_ready"`
	SymbolsPending  int            `json:"symbols_pending"`
	SampleCounts    map[string]int `json:"sample_counts"`
	UpdatedAt       string         `json:"updated_at"`
}

// ScanResult is the full payload behind GET /api/market/top-spreads.
type ScanResult struct {
	UpdatedAt         string            `json:"updated_at"`
	ScanIntervalSec   int               `json:"scan_interval_sec"`
	Limit             int               `json:"limit"`
	ConfiguredSymbols int               `json:"configured_symbols"`
	ComparableSymbols int               `json:"comparable_symbols"`
	ExecutableSymbols int               `json:"executable_symbols"`
	ScannedSymbols    int               `json:"scanned_symbols"`
	TotalSymbols      int               `json:"total_symbols"`
	SkippedCount      int               `json:"skipped_count"`
	SkippedReasons    map[string]int    `json:"skipped_reasons"`
	FeeProfile        map[string]string `json:"fee_profile"`
	LastError         string            `json:"last_error,omitempty"`
	WarmupDone        bool              `json:"warmup_done"`
	WarmupProgress    WarmupStatus      `json:"warmup_progress"`
	Rows              []types.TopSpread `json:"rows"`
}

type speedSample struct {
	at  time.Time
	val decimal.Decimal
}

// pairCandidate is one venue leg chosen for a base asset after applying
// quote-asset preferences.
type pairCandidate struct {
	meta     types.MarketMeta
	priority int
}

// Scanner is safe for concurrent use by the API and the orchestrator.
type Scanner struct {
	cfg         config.ScannerConfig
	strategyCfg config.StrategyConfig
	symbolsCfg  []config.SymbolConfig
	retention   int
	catalogA    exchange.Catalog
	catalogB    exchange.Catalog
	repo        *store.Store
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex // serializes refreshes
	stateMu   sync.RWMutex
	rows      []types.TopSpread
	updatedAt string
	refreshed time.Time
	lastError string

	configuredSymbols int
	comparableSymbols int
	scannedSymbols    int
	skippedReasons    map[string]int

	history       map[string][]decimal.Decimal
	seeded        map[string]bool
	appendCounter map[string]int
	speedHistory  map[string][]speedSample

	warmupRequired int
	warmupDone     bool
	warmupMessage  string
	warmupTotal    int
	warmupReady    int
	warmupSamples  map[string]int
}

// NewScanner wires the scanner to both venue catalogs and the store. The
// store may be nil; history then lives in memory only.
func NewScanner(cfg config.Config, catalogA, catalogB exchange.Catalog, repo *store.Store, logger *slog.Logger) *Scanner {
	retention := cfg.MarketWarmup.HistoryRetention
	if min := 2 * maxInt(cfg.Strategy.MAWindow, cfg.Strategy.StdWindow); retention < min {
		retention = min
	}
	required := cfg.Strategy.MinSamples
	if required < 1 {
		required = 1
	}

	return &Scanner{
		cfg:            cfg.Scanner,
		strategyCfg:    cfg.Strategy,
		symbolsCfg:     cfg.Symbols,
		retention:      retention,
		catalogA:       catalogA,
		catalogB:       catalogB,
		repo:           repo,
		logger:         logger.With("component", "scanner"),
		now:            time.Now,
		skippedReasons: map[string]int{},
		history:        map[string][]decimal.Decimal{},
		seeded:         map[string]bool{},
		appendCounter:  map[string]int{},
		speedHistory:   map[string][]speedSample{},
		warmupRequired: required,
		warmupMessage:  "not started",
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func utcISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func sanitizeLeverage(raw decimal.Decimal) decimal.Decimal {
	if raw.LessThan(minLeverage) {
		return minLeverage
	}
	if raw.GreaterThan(maxLeverage) {
		return maxLeverage
	}
	return raw
}

// ————————————————————————————————————————————————————————————————————————
// public surface
// ————————————————————————————————————————————————————————————————————————

// TopSpreads returns the ranked universe, refreshing the cache if it is
// older than scan_interval_sec or forceRefresh is set.
func (s *Scanner) TopSpreads(ctx context.Context, limit int, forceRefresh bool) ScanResult {
	s.ensureCache(ctx, forceRefresh)

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	sorted := make([]types.TopSpread, len(s.rows))
	copy(sorted, s.rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if sa, sb := math.Abs(a.SpreadSpeedPctMin), math.Abs(b.SpreadSpeedPctMin); sa != sb {
			return sa > sb
		}
		if za, zb := math.Abs(a.ZScore), math.Abs(b.ZScore); za != zb {
			return za > zb
		}
		return a.GrossNominalSpread > b.GrossNominalSpread
	})

	resolved := len(sorted)
	out := sorted
	if limit > 0 {
		resolved = limit
		if resolved > maxTopLimit {
			resolved = maxTopLimit
		}
		if resolved < len(sorted) {
			out = sorted[:resolved]
		}
	}

	status := s.warmupStatusLocked()
	return ScanResult{
		UpdatedAt:         s.updatedAt,
		ScanIntervalSec:   s.cfg.ScanIntervalSec,
		Limit:             resolved,
		ConfiguredSymbols: s.configuredSymbols,
		ComparableSymbols: s.comparableSymbols,
		ExecutableSymbols: len(sorted),
		ScannedSymbols:    s.scannedSymbols,
		TotalSymbols:      len(sorted),
		SkippedCount:      sumCounts(s.skippedReasons),
		SkippedReasons:    copyCounts(s.skippedReasons),
		FeeProfile:        map[string]string{"venue_a_leg": "taker", "venue_b_leg": "maker"},
		LastError:         s.lastError,
		WarmupDone:        status.Done,
		WarmupProgress:    status,
		Rows:              out,
	}
}

// Candidate returns the current scanner row for one symbol, if present.
func (s *Scanner) Candidate(symbol string) (types.TopSpread, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	for _, row := range s.rows {
		if row.Symbol == symbol {
			return row, true
		}
	}
	return types.TopSpread{}, false
}

// WarmupStatus returns the current warm-up progress snapshot.
func (s *Scanner) WarmupStatus() WarmupStatus {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.warmupStatusLocked()
}

func (s *Scanner) warmupStatusLocked() WarmupStatus {
	pending := s.warmupTotal - s.warmupReady
	if pending < 0 {
		pending = 0
	}
	message := s.warmupMessage
	if !s.warmupDone && s.lastError != "" {
		message = s.lastError
	}
	updated := s.updatedAt
	if updated == "" {
		updated = utcISO(s.now())
	}
	return WarmupStatus{
		Done:            s.warmupDone,
		Message:         message,
		RequiredSamples: s.warmupRequired,
		SymbolsTotal:    s.warmupTotal,
		SymbolsReady:    s.warmupReady,
		SymbolsPending:  pending,
		SampleCounts:    copyCounts(s.warmupSamples),
		UpdatedAt:       updated,
	}
}

// IsWarmupReady reports whether every comparable symbol has enough history.
func (s *Scanner) IsWarmupReady() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.warmupDone
}

// LastError returns the last scan failure message, empty when healthy.
func (s *Scanner) LastError() string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastError
}

// WarmupUntilReady force-refreshes until warm-up completes or the timeout
// elapses, polling at the given interval.
func (s *Scanner) WarmupUntilReady(ctx context.Context, timeout, poll time.Duration) WarmupStatus {
	if timeout < time.Second {
		timeout = time.Second
	}
	if poll <= 0 {
		poll = warmupPollDefault
	}
	deadline := s.now().Add(timeout)
	for s.now().Before(deadline) {
		s.ensureCache(ctx, true)
		if s.IsWarmupReady() {
			return s.WarmupStatus()
		}
		select {
		case <-ctx.Done():
			return s.WarmupStatus()
		case <-time.After(poll):
		}
	}
	return s.WarmupStatus()
}

// ————————————————————————————————————————————————————————————————————————
// refresh
// ————————————————————————————————————————————————————————————————————————

func (s *Scanner) cacheFresh() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return len(s.rows) > 0 &&
		s.now().Sub(s.refreshed) < time.Duration(s.cfg.ScanIntervalSec)*time.Second
}

func (s *Scanner) ensureCache(ctx context.Context, forceRefresh bool) {
	if !forceRefresh && s.cacheFresh() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !forceRefresh && s.cacheFresh() {
		return
	}
	s.refreshOnce(ctx)
}

func (s *Scanner) refreshOnce(ctx context.Context) {
	rows, configured, comparable, skipped, warmupSymbols, err := s.scanAllSymbols(ctx)
	now := s.now()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if err != nil {
		s.lastError = fmt.Sprintf("scan failed: %v", err)
		s.warmupDone = false
		s.warmupTotal = 0
		s.warmupReady = 0
		s.warmupSamples = map[string]int{}
		s.warmupMessage = s.lastError
		s.updatedAt = utcISO(now)
		s.refreshed = now
		s.logger.Warn("universe scan failed", "error", err)
		return
	}

	s.rows = rows
	s.configuredSymbols = configured
	s.comparableSymbols = comparable
	s.scannedSymbols = comparable
	s.skippedReasons = skipped
	s.updateWarmupProgressLocked(warmupSymbols)
	s.updatedAt = utcISO(now)
	s.refreshed = now
	s.lastError = ""
}

func (s *Scanner) updateWarmupProgressLocked(symbols []string) {
	unique := map[string]struct{}{}
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			unique[sym] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(unique))
	for sym := range unique {
		ordered = append(ordered, sym)
	}
	sort.Strings(ordered)

	samples := make(map[string]int, len(ordered))
	ready := 0
	for _, sym := range ordered {
		s.seedHistoryLocked(sym)
		n := len(s.history[sym])
		samples[sym] = n
		if n >= s.warmupRequired {
			ready++
		}
	}

	s.warmupTotal = len(ordered)
	s.warmupReady = ready
	s.warmupSamples = samples
	if s.warmupTotal == 0 {
		s.warmupDone = true
		s.warmupMessage = "no comparable symbols, warm-up not required"
		return
	}
	s.warmupDone = s.warmupReady >= s.warmupTotal
	if s.warmupDone {
		s.warmupMessage = "warm-up complete"
	} else {
		s.warmupMessage = fmt.Sprintf(
			"warming up: %d/%d symbols reached %d samples",
			s.warmupReady, s.warmupTotal, s.warmupRequired,
		)
	}
}

// ————————————————————————————————————————————————————————————————————————
// scanning
// ————————————————————————————————————————————————————————————————————————

func (s *Scanner) scanAllSymbols(ctx context.Context) (
	rows []types.TopSpread,
	configured, comparable int,
	skipped map[string]int,
	warmupSymbols []string,
	err error,
) {
	skipped = map[string]int{}

	metasA, err := s.catalogA.ListMarkets(ctx)
	if err != nil {
		return nil, 0, 0, nil, nil, fmt.Errorf("%s markets: %w", types.VenueA, err)
	}
	metasB, err := s.catalogB.ListMarkets(ctx)
	if err != nil {
		return nil, 0, 0, nil, nil, fmt.Errorf("%s markets: %w", types.VenueB, err)
	}

	mapA := collectCandidates(metasA, map[string]int{"USDC": 2, "USD": 1})
	mapB := collectCandidates(metasB, map[string]int{"USDT": 3, "USDC": 2, "USD": 1})

	shared := make([]string, 0)
	for base := range mapA {
		if _, ok := mapB[base]; ok {
			shared = append(shared, base)
		}
	}
	sort.Strings(shared)

	for _, sym := range s.symbolsCfg {
		if sym.Enabled && strings.TrimSpace(sym.Symbol) != "" {
			configured++
		}
	}

	var targets []string
	for _, base := range shared {
		levA := mapA[base].meta.MaxLeverage
		levB := mapB[base].meta.MaxLeverage
		if !levA.IsPositive() {
			skipped["venue_a_leverage_missing"]++
			continue
		}
		if !levB.IsPositive() {
			skipped["venue_b_leverage_missing"]++
			continue
		}
		eff := decimal.Min(sanitizeLeverage(levA), sanitizeLeverage(levB))
		if eff.LessThan(s.cfg.MinEffectiveLeverage) {
			skipped[skipReasonLowLeverage]++
			continue
		}
		targets = append(targets, base)
	}

	for _, base := range targets {
		warmupSymbols = append(warmupSymbols, base+"-PERP")
	}

	s.backfillMissingHistory(ctx, targets, mapA, mapB)

	type outcome struct {
		row    *types.TopSpread
		reason string
	}
	results := make([]outcome, len(targets))
	sem := make(chan struct{}, scanWorkers)
	var wg sync.WaitGroup
	for i, base := range targets {
		wg.Add(1)
		go func(i int, base string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			row, reason := s.fetchPairRow(ctx, base, mapA[base], mapB[base])
			results[i] = outcome{row: row, reason: reason}
		}(i, base)
	}
	wg.Wait()

	for _, res := range results {
		if res.row != nil {
			rows = append(rows, *res.row)
		} else if res.reason != "" {
			skipped[res.reason]++
		}
	}
	return rows, configured, len(targets), skipped, warmupSymbols, nil
}

func collectCandidates(metas []types.MarketMeta, quotePriority map[string]int) map[string]pairCandidate {
	out := map[string]pairCandidate{}
	for _, meta := range metas {
		base := strings.ToUpper(strings.TrimSpace(meta.Base))
		quote := strings.ToUpper(strings.TrimSpace(meta.Quote))
		if base == "" || strings.TrimSpace(meta.Market) == "" {
			continue
		}
		priority, ok := quotePriority[quote]
		if !ok {
			continue
		}
		if current, exists := out[base]; exists && current.priority >= priority {
			continue
		}
		out[base] = pairCandidate{meta: meta, priority: priority}
	}
	return out
}

func (s *Scanner) fetchPairRow(ctx context.Context, base string, candA, candB pairCandidate) (*types.TopSpread, string) {
	levA := sanitizeLeverage(candA.meta.MaxLeverage)
	levB := sanitizeLeverage(candB.meta.MaxLeverage)
	effectiveLeverage := decimal.Min(levA, levB)

	var (
		bboA, bboB types.BBO
		errA, errB error
		wg         sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		bboA, errA = s.catalogA.FetchTopOfBook(ctx, candA.meta.Market, 5)
	}()
	go func() {
		defer wg.Done()
		bboB, errB = s.catalogB.FetchTopOfBook(ctx, candB.meta.Market, 10)
	}()
	wg.Wait()

	if errA != nil {
		return nil, "venue_a_orderbook_error"
	}
	if errB != nil {
		return nil, "venue_b_orderbook_error"
	}
	if !bboA.Valid() || !bboB.Valid() ||
		bboA.Bid.GreaterThanOrEqual(bboA.Ask) || bboB.Bid.GreaterThanOrEqual(bboB.Ask) {
		return nil, "invalid_bbo"
	}

	midA := bboA.Mid()
	midB := bboB.Mid()
	referenceMid := midA.Add(midB).Div(two)
	symbol := base + "-PERP"

	edgeAToB := bboB.Bid.Sub(bboA.Ask).Div(referenceMid).Mul(tenK)
	edgeBToA := bboA.Bid.Sub(bboB.Ask).Div(referenceMid).Mul(tenK)
	signedEdge := edgeAToB
	if edgeAToB.LessThan(edgeBToA) {
		signedEdge = edgeBToA.Neg()
	}

	s.stateMu.Lock()
	s.appendHistoryPointLocked(symbol, signedEdge, signedEdge.Div(hundred), "", types.SpreadSourceScanner)
	zscore, zstatus, historySamples := s.computeZScoreLocked(symbol)
	s.stateMu.Unlock()

	// Executable profile: taker on A, maker on B.
	edgeSellABuyB := bboA.Bid.Sub(bboB.Bid)
	edgeBuyASellB := bboB.Ask.Sub(bboA.Ask)
	tradableEdgePrice := decimal.Max(edgeSellABuyB, edgeBuyASellB)
	if !tradableEdgePrice.IsPositive() {
		return nil, "edge_not_positive"
	}
	direction := "buy_a_taker_sell_b_maker"
	if tradableEdgePrice.Equal(edgeSellABuyB) {
		direction = "sell_a_taker_buy_b_maker"
	}

	tradableEdgeBps := tradableEdgePrice.Div(referenceMid).Mul(tenK)
	tradableEdgePct := tradableEdgeBps.Div(hundred)

	s.stateMu.Lock()
	speed, volatility, _ := s.speedMetricsLocked(symbol, tradableEdgePct)
	s.stateMu.Unlock()

	grossNominal := tradableEdgePrice.Mul(effectiveLeverage)

	feeA, feeASource := resolveFee(candA.meta.TakerFeeRate, candA.meta.FeeSource)
	feeB, feeBSource := resolveFee(candB.meta.MakerFeeRate, candB.meta.FeeSource)
	totalFee := feeA.Add(feeB)
	feeCost := referenceMid.Mul(effectiveLeverage).Mul(totalFee)
	netNominal := grossNominal.Sub(feeCost)
	if !netNominal.IsPositive() {
		return nil, "net_spread_not_positive"
	}

	row := types.TopSpread{
		Symbol:             symbol,
		VenueAMarket:       candA.meta.Market,
		VenueBMarket:       candB.meta.Market,
		BidA:               bboA.Bid.InexactFloat64(),
		AskA:               bboA.Ask.InexactFloat64(),
		BidB:               bboB.Bid.InexactFloat64(),
		AskB:               bboB.Ask.InexactFloat64(),
		ReferenceMid:       referenceMid.InexactFloat64(),
		SignedEdgeBps:      signedEdge.InexactFloat64(),
		TradableEdgeBps:    tradableEdgeBps.InexactFloat64(),
		TradableEdgePct:    tradableEdgePct.InexactFloat64(),
		Direction:          direction,
		LeverageA:          levA.InexactFloat64(),
		LeverageB:          levB.InexactFloat64(),
		EffectiveLeverage:  effectiveLeverage.InexactFloat64(),
		FeeRateTotal:       totalFee.InexactFloat64(),
		FeeSource:          combineFeeSources(feeASource, feeBSource),
		GrossNominalSpread: grossNominal.InexactFloat64(),
		NetNominalSpread:   netNominal.InexactFloat64(),
		SpreadSpeedPctMin:  speed.InexactFloat64(),
		VolatilityPct:      volatility.InexactFloat64(),
		ZScore:             zscore.InexactFloat64(),
		ZScoreStatus:       zstatus,
		SampleCount:        historySamples,
		UpdatedAt:          utcISO(s.now()),
	}
	return &row, ""
}

func resolveFee(rate decimal.Decimal, source string) (decimal.Decimal, string) {
	if rate.IsPositive() {
		if source == "" {
			source = "api"
		}
		return rate, source
	}
	return officialFallbackFee, "official"
}

func combineFeeSources(a, b string) string {
	if a == b {
		return a
	}
	return "mixed"
}

// ————————————————————————————————————————————————————————————————————————
// history, z-score, speed
// ————————————————————————————————————————————————————————————————————————

func (s *Scanner) seedHistoryLocked(symbol string) {
	if s.seeded[symbol] {
		return
	}
	s.seeded[symbol] = true
	if s.repo == nil {
		return
	}
	points, err := s.repo.RecentSpreadPoints(symbol, s.retention)
	if err != nil {
		s.logger.Warn("history seed failed", "symbol", symbol, "error", err)
		return
	}
	for _, p := range points {
		s.history[symbol] = appendBounded(s.history[symbol], p.SignedEdgeBps, s.retention)
	}
}

func appendBounded(ring []decimal.Decimal, v decimal.Decimal, max int) []decimal.Decimal {
	ring = append(ring, v)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}

// appendHistoryPointLocked persists one observation and mirrors it into the
// in-memory ring. Duplicate (symbol, ts, source) rows are ignored by the
// store and skipped in memory too.
func (s *Scanner) appendHistoryPointLocked(symbol string, signedEdgeBps, tradableEdgePct decimal.Decimal, ts, source string) {
	s.seedHistoryLocked(symbol)

	if ts == "" {
		ts = utcISO(s.now())
	}
	if s.repo == nil {
		s.history[symbol] = appendBounded(s.history[symbol], signedEdgeBps, s.retention)
		return
	}

	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		parsed = s.now()
	}
	inserted, err := s.repo.AppendSpreadPoints([]types.SpreadPoint{{
		Symbol:          symbol,
		Ts:              parsed.Unix(),
		Source:          source,
		SignedEdgeBps:   signedEdgeBps,
		TradableEdgePct: tradableEdgePct,
	}})
	if err != nil {
		s.history[symbol] = appendBounded(s.history[symbol], signedEdgeBps, s.retention)
		return
	}
	if inserted == 0 {
		return
	}

	s.history[symbol] = appendBounded(s.history[symbol], signedEdgeBps, s.retention)

	s.appendCounter[symbol]++
	if s.appendCounter[symbol]%20 != 0 {
		return
	}
	if err := s.repo.TrimSpreadHistory(symbol, s.retention); err != nil {
		s.logger.Warn("history trim failed", "symbol", symbol, "error", err)
	}
}

func (s *Scanner) computeZScoreLocked(symbol string) (decimal.Decimal, string, int) {
	s.seedHistoryLocked(symbol)
	samples := s.history[symbol]
	n := len(samples)
	if n < s.strategyCfg.MinSamples {
		return decimal.Zero, ZScoreInsufficientSamples, n
	}

	maWindow := clampWindow(s.strategyCfg.MAWindow, n)
	stdWindow := clampWindow(s.strategyCfg.StdWindow, n)
	ma := floatMean(samples[n-maWindow:])
	std := floatPstdev(samples[n-stdWindow:])
	if std <= 0 {
		return decimal.Zero, ZScoreZeroStd, n
	}

	current := samples[n-1].InexactFloat64()
	return decimal.NewFromFloat((current - ma) / std), ZScoreReady, n
}

func clampWindow(window, n int) int {
	if window < 1 {
		return 1
	}
	if window > n {
		return n
	}
	return window
}

func floatMean(samples []decimal.Decimal) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += v.InexactFloat64()
	}
	return sum / float64(len(samples))
}

func floatPstdev(samples []decimal.Decimal) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	mean := floatMean(samples)
	acc := 0.0
	for _, v := range samples {
		d := v.InexactFloat64() - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(n))
}

// speedMetricsLocked tracks tradable_edge_pct over a rolling 600 s window
// and derives the per-minute drift plus its volatility.
func (s *Scanner) speedMetricsLocked(symbol string, edgePct decimal.Decimal) (speed, volatility decimal.Decimal, sampleCount int) {
	now := s.now()
	ring := append(s.speedHistory[symbol], speedSample{at: now, val: edgePct})
	cutoff := now.Add(-speedWindow)
	start := 0
	for start < len(ring) && ring[start].at.Before(cutoff) {
		start++
	}
	ring = ring[start:]
	if len(ring) > speedRingCap {
		ring = ring[len(ring)-speedRingCap:]
	}
	s.speedHistory[symbol] = ring

	sampleCount = len(ring)
	if sampleCount < 2 {
		return decimal.Zero, decimal.Zero, sampleCount
	}

	first, last := ring[0], ring[sampleCount-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed < 1e-6 {
		elapsed = 1e-6
	}
	speed = last.val.Sub(first.val).Div(decimal.NewFromFloat(elapsed)).Mul(sixty)

	vals := make([]decimal.Decimal, sampleCount)
	for i, item := range ring {
		vals[i] = item.val
	}
	volatility = decimal.NewFromFloat(floatPstdev(vals))
	return speed, volatility, sampleCount
}

// ————————————————————————————————————————————————————————————————————————
// backfill
// ————————————————————————————————————————————————————————————————————————

func (s *Scanner) backfillMissingHistory(ctx context.Context, targets []string, mapA, mapB map[string]pairCandidate) {
	if len(targets) == 0 {
		return
	}

	sem := make(chan struct{}, backfillWorkers)
	var wg sync.WaitGroup
	for _, base := range targets {
		symbol := base + "-PERP"

		s.stateMu.Lock()
		s.seedHistoryLocked(symbol)
		missing := s.warmupRequired - len(s.history[symbol])
		s.stateMu.Unlock()
		if missing <= 0 {
			continue
		}
		marketA := mapA[base].meta.Market
		marketB := mapB[base].meta.Market
		if marketA == "" || marketB == "" {
			continue
		}

		wg.Add(1)
		go func(symbol, marketA, marketB string, missing int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			s.backfillFromCandles(ctx, symbol, marketA, marketB, missing)
		}(symbol, marketA, marketB, missing)
	}
	wg.Wait()
}

// backfillFromCandles fills the history gap from aligned 1-minute closes.
func (s *Scanner) backfillFromCandles(ctx context.Context, symbol, marketA, marketB string, missing int) {
	limit := maxInt(s.warmupRequired*4, maxInt(missing*6, 120))
	if limit > maxBackfillBars {
		limit = maxBackfillBars
	}

	var (
		candlesA, candlesB []types.Candle
		errA, errB         error
		wg                 sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		candlesA, errA = s.catalogA.FetchCandles(ctx, marketA, limit)
	}()
	go func() {
		defer wg.Done()
		candlesB, errB = s.catalogB.FetchCandles(ctx, marketB, limit)
	}()
	wg.Wait()
	if errA != nil || errB != nil {
		return
	}

	closesA := closesByTs(candlesA)
	closesB := closesByTs(candlesB)
	aligned := make([]int64, 0, len(closesA))
	for ts := range closesA {
		if _, ok := closesB[ts]; ok {
			aligned = append(aligned, ts)
		}
	}
	sort.Slice(aligned, func(i, j int) bool { return aligned[i] < aligned[j] })
	if len(aligned) == 0 {
		return
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for _, ts := range aligned {
		closeA := closesA[ts]
		closeB := closesB[ts]
		referenceMid := closeA.Add(closeB).Div(two)
		if !referenceMid.IsPositive() {
			continue
		}
		signedEdge := closeB.Sub(closeA).Div(referenceMid).Mul(tenK)
		tsISO := utcISO(time.UnixMilli(ts))
		s.appendHistoryPointLocked(symbol, signedEdge, signedEdge.Div(hundred), tsISO, types.SpreadSourceBackfill)
	}
}

func closesByTs(candles []types.Candle) map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal, len(candles))
	for _, c := range candles {
		if c.Close.IsPositive() {
			out[c.Ts] = c.Close
		}
	}
	return out
}

func sumCounts(m map[string]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
