package arbitrage

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mastertrade/internal/domain"
	"mastertrade/internal/store"
)

// triRoute is one closed conversion loop on a single venue whose
// post-fee rate product exceeds 1.
type triRoute struct {
	venue   string
	assets  []string
	product float64
}

// rateEdge is one direction of a quoted pair after the taker fee.
type rateEdge struct {
	from, to string
	rate     float64
	weight   float64
}

const relaxEps = 1e-12

// detectTriangular runs negative-cycle detection per venue and records
// profitable loops. Triangular findings are published for review, never
// auto-executed.
func (m *Monitor) detectTriangular(ctx context.Context, points []domain.PricePoint) int {
	if len(m.cfg.TriangularVenues) > 0 {
		points = filterByVenue(points, m.cfg.TriangularVenues)
	}
	var found int
	for _, route := range triangularRoutes(points, m.cfg.TakerFeePct) {
		opp := m.evaluateTriangular(route)
		if opp == nil {
			continue
		}
		key := domain.ArbitrageTypeTriangular + "|" + route.venue + "|" + strings.Join(route.assets, ">")
		if m.recentlySeen(key) {
			continue
		}
		m.markSeen(key)
		m.persistRoute(ctx, route, opp)
		m.record(ctx, opp)
		found++
	}
	return found
}

// evaluateTriangular maps a cycle onto the common opportunity shape: a
// unit of the start asset is bought at 1 and sold at the loop product.
func (m *Monitor) evaluateTriangular(route triRoute) *domain.ArbitrageOpportunity {
	profitPct := (route.product - 1) * 100
	if profitPct < m.cfg.MinProfitPercent {
		return nil
	}

	notional := decimal.NewFromFloat(m.cfg.DefaultDepthUSD * m.cfg.DepthFraction)
	ceiling := decimal.NewFromFloat(m.cfg.MaxTradeNotionalUSD)
	if ceiling.Sign() > 0 && notional.GreaterThan(ceiling) {
		notional = ceiling
	}
	netUSD := notional.Mul(decimal.NewFromFloat(route.product - 1))
	if netUSD.LessThan(decimal.NewFromFloat(m.cfg.MinProfitUSD)) {
		return nil
	}

	closed := append(append([]string{}, route.assets...), route.assets[0])
	return &domain.ArbitrageOpportunity{
		ID:           uuid.NewString(),
		Pair:         strings.Join(route.assets, "-"),
		Type:         domain.ArbitrageTypeTriangular,
		BuyVenue:     route.venue,
		SellVenue:    route.venue,
		BuyPrice:     decimal.NewFromInt(1),
		SellPrice:    decimal.NewFromFloat(route.product),
		ProfitPct:    decimal.NewFromFloat(profitPct),
		EstProfitUSD: netUSD,
		TradeAmount:  notional,
		GasCost:      decimal.Zero,
		Path:         closed,
		Timestamp:    m.now(),
	}
}

// persistRoute keeps the venue-partitioned route record next to the
// uniform opportunity row.
func (m *Monitor) persistRoute(ctx context.Context, route triRoute, opp *domain.ArbitrageOpportunity) {
	if m.docs == nil {
		return
	}
	doc := store.Doc{
		"id":             opp.ID,
		"exchange":       route.venue,
		"path":           opp.Path,
		"rate_product":   route.product,
		"profit_pct":     opp.ProfitPct.InexactFloat64(),
		"est_profit_usd": opp.EstProfitUSD.InexactFloat64(),
		"timestamp":      opp.Timestamp,
	}
	if err := m.docs.Upsert(ctx, store.ContainerTriangularArb, doc); err != nil {
		m.logger.Debug().Err(err).Str("exchange", route.venue).Msg("Triangular route persist failed")
	}
}

// triangularRoutes builds a conversion graph per venue, node per asset
// and an edge per quote direction weighted -log(rate after fees), then
// surfaces negative cycles found by Bellman-Ford.
// filterByVenue keeps the points whose venue is on the allowlist.
func filterByVenue(points []domain.PricePoint, allowed []string) []domain.PricePoint {
	want := make(map[string]bool, len(allowed))
	for _, v := range allowed {
		want[v] = true
	}
	out := make([]domain.PricePoint, 0, len(points))
	for _, p := range points {
		if want[venueName(p)] {
			out = append(out, p)
		}
	}
	return out
}

func triangularRoutes(points []domain.PricePoint, feePct float64) []triRoute {
	byVenue := make(map[string][]domain.PricePoint)
	for _, p := range points {
		byVenue[venueName(p)] = append(byVenue[venueName(p)], p)
	}

	venues := make([]string, 0, len(byVenue))
	for v := range byVenue {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	var routes []triRoute
	for _, venue := range venues {
		quotes := byVenue[venue]
		if len(quotes) < 3 {
			continue
		}
		routes = append(routes, venueCycles(venue, quotes, feePct)...)
	}
	return routes
}

func venueCycles(venue string, quotes []domain.PricePoint, feePct float64) []triRoute {
	feeKeep := 1 - feePct/100
	if feeKeep <= 0 {
		return nil
	}

	nodeSet := make(map[string]bool)
	rates := make(map[string]map[string]float64)
	var edges []rateEdge

	addEdge := func(from, to string, rate float64) {
		eff := rate * feeKeep
		if eff <= 0 {
			return
		}
		if rates[from] == nil {
			rates[from] = make(map[string]float64)
		}
		rates[from][to] = eff
		nodeSet[from], nodeSet[to] = true, true
		edges = append(edges, rateEdge{from: from, to: to, rate: eff, weight: -math.Log(eff)})
	}

	for _, q := range quotes {
		base, quote, ok := splitSymbol(q.Symbol)
		if !ok || q.Price <= 0 {
			continue
		}
		addEdge(base, quote, q.Price)
		addEdge(quote, base, 1/q.Price)
	}
	if len(edges) < 3 {
		return nil
	}

	nodes := make([]string, 0, len(nodeSet))
	for n := range nodeSet {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].from != edges[j].from {
			return edges[i].from < edges[j].from
		}
		return edges[i].to < edges[j].to
	})

	// Bellman-Ford from a virtual source connected to every node at
	// distance zero. An edge that still relaxes after |V|-1 rounds sits
	// on or downstream of a negative cycle.
	dist := make(map[string]float64, len(nodes))
	pred := make(map[string]string, len(nodes))
	for range nodes[1:] {
		relaxed := false
		for _, e := range edges {
			if d := dist[e.from] + e.weight; d < dist[e.to]-relaxEps {
				dist[e.to] = d
				pred[e.to] = e.from
				relaxed = true
			}
		}
		if !relaxed {
			break
		}
	}

	var routes []triRoute
	dedup := make(map[string]bool)
	for _, e := range edges {
		if dist[e.from]+e.weight >= dist[e.to]-relaxEps {
			continue
		}
		// Apply the violating relaxation so the predecessor chain from
		// e.to closes over the cycle before walking it.
		dist[e.to] = dist[e.from] + e.weight
		pred[e.to] = e.from
		cycle := extractCycle(pred, e.to, len(nodes))
		if len(cycle) < 3 {
			continue
		}
		cycle = canonicalCycle(cycle)
		key := strings.Join(cycle, ">")
		if dedup[key] {
			continue
		}
		dedup[key] = true

		product, ok := cycleProduct(rates, cycle)
		if !ok || product <= 1 {
			continue
		}
		routes = append(routes, triRoute{venue: venue, assets: cycle, product: product})
	}
	return routes
}

// extractCycle walks predecessors until the path folds back on itself,
// returning the loop in trade order.
func extractCycle(pred map[string]string, start string, nodes int) []string {
	// Walk far enough back to be inside the cycle rather than on a
	// tail that hangs off it.
	x := start
	for i := 0; i < nodes; i++ {
		p, ok := pred[x]
		if !ok {
			return nil
		}
		x = p
	}

	cycle := []string{x}
	for y := pred[x]; y != x; y = pred[y] {
		cycle = append(cycle, y)
		if len(cycle) > nodes {
			return nil
		}
	}
	// Predecessor order is the reverse of trade order.
	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return cycle
}

// canonicalCycle rotates the loop so the smallest asset leads, keeping
// direction, so the same loop is reported once.
func canonicalCycle(cycle []string) []string {
	min := 0
	for i, a := range cycle {
		if a < cycle[min] {
			min = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[min:]...)
	out = append(out, cycle[:min]...)
	return out
}

func cycleProduct(rates map[string]map[string]float64, cycle []string) (float64, bool) {
	product := 1.0
	for i := range cycle {
		from, to := cycle[i], cycle[(i+1)%len(cycle)]
		rate, ok := rates[from][to]
		if !ok {
			return 0, false
		}
		product *= rate
	}
	return product, true
}
