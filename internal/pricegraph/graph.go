// Package pricegraph keeps the last observed exchange rate between asset pairs
// and resolves multi-hop prices over them.
package pricegraph

import (
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common/prque"
	"github.com/shopspring/decimal"

	"chainwatch/internal/chain"
)

// Graph is a directed graph of exchange rates. An edge a→b holds the amount of a
// paid per unit of b in the most recent trade between them.
type Graph struct {
	mu    sync.RWMutex
	edges map[chain.AssetID]map[chain.AssetID]float64
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{edges: make(map[chain.AssetID]map[chain.AssetID]float64)}
}

// RecordPrice overwrites the sold→bought edge with sold/bought. Trades that
// would produce a non-positive or non-finite weight are ignored.
func (g *Graph) RecordPrice(sold, bought chain.Amount) bool {
	if sold.Asset == bought.Asset || !bought.Value.IsPositive() || !sold.Value.IsPositive() {
		return false
	}
	weight, _ := sold.Value.Div(bought.Value).Float64()
	if weight <= 0 || math.IsInf(weight, 0) || math.IsNaN(weight) {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	out, ok := g.edges[sold.Asset]
	if !ok {
		out = make(map[chain.AssetID]float64)
		g.edges[sold.Asset] = out
	}
	out[bought.Asset] = weight
	return true
}

// Edges returns the number of recorded edges.
func (g *Graph) Edges() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, out := range g.edges {
		n += len(out)
	}
	return n
}

// Price returns how much of asset one unit of target costs. A direct edge wins;
// otherwise the cheapest path by summed weight is chosen and its weights are
// multiplied. The second result is false when no path exists.
func (g *Graph) Price(asset, target chain.AssetID) (float64, bool) {
	if asset == target {
		return 1, true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if w, ok := g.edges[asset][target]; ok {
		return w, true
	}

	path := g.shortestPath(asset, target)
	if len(path) < 2 {
		return 0, false
	}
	price := 1.0
	for i := 0; i+1 < len(path); i++ {
		price *= g.edges[path[i]][path[i+1]]
	}
	if price <= 0 || math.IsInf(price, 0) || math.IsNaN(price) {
		return 0, false
	}
	return price, true
}

// Value converts amount into target units at the resolved price.
func (g *Graph) Value(amount chain.Amount, target chain.AssetID) (decimal.Decimal, bool) {
	price, ok := g.Price(amount.Asset, target)
	if !ok {
		return decimal.Decimal{}, false
	}
	return amount.Value.Div(decimal.NewFromFloat(price)), true
}

// shortestPath runs Dijkstra from src. The caller holds the read lock.
func (g *Graph) shortestPath(src, dst chain.AssetID) []chain.AssetID {
	dist := map[chain.AssetID]float64{src: 0}
	prev := make(map[chain.AssetID]chain.AssetID)
	done := make(map[chain.AssetID]bool)

	// prque pops the highest priority first, so distances are pushed negated.
	frontier := prque.New[float64, chain.AssetID](nil)
	frontier.Push(src, 0)

	for !frontier.Empty() {
		node, negDist := frontier.Pop()
		if done[node] {
			continue
		}
		done[node] = true
		if node == dst {
			break
		}
		for next, w := range g.edges[node] {
			if done[next] {
				continue
			}
			alt := -negDist + w
			if d, seen := dist[next]; !seen || alt < d {
				dist[next] = alt
				prev[next] = node
				frontier.Push(next, -alt)
			}
		}
	}

	if !done[dst] {
		return nil
	}
	var path []chain.AssetID
	for at := dst; ; at = prev[at] {
		path = append(path, at)
		if at == src {
			break
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
