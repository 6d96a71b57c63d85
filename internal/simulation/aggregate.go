package simulation

import "sort"

// Node is a network participant with its total transaction count
// (sent plus received).
type Node struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// Link is a directed sender→receiver edge with cumulative count and
// transferred value.
type Link struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Count  int     `json:"count"`
	Value  float64 `json:"value"`
}

// Aggregate is the node/edge summary derived from a record list. It is
// recomputed whole on every load; readers never see a partial state.
type Aggregate struct {
	Nodes   []Node `json:"nodes"`
	Links   []Link `json:"links"`
	Skipped int    `json:"-"`
}

// BuildAggregate derives the network aggregate in one pass over the
// records. Records missing either endpoint are skipped and counted.
// Self-loops stay in the raw record list but contribute no edge: a
// payment to oneself has no flow direction.
func BuildAggregate(records []Record) *Aggregate {
	type edgeKey struct {
		source, target string
	}

	nodeCounts := make(map[string]int)
	edges := make(map[edgeKey]*Link)
	skipped := 0

	for _, rec := range records {
		if rec.Sender == "" || rec.Receiver == "" {
			skipped++
			continue
		}

		nodeCounts[rec.Sender]++
		if rec.Receiver != rec.Sender {
			nodeCounts[rec.Receiver]++
		}

		if rec.Sender == rec.Receiver {
			continue
		}

		key := edgeKey{source: rec.Sender, target: rec.Receiver}
		link, ok := edges[key]
		if !ok {
			link = &Link{Source: rec.Sender, Target: rec.Receiver}
			edges[key] = link
		}
		link.Count++
		link.Value += rec.Amount
	}

	agg := &Aggregate{
		Nodes:   make([]Node, 0, len(nodeCounts)),
		Links:   make([]Link, 0, len(edges)),
		Skipped: skipped,
	}
	for id, count := range nodeCounts {
		agg.Nodes = append(agg.Nodes, Node{ID: id, Count: count})
	}
	for _, link := range edges {
		agg.Links = append(agg.Links, *link)
	}

	// Stable output order so snapshots are deterministic.
	sort.Slice(agg.Nodes, func(i, j int) bool { return agg.Nodes[i].ID < agg.Nodes[j].ID })
	sort.Slice(agg.Links, func(i, j int) bool {
		if agg.Links[i].Source != agg.Links[j].Source {
			return agg.Links[i].Source < agg.Links[j].Source
		}
		return agg.Links[i].Target < agg.Links[j].Target
	})

	return agg
}
