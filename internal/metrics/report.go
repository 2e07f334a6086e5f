package metrics

import (
	"context"
	"encoding/json"
	"io"
	"sort"
)

// SnapshotProvider abstracts Manager for testing.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (map[string]int64, map[string]Summary, error)
}

// Report is the JSON form of a snapshot.
type Report struct {
	Counters  map[string]int64   `json:"counters"`
	Summaries map[string]Summary `json:"summaries"`
}

// Names returns the counter names in sorted order.
func (r Report) Names() []string {
	out := make([]string, 0, len(r.Counters))
	for n := range r.Counters {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// BuildReport collects a snapshot from provider.
func BuildReport(ctx context.Context, provider SnapshotProvider) (Report, error) {
	counters, summaries, err := provider.Snapshot(ctx)
	if err != nil {
		return Report{}, err
	}
	return Report{Counters: counters, Summaries: summaries}, nil
}

// WriteJSON encodes the report, indented, to w.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
