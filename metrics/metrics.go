// Package metrics exposes opencensus measures for the runtime's hot
// paths. Views aggregate them for whatever exporter the embedding
// process installs; the runtime itself ships no exporter.
package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8,
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100,
	150, 200, 250, 300, 350, 400, 450, 500,
	600, 700, 800, 900, 1000,
)

// Tags
var (
	TargetNode, _  = tag.NewKey("target_node")
	MessageKind, _ = tag.NewKey("message_kind")
)

// Measures
var (
	TasksCreated     = stats.Int64("tasks/created", "Tasks created", stats.UnitDimensionless)
	TasksOffloaded   = stats.Int64("tasks/offloaded", "Tasks offloaded to a remote node", stats.UnitDimensionless)
	SchedulerLatency = stats.Float64("scheduler/decision_ms", "Locality decision latency", stats.UnitMilliseconds)

	MessagesSent     = stats.Int64("messenger/sent", "Messages sent", stats.UnitDimensionless)
	MessagesReceived = stats.Int64("messenger/received", "Messages received", stats.UnitDimensionless)
	BytesFetched     = stats.Int64("transfers/bytes_fetched", "Bytes pulled from remote nodes", stats.UnitBytes)
	PendingTransfers = stats.Int64("transfers/pending", "Pending-transfer queue depth", stats.UnitDimensionless)
)

// DefaultViews can be registered by embedders that export metrics.
var DefaultViews = []*view.View{
	{Measure: TasksCreated, Aggregation: view.Count()},
	{Measure: TasksOffloaded, Aggregation: view.Count(), TagKeys: []tag.Key{TargetNode}},
	{Measure: SchedulerLatency, Aggregation: defaultMillisecondsDistribution},
	{Measure: MessagesSent, Aggregation: view.Count(), TagKeys: []tag.Key{MessageKind}},
	{Measure: MessagesReceived, Aggregation: view.Count(), TagKeys: []tag.Key{MessageKind}},
	{Measure: BytesFetched, Aggregation: view.Sum()},
	{Measure: PendingTransfers, Aggregation: view.LastValue()},
}

// Timer records a duration in milliseconds into m when the returned
// function runs.
func Timer(ctx context.Context, m *stats.Float64Measure) func() {
	start := time.Now()
	return func() {
		stats.Record(ctx, m.M(float64(time.Since(start).Nanoseconds())/1e6))
	}
}
