package metrics

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	CounterCacheHit        = stats.Int64("cache_hits", "Number of cache hits", "1")
	CounterCacheMiss       = stats.Int64("cache_misses", "Number of cache misses", "1")
	CounterUpstreamChecks  = stats.Int64("upstream_checks", "Number of live upstream release checks", "1")
	CounterUpdatesStarted  = stats.Int64("updates_started", "Number of update runs started", "1")
	CounterUpdatesFinished = stats.Int64("updates_finished", "Number of update runs finished", "1")

	TagCacheKey = tag.MustNewKey("cache_key")
	TagOutcome  = tag.MustNewKey("outcome")
)

var views = []*view.View{
	{
		Name:        "cache_hits",
		Measure:     CounterCacheHit,
		Description: "Number of cache hits",
		Aggregation: view.Count(),
	},
	{
		Name:        "cache_misses",
		Measure:     CounterCacheMiss,
		Description: "Number of cache misses",
		Aggregation: view.Count(),
	},
	{
		Name:        "upstream_checks",
		Measure:     CounterUpstreamChecks,
		Description: "Number of live upstream release checks",
		Aggregation: view.Count(),
	},
	{
		Name:        "updates_started",
		Measure:     CounterUpdatesStarted,
		Description: "Number of update runs started",
		Aggregation: view.Count(),
	},
	{
		Name:        "updates_finished",
		Measure:     CounterUpdatesFinished,
		Description: "Number of update runs finished",
		TagKeys:     []tag.Key{TagOutcome},
		Aggregation: view.Count(),
	},
}

func Register() error {
	return view.Register(views...)
}
