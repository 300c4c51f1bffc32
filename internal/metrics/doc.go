/*
Package metrics records runtime telemetry in two forms.

The Aggregator keeps a bounded log per metric type (at most 1000 samples,
trimmed to the newest 500 on overflow) and computes count/average/min/max
over each sample's "duration" field on demand. Reports are built from it.

The Collector exports the same events as Prometheus metrics on its own
registry and serves them over HTTP:

	/metrics        Prometheus scrape endpoint
	/health         liveness
	/debug/metrics  aggregator summaries as JSON

Collector implements cache.Observer, so the cache store reports hits,
misses, evictions and expirations to it without an adapter.

	agg := metrics.NewAggregator(nil)
	agg.Record("load", map[string]interface{}{"duration": 12.5, "kind": "image"})
	fmt.Println(agg.Summaries()["load"].Average)
*/
package metrics
