// Package metrics defines and registers the fabric's Prometheus
// metrics: bus call latency and circuit state, orchestrator lease and
// job gauges, crawl scheduler throughput, and each component's
// health/readiness gauges, exposed over HTTP for scraping.
package metrics
