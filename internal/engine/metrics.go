package engine

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/engramlabs/engram/internal/engine")

var (
	createsTotal    metric.Int64Counter
	dedupSkips      metric.Int64Counter
	dedupSupersedes metric.Int64Counter
	updatesTotal    metric.Int64Counter
	deletesTotal    metric.Int64Counter
	readsTotal      metric.Int64Counter
	reembedsTotal   metric.Int64Counter
)

func init() {
	var err error
	createsTotal, err = meter.Int64Counter("memory.creates.total",
		metric.WithDescription("Memories created"))
	if err != nil {
		createsTotal, _ = meter.Int64Counter("memory.creates.total.fallback")
	}
	dedupSkips, err = meter.Int64Counter("memory.dedup.skips",
		metric.WithDescription("Creates skipped as near-duplicates"))
	if err != nil {
		dedupSkips, _ = meter.Int64Counter("memory.dedup.skips.fallback")
	}
	dedupSupersedes, err = meter.Int64Counter("memory.dedup.supersedes",
		metric.WithDescription("Creates that superseded an existing memory"))
	if err != nil {
		dedupSupersedes, _ = meter.Int64Counter("memory.dedup.supersedes.fallback")
	}
	updatesTotal, err = meter.Int64Counter("memory.updates.total",
		metric.WithDescription("Memory updates applied"))
	if err != nil {
		updatesTotal, _ = meter.Int64Counter("memory.updates.total.fallback")
	}
	deletesTotal, err = meter.Int64Counter("memory.deletes.total",
		metric.WithDescription("Memories hard-deleted"))
	if err != nil {
		deletesTotal, _ = meter.Int64Counter("memory.deletes.total.fallback")
	}
	readsTotal, err = meter.Int64Counter("memory.reads.total",
		metric.WithDescription("Memory read operations"))
	if err != nil {
		readsTotal, _ = meter.Int64Counter("memory.reads.total.fallback")
	}
	reembedsTotal, err = meter.Int64Counter("memory.reembeds.total",
		metric.WithDescription("Embeddings recomputed"))
	if err != nil {
		reembedsTotal, _ = meter.Int64Counter("memory.reembeds.total.fallback")
	}
}
