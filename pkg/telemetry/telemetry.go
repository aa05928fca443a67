// Package telemetry exposes prometheus collectors for the cache core.
// Metrics stay outside the correctness boundary: nothing here may affect
// merge or storage behavior.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridgecache_messages_merged_total",
		Help: "Messages accepted into a conversation timeline.",
	})
	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridgecache_duplicates_dropped_total",
		Help: "Ingested messages discarded as duplicates of an existing entry.",
	})
	Promotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridgecache_promotions_total",
		Help: "Optimistic messages promoted to their confirmed counterpart.",
	})
	SelfMessagesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridgecache_self_messages_rejected_total",
		Help: "Messages rejected because sender equals recipient.",
	})
	DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridgecache_decrypt_failures_total",
		Help: "Cached records dropped because authenticated decryption failed.",
	})
	EncryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridgecache_encrypt_failures_total",
		Help: "Records skipped because encryption failed on write.",
	})
	RecordsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridgecache_records_evicted_total",
		Help: "Records removed by TTL eviction or LRU bounding.",
	})
	FetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridgecache_fetch_errors_total",
		Help: "Transport fetch attempts that returned an error.",
	})
	SyncPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridgecache_sync_polls_total",
		Help: "Adaptive sync poll ticks executed.",
	})
	SyncInterval = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridgecache_sync_interval_seconds",
		Help: "Current adaptive sync polling interval.",
	})
	SyncWatermark = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridgecache_sync_watermark_seconds",
		Help: "Timestamp of the most recent successfully reconciled message.",
	})
)
