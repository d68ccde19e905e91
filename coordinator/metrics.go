package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tessera"

var globalMetrics = newCoordinatorMetrics()

type coordinatorMetrics struct {
	// labels: status: ok,error
	shardQueries  *prometheus.CounterVec
	shardDuration prometheus.Histogram

	// labels: outcome: committed,rolled-back,in-doubt,timed-out,failed
	transactions  *prometheus.CounterVec
	commitRetries prometheus.Counter
	recovered     prometheus.Counter
}

func newCoordinatorMetrics() *coordinatorMetrics {
	return &coordinatorMetrics{
		shardQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "shard_queries_total",
			Help:      "Count of per-shard sub-queries by status",
		}, []string{"status"}),
		shardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "shard_query_duration_seconds",
			Help:      "Histogram of per-shard sub-query durations",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "transactions_total",
			Help:      "Count of cross-shard transactions by outcome",
		}, []string{"outcome"}),
		commitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "commit_retries_total",
			Help:      "Count of post-decision participant commit retries",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "recovered_total",
			Help:      "Count of in-doubt transactions re-driven to completion",
		}),
	}
}

// PrometheusCollectors returns all prometheus metrics for the coordinator
// package.
func PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		globalMetrics.shardQueries,
		globalMetrics.shardDuration,
		globalMetrics.transactions,
		globalMetrics.commitRetries,
		globalMetrics.recovered,
	}
}

type executorMetrics struct {
	shardQueries  *prometheus.CounterVec
	shardDuration prometheus.Histogram
}

func newExecutorMetrics() *executorMetrics {
	return &executorMetrics{
		shardQueries:  globalMetrics.shardQueries,
		shardDuration: globalMetrics.shardDuration,
	}
}

type txnMetrics struct {
	transactions  *prometheus.CounterVec
	commitRetries prometheus.Counter
	recovered     prometheus.Counter
}

func newTxnMetrics() *txnMetrics {
	return &txnMetrics{
		transactions:  globalMetrics.transactions,
		commitRetries: globalMetrics.commitRetries,
		recovered:     globalMetrics.recovered,
	}
}
