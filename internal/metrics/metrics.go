// Registers:
//
//	#smartfeed_ticks_decoded_total
//	#smartfeed_frames_dropped_total
//	#smartfeed_reconnects_total
//	#smartfeed_candle_fetch_total
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smartfeed/logger"
)

var (
	once          sync.Once
	ticksDecoded  *prometheus.CounterVec
	framesDropped *prometheus.CounterVec
	reconnects    prometheus.Counter
	candleFetch   *prometheus.CounterVec
)

func Init(addr string) {
	once.Do(func() {
		ticksDecoded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartfeed_ticks_decoded_total",
				Help: "Number of binary frames decoded into ticks",
			},
			[]string{"mode"},
		)

		framesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartfeed_frames_dropped_total",
				Help: "Number of inbound frames dropped",
			},
			[]string{"reason"},
		)

		reconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smartfeed_reconnects_total",
				Help: "Number of stream reconnect attempts",
			},
		)

		candleFetch = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartfeed_candle_fetch_total",
				Help: "Number of historical candle fetches by outcome",
			},
			[]string{"outcome"},
		)

		_ = prometheus.Register(ticksDecoded)
		_ = prometheus.Register(framesDropped)
		_ = prometheus.Register(reconnects)
		_ = prometheus.Register(candleFetch)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if addr == "" {
			addr = "0.0.0.0:2112"
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementTickDecoded increases the decode counter for a mode label.
func IncrementTickDecoded(mode string) {
	if ticksDecoded != nil {
		ticksDecoded.WithLabelValues(mode).Inc()
	}
}

// IncrementFrameDropped increases the drop counter for a reason label.
func IncrementFrameDropped(reason string) {
	if framesDropped != nil {
		framesDropped.WithLabelValues(reason).Inc()
	}
	Publish("stream_conn", "frames_dropped", 1, TypeCounter, logger.Fields{"reason": reason})
}

// IncrementReconnect increases the reconnect attempt counter.
func IncrementReconnect() {
	if reconnects != nil {
		reconnects.Inc()
	}
	Publish("stream_conn", "reconnects", 1, TypeCounter, nil)
}

// IncrementCandleFetch increases the candle fetch counter for an outcome.
func IncrementCandleFetch(outcome string) {
	if candleFetch != nil {
		candleFetch.WithLabelValues(outcome).Inc()
	}
	Publish("historical_queue", "candle_fetch", 1, TypeCounter, logger.Fields{"outcome": outcome})
}
