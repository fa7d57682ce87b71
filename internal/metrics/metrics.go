package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BarsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_total", Help: "Count of minute bars ingested"},
		[]string{"symbol"},
	)
	BarsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_dropped_total", Help: "Bars dropped because a symbol queue was full"},
		[]string{"symbol"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side"},
	)
	FillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fills_total", Help: "Order fills received"},
		[]string{"symbol", "side"},
	)
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "transitions_total", Help: "Trader state transitions"},
		[]string{"symbol", "to"},
	)
	CheckupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "checkups_total", Help: "Periodic checkup events dispatched"},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(BarsTotal, BarsDropped, OrdersTotal, FillsTotal, TransitionsTotal, CheckupsTotal)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
