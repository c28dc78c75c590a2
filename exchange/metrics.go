package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "santabox_claims_total",
		Help: "Name claims by result code.",
	}, []string{"result"})

	drawsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "santabox_draws_total",
		Help: "Draw attempts by outcome.",
	}, []string{"outcome"})

	panelPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "santabox_panel_pushes_total",
		Help: "Panel pushes by outcome (edited, sent, pruned).",
	}, []string{"outcome"})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "santabox_deliveries_total",
		Help: "Private assignment deliveries by outcome.",
	}, []string{"outcome"})
)

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code := CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}
