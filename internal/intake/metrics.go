package intake

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var duplicatesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_webhook_duplicates_total",
		Help: "Inbound messages skipped by the idempotency claim.",
	},
	[]string{"platform"},
)
