package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// channelsActive tracks channels accepting joins
	channelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "setlist_broadcast_channels_active",
			Help: "Number of broadcast channels currently accepting subscribers",
		},
	)

	// subscribersActive tracks attached subscribers across all channels
	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "setlist_broadcast_subscribers",
			Help: "Number of subscribers currently attached to a channel",
		},
	)

	// messagesTotal counts delivered messages by type
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "setlist_broadcast_messages_total",
			Help: "Total number of messages queued to subscribers",
		},
		[]string{"type"}, // "hello", "update", "goodbye"
	)

	// joinsRejected counts joins against missing or closed channels
	joinsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "setlist_broadcast_joins_rejected_total",
			Help: "Total number of subscriber joins rejected as unauthorized",
		},
	)

	// subscribersDropped counts subscribers removed for falling behind
	subscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "setlist_broadcast_subscribers_dropped_total",
			Help: "Total number of subscribers dropped because their buffer was full",
		},
	)

	// goodbyeWithoutSubscribers counts goodbyes nobody received
	goodbyeWithoutSubscribers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "setlist_broadcast_unheard_goodbyes_total",
			Help: "Total number of goodbye messages sent to a channel with no subscribers",
		},
	)
)
