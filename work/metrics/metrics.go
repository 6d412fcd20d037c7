package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSharedStreams tracks the number of shared upstream streams currently
// held by the registry. One shared stream equals one upstream connection and
// one credential slot, regardless of subscriber count.
var ActiveSharedStreams = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_mux_active_shared_streams",
	Help: "Number of active shared upstream streams",
})

// SubscribersConnected tracks the number of subscribers attached per stream key.
// This is a gauge that rises and falls as clients join and leave.
var SubscribersConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iptv_mux_subscribers_connected",
	Help: "Number of subscribers attached to a shared stream",
}, []string{"stream"})

// BytesTransferred counts bytes moved per stream key. The "direction" label
// distinguishes upstream (provider to proxy) from downstream (proxy to clients).
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_mux_bytes_transferred",
	Help: "Total bytes transferred",
}, []string{"stream", "direction"})

// StreamErrors counts upstream reader failures by classified error type
// (timeout, connection, http).
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_mux_stream_errors",
	Help: "Number of upstream stream errors",
}, []string{"error_type"})

// SubscribersDropped counts subscribers force-dropped because their delivery
// queue overflowed (slow consumers).
var SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "iptv_mux_subscribers_dropped",
	Help: "Number of subscribers dropped for falling behind",
})

// CredentialSlotsInUse tracks acquired connection slots per account.
var CredentialSlotsInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iptv_mux_credential_slots_in_use",
	Help: "Number of credential connection slots currently acquired",
}, []string{"account"})
