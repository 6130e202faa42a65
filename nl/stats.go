package nl

import (
	"routeagent/stats"
)

// Completed netlink requests.
// Tags:
// - kind: request kind [get_all_links, add_route, ...]
// - result: [ok, error]
var requestCounter = stats.MustDefineCounter("routeagent/nl/requests", "kind", "result")

// Transient kernel buffer exhaustion events.
// Tags:
// - op: [send, recv]
var enobufsCounter = stats.MustDefineCounter("routeagent/nl/enobufs", "op")

// Out-of-band kernel messages handed to the notification channel.
// Tags:
// - result: [delivered, dropped]
var notificationCounter = stats.MustDefineCounter("routeagent/nl/notifications", "result")

// Periodic full state re-queries.
// Tags:
// - result: [ok, error]
var resyncCounter = stats.MustDefineCounter("routeagent/nl/resyncs", "result")

// Requests currently awaiting a kernel reply.
var outstandingGaugeDef = stats.MustDefineGauge("routeagent/nl/outstanding_requests")
var outstandingGauge = outstandingGaugeDef.Must()
