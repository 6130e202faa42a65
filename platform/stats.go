package platform

import (
	"routeagent/stats"
)

var (
	handlerOpCounter = stats.MustDefineCounter(
		"platform/handler_ops",
		"op",
		"result")

	syncCounter = stats.MustDefineCounter(
		"platform/addr_sync",
		"result")
)
