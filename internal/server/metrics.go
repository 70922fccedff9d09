package server

import "gihan9a/recordsync/internal/metrics"

const subsystem = "server"

var (
	connectedClients = metrics.NewGauge(
		"clients",
		subsystem,
		"Number of connected websocket clients",
		[]string{}).WithLabelValues()

	broadcasts = metrics.NewCounter(
		"broadcasts",
		subsystem,
		"Total messages broadcast to record subscribers",
		[]string{"action"})

	writes = metrics.NewCounter(
		"writes",
		subsystem,
		"Total client writes by result",
		[]string{"result"})
)
