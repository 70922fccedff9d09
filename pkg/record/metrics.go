package record

import "gihan9a/recordsync/internal/metrics"

const (
	subsystem = "record"
	action    = "action"
	reason    = "reason"
)

var (
	liveRecords = metrics.NewGauge(
		"live",
		subsystem,
		"Number of live records held by registries",
		[]string{}).WithLabelValues()

	outboundMessages = metrics.NewCounter(
		"outbound_messages",
		subsystem,
		"Total messages sent to the remote authority",
		[]string{action})

	inboundMessages = metrics.NewCounter(
		"inbound_messages",
		subsystem,
		"Total messages received from the remote authority",
		[]string{action})

	droppedMessages = metrics.NewCounter(
		"dropped_messages",
		subsystem,
		"Total inbound messages dropped without effect",
		[]string{reason})
)
