package symbiosome

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricPushLocalCount     = []string{"symbiosome", "push", "local", "count"}
	MetricPushRemoteCount    = []string{"symbiosome", "push", "remote", "count"}
	MetricPushErrorCount     = []string{"symbiosome", "push", "error", "count"}
	MetricPortalAddedCount   = []string{"symbiosome", "portal", "added", "count"}
	MetricPortalRemovedCount = []string{"symbiosome", "portal", "removed", "count"}
	MetricListenerCount      = []string{"symbiosome", "listener", "count"}
	MetricPortalCount        = []string{"symbiosome", "portal", "count"}
	MetricInboundCount       = []string{"symbiosome", "inbound", "count"}
	MetricInboundDropCount   = []string{"symbiosome", "inbound", "drop", "count"}
	MetricBusDropCount       = []string{"symbiosome", "bus", "drop", "count"}

	MetricFrameOutBytes       = []string{"symbiosome", "frame", "out", "bytes"}
	MetricFrameOutErrorCount  = []string{"symbiosome", "frame", "out", "error", "count"}
	MetricFrameInBytes        = []string{"symbiosome", "frame", "in", "bytes"}
	MetricFrameInErrorCount   = []string{"symbiosome", "frame", "in", "error", "count"}
	MetricPortalDialCount     = []string{"symbiosome", "portal", "dial", "count"}
	MetricPortalDialErrCount  = []string{"symbiosome", "portal", "dial", "error", "count"}
	MetricStreamAcceptCount   = []string{"symbiosome", "stream", "accept", "count"}
	MetricStreamRejectedCount = []string{"symbiosome", "stream", "rejected", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelReason   TelemetryLabel = "reason"
	LabelOrigin   TelemetryLabel = "origin"
	LabelParent   TelemetryLabel = "parent"
	LabelChannel  TelemetryLabel = "channel"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelDuration TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
