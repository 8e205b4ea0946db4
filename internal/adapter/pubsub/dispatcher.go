package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/webitel/socket-pool-service/pkg/model"
)

// MetricTopic is the in-process channel metric records travel on between
// the request path and the reporter.
const MetricTopic = "metrics.records"

// MetricDispatcher decouples metric emission from metric delivery: the
// dispatcher side never blocks a request on the external cache.
type MetricDispatcher interface {
	Emit(rec model.MetricRecord)
	Subscribe(ctx context.Context) (<-chan *message.Message, error)
	Close() error
}

type metricDispatcher struct {
	bus    *gochannel.GoChannel
	logger *slog.Logger
}

// NewMetricDispatcher builds the gochannel-backed bus. The output buffer
// absorbs bursts; delivery to subscribers is asynchronous, so emission never
// waits on the reporter. Records emitted while nobody is subscribed are
// discarded.
func NewMetricDispatcher(logger *slog.Logger) MetricDispatcher {
	bus := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		watermill.NewSlogLogger(logger),
	)
	return &metricDispatcher{bus: bus, logger: logger}
}

func (d *metricDispatcher) Emit(rec model.MetricRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		d.logger.Warn("metric marshal failed", "metric", rec.MetricName, "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := d.bus.Publish(MetricTopic, msg); err != nil {
		d.logger.Warn("metric publish failed", "metric", rec.MetricName, "error", err)
	}
}

func (d *metricDispatcher) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return d.bus.Subscribe(ctx, MetricTopic)
}

func (d *metricDispatcher) Close() error { return d.bus.Close() }
