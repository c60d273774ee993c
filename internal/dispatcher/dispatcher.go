// Package dispatcher fans polling change events out to the MQTT
// controller and the WebSocket hub. The two sinks are isolated: a
// failure in one never keeps the other from delivering.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hosokawa-kenshin/Matterverse/internal/chiptool"
	"github.com/hosokawa-kenshin/Matterverse/internal/worker"
)

// AttributePublisher publishes one attribute value to its Homie topic.
// *mqtt.Controller implements it.
type AttributePublisher interface {
	PublishStatus(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute, value string) error
}

// Broadcaster pushes a JSON event to every connected WebSocket client.
// *websocket.Hub implements it.
type Broadcaster interface {
	Broadcast(v any) int
}

const publishTimeout = 10 * time.Second

// StatusDispatcher receives change events from the polling engine and
// delivers them north-bound. It implements worker.Sink.
type StatusDispatcher struct {
	mqtt   AttributePublisher
	hub    Broadcaster
	logger *zap.Logger
}

var _ worker.Sink = (*StatusDispatcher)(nil)

func New(mqtt AttributePublisher, hub Broadcaster, logger *zap.Logger) *StatusDispatcher {
	return &StatusDispatcher{
		mqtt:   mqtt,
		hub:    hub,
		logger: logger,
	}
}

// Publish delivers one change event to MQTT and to the WebSocket hub.
func (d *StatusDispatcher) Publish(event worker.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := d.mqtt.PublishStatus(ctx,
		event.Device.Node, event.Device.Endpoint,
		event.Data.Cluster, event.Data.Attribute, fmt.Sprint(event.Data.Value))
	if err != nil {
		d.logger.Error("mqtt status publish failed",
			zap.Uint64("node", event.Device.Node), zap.Uint16("endpoint", event.Device.Endpoint),
			zap.String("cluster", event.Data.Cluster), zap.String("attribute", event.Data.Attribute),
			zap.Error(err))
	}

	d.hub.Broadcast(event)
}

// CommandResponse forwards one executed command's outcome to the
// WebSocket clients.
func (d *StatusDispatcher) CommandResponse(command string, resp chiptool.Response) {
	d.hub.Broadcast(map[string]any{
		"type":      "command_response",
		"command":   command,
		"response":  resp,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Error broadcasts an error envelope to the WebSocket clients.
func (d *StatusDispatcher) Error(message string) {
	d.hub.Broadcast(map[string]any{
		"type":      "error",
		"message":   message,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
