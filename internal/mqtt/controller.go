// Package mqtt connects the bridge to the MQTT broker, publishes the
// registry's devices in the Homie 3.0.1 convention and turns inbound
// set messages into fabric commands.
package mqtt

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/hosokawa-kenshin/Matterverse/internal/chiptool"
	"github.com/hosokawa-kenshin/Matterverse/internal/datamodel"
	"github.com/hosokawa-kenshin/Matterverse/internal/repository"
	"github.com/hosokawa-kenshin/Matterverse/internal/service"
)

const (
	connectTimeout = 10 * time.Second
	publishQoS     = 0

	// bridgeStateTopic is the will topic: per-device $state topics
	// cannot share the single connection's will, so the broker marks
	// the whole bridge lost on an unclean disconnect.
	bridgeStateTopic = "homie/matterverse/$state"

	setTopicFilter = "homie/+/+/+/set"
)

var setTopicPattern = regexp.MustCompile(`^homie/(\w+)/(\w+)/(\w+)/set$`)

// CommandGateway is the south-bound entry the controller submits
// inbound set messages through. *service.CommandService implements it.
type CommandGateway interface {
	Execute(ctx context.Context, req service.CommandRequest) (chiptool.Response, error)
	WriteAttribute(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute string, value any) (chiptool.Response, error)
}

// pahoClient is the slice of the paho API the controller uses; tests
// substitute a recording fake.
type pahoClient interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Controller owns the single MQTT connection of the bridge.
type Controller struct {
	addr     string
	registry repository.Registry
	dict     *datamodel.Dictionary
	logger   *zap.Logger

	mu      sync.Mutex
	gateway CommandGateway
	client  pahoClient
}

func NewController(addr string, registry repository.Registry, dict *datamodel.Dictionary, logger *zap.Logger) *Controller {
	return &Controller{
		addr:     addr,
		registry: registry,
		dict:     dict,
		logger:   logger,
	}
}

// SetCommandGateway wires the command gateway. Must be called before
// Connect; the gateway itself depends on the polling engine, which is
// constructed after the controller.
func (c *Controller) SetCommandGateway(g CommandGateway) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gateway = g
}

// Connect dials the broker. On every (re)connect the controller
// resubscribes to the set topics and republishes the Homie topology;
// the paho client keeps reconnecting in the background afterwards.
func (c *Controller) Connect() error {
	opts := paho.NewClientOptions().
		AddBroker(c.addr).
		SetClientID("matterverse-bridge").
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWill(bridgeStateTopic, "lost", 1, true).
		SetOnConnectHandler(func(paho.Client) {
			c.logger.Info("mqtt connected", zap.String("broker", c.addr))
			c.subscribeSet()
			c.PublishDevices(context.Background())
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("mqtt connection lost", zap.Error(err))
		})

	c.mu.Lock()
	c.client = paho.NewClient(opts)
	client := c.client
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connecting to %s: timed out", c.addr)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	return nil
}

// Disconnect publishes the disconnected state for every device and
// closes the connection.
func (c *Controller) Disconnect(ctx context.Context) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return
	}

	devices, err := c.registry.Devices(ctx)
	if err != nil {
		c.logger.Error("listing devices for disconnect", zap.Error(err))
	}
	for _, d := range devices {
		c.publish(fmt.Sprintf("homie/%s/$state", d.TopicID), "disconnected")
	}
	c.publish(bridgeStateTopic, "disconnected")

	client.Disconnect(250)
	c.logger.Info("mqtt disconnected")
}

// PublishStatus publishes one attribute value to the device's Homie
// property topic, retained.
func (c *Controller) PublishStatus(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute, value string) error {
	device, err := c.registry.DeviceByNodeEndpoint(ctx, nodeID, endpoint)
	if err != nil {
		return fmt.Errorf("resolving device %d/%d: %w", nodeID, endpoint, err)
	}

	topic := fmt.Sprintf("homie/%s/%s/%s",
		device.TopicID, service.NormalizeClusterName(cluster), attribute)
	return c.publish(topic, value)
}

// PublishDevices announces every registered device's Homie topology.
func (c *Controller) PublishDevices(ctx context.Context) {
	devices, err := c.registry.Devices(ctx)
	if err != nil {
		c.logger.Error("listing devices for homie publication", zap.Error(err))
		return
	}
	for _, d := range devices {
		c.publishDevice(d)
	}
}

func (c *Controller) subscribeSet() {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	token := client.Subscribe(setTopicFilter, publishQoS, c.onSetMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error("subscribing to set topics", zap.Error(err))
	}
}

// onSetMessage translates a Homie set message into a chip-tool
// command. The gateway call runs off the paho callback goroutine so a
// slow fabric never stalls the network loop.
func (c *Controller) onSetMessage(_ paho.Client, msg paho.Message) {
	topicID, cluster, property, ok := parseSetTopic(msg.Topic())
	if !ok {
		c.logger.Warn("unparseable set topic", zap.String("topic", msg.Topic()))
		return
	}
	payload := string(msg.Payload())
	c.logger.Info("mqtt set received",
		zap.String("topic", msg.Topic()), zap.String("payload", payload))

	c.mu.Lock()
	gateway := c.gateway
	c.mu.Unlock()
	if gateway == nil {
		c.logger.Error("command gateway not wired, dropping set message")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		device, err := c.registry.DeviceByTopicID(ctx, topicID)
		if err != nil {
			c.logger.Error("unknown device topic", zap.String("topic_id", topicID), zap.Error(err))
			return
		}

		var resp chiptool.Response
		if cluster == "onoff" {
			command := "off"
			if payload == "true" {
				command = "on"
			}
			resp, err = gateway.Execute(ctx, service.CommandRequest{
				Cluster:  cluster,
				Command:  command,
				Node:     device.NodeID,
				Endpoint: device.Endpoint,
			})
		} else {
			resp, err = gateway.WriteAttribute(ctx, device.NodeID, device.Endpoint, cluster, property, payload)
		}
		if err != nil {
			c.logger.Error("set command failed",
				zap.String("topic_id", topicID), zap.String("cluster", cluster), zap.Error(err))
			return
		}
		c.logger.Info("set command dispatched",
			zap.String("topic_id", topicID), zap.String("status", resp.Status))
	}()
}

func (c *Controller) publish(topic, payload string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("mqtt client not connected")
	}

	token := client.Publish(topic, publishQoS, true, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

func parseSetTopic(topic string) (topicID, cluster, property string, ok bool) {
	m := setTopicPattern.FindStringSubmatch(topic)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}
