// Package repository persists the device registry: which nodes and
// endpoints have been commissioned, their MQTT topic identities, and
// the last observed value of every tracked attribute.
package repository

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Device is one commissioned (node, endpoint) pair.
type Device struct {
	NodeID     uint64 `json:"node"`
	Endpoint   uint16 `json:"endpoint"`
	DeviceType int64  `json:"device_type"`
	TopicID    string `json:"topic_id"`
	Name       string `json:"name,omitempty"`
	UniqueID   string `json:"unique_id,omitempty"`
}

// Attribute is one tracked attribute row. Value is nil until the
// first poll fills it. Type is fixed at row creation and never
// updated afterwards.
type Attribute struct {
	NodeID    uint64  `json:"node"`
	Endpoint  uint16  `json:"endpoint"`
	Cluster   string  `json:"cluster"`
	Attribute string  `json:"attribute"`
	Type      string  `json:"type,omitempty"`
	Value     *string `json:"value"`
}

// EndpointRef identifies one (node, endpoint) pair.
type EndpointRef struct {
	NodeID   uint64
	Endpoint uint16
}

// Registry is the only component authorized to write persistent state.
type Registry interface {
	// NewNodeID returns max(NodeID)+1, or 1 for an empty registry.
	NewNodeID(ctx context.Context) (uint64, error)

	// InsertDevice adds a Device row. It reports false, without an
	// error, when the (node, endpoint) key already exists.
	InsertDevice(ctx context.Context, d Device) (bool, error)

	// DeleteDevice removes a Device row together with its Attribute
	// rows in one transaction.
	DeleteDevice(ctx context.Context, nodeID uint64, endpoint uint16) error

	// DeleteNode removes every row belonging to a node: Device,
	// Attribute and UniqueID. Used to roll back a failed commissioning.
	DeleteNode(ctx context.Context, nodeID uint64) error

	// InsertUniqueID records a node's name and hardware unique id. A
	// duplicate node is a soft failure reported as false.
	InsertUniqueID(ctx context.Context, nodeID uint64, name, uniqueID string) (bool, error)

	// UpdateDeviceName renames a node. ErrNotFound when the node has
	// no UniqueID row.
	UpdateDeviceName(ctx context.Context, nodeID uint64, name string) error

	// CreateAttributeEntry inserts an Attribute row with a NULL value
	// and the given type. An existing row is left untouched, value and
	// type included.
	CreateAttributeEntry(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute, attrType string) error

	// UpdateAttributeValue overwrites the cached value. The type
	// column is never modified.
	UpdateAttributeValue(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute, value string) error

	// AttributeValue returns the cached value. ok is false when the
	// row is absent or the value is still NULL.
	AttributeValue(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute string) (value string, ok bool, err error)

	Devices(ctx context.Context) ([]Device, error)
	DevicesByNode(ctx context.Context, nodeID uint64) ([]Device, error)
	DeviceByNodeEndpoint(ctx context.Context, nodeID uint64, endpoint uint16) (*Device, error)
	DeviceByTopicID(ctx context.Context, topicID string) (*Device, error)
	EndpointsByNode(ctx context.Context, nodeID uint64) ([]uint16, error)

	Attributes(ctx context.Context) ([]Attribute, error)
	AttributesByDevice(ctx context.Context, nodeID uint64, endpoint uint16) ([]Attribute, error)
	ClustersByDevice(ctx context.Context, nodeID uint64, endpoint uint16) ([]string, error)
	AttributeNamesByCluster(ctx context.Context, nodeID uint64, endpoint uint16, cluster string) ([]string, error)

	// TrackedEndpoints lists every (node, endpoint) with at least one
	// Attribute row; the polling engine's discovery scan reads this.
	TrackedEndpoints(ctx context.Context) ([]EndpointRef, error)

	Close() error
}
