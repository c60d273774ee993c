package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hosokawa-kenshin/Matterverse/internal/datamodel"
	"github.com/hosokawa-kenshin/Matterverse/internal/repository"
)

// DeviceFilter narrows a device listing. Nil or empty fields match
// everything.
type DeviceFilter struct {
	Node       *uint64
	Endpoint   *uint16
	DeviceType *int64
	Name       string
	Cluster    string
	Attribute  string
	Command    string
}

// DeviceView is a registry device joined with its tracked attributes.
type DeviceView struct {
	repository.Device
	Attributes []repository.Attribute `json:"attributes"`
}

// DeviceService serves device listings and owns device removal and
// renaming.
type DeviceService struct {
	registry repository.Registry
	dict     *datamodel.Dictionary
	watcher  DeviceWatcher
	logger   *zap.Logger
}

func NewDeviceService(registry repository.Registry, dict *datamodel.Dictionary, watcher DeviceWatcher, logger *zap.Logger) *DeviceService {
	return &DeviceService{
		registry: registry,
		dict:     dict,
		watcher:  watcher,
		logger:   logger,
	}
}

// List returns every device matching the filter, each joined with its
// attribute rows.
func (s *DeviceService) List(ctx context.Context, filter DeviceFilter) ([]DeviceView, error) {
	devices, err := s.registry.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		if !filter.matchesDevice(d) {
			continue
		}
		attrs, err := s.registry.AttributesByDevice(ctx, d.NodeID, d.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("loading attributes for node %d endpoint %d: %w", d.NodeID, d.Endpoint, err)
		}
		if !filter.matchesAttributes(attrs) {
			continue
		}
		if !s.matchesCommand(filter.Command, attrs) {
			continue
		}
		views = append(views, DeviceView{Device: d, Attributes: attrs})
	}
	return views, nil
}

// Get returns one device joined with its attributes.
func (s *DeviceService) Get(ctx context.Context, nodeID uint64, endpoint uint16) (*DeviceView, error) {
	device, err := s.registry.DeviceByNodeEndpoint(ctx, nodeID, endpoint)
	if err != nil {
		return nil, mapRegistryErr(err)
	}
	attrs, err := s.registry.AttributesByDevice(ctx, nodeID, endpoint)
	if err != nil {
		return nil, fmt.Errorf("loading attributes: %w", err)
	}
	return &DeviceView{Device: *device, Attributes: attrs}, nil
}

// Delete removes a device and its attribute rows. When the node's last
// endpoint goes, the node's unique-id record goes with it. The polling
// engine is told to stop watching the endpoint.
func (s *DeviceService) Delete(ctx context.Context, nodeID uint64, endpoint uint16) error {
	if _, err := s.registry.DeviceByNodeEndpoint(ctx, nodeID, endpoint); err != nil {
		return mapRegistryErr(err)
	}
	if err := s.registry.DeleteDevice(ctx, nodeID, endpoint); err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	remaining, err := s.registry.DevicesByNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("checking remaining endpoints: %w", err)
	}
	if len(remaining) == 0 {
		if err := s.registry.DeleteNode(ctx, nodeID); err != nil {
			return fmt.Errorf("removing node records: %w", err)
		}
	}

	s.watcher.RemoveDevice(nodeID, endpoint)
	s.logger.Info("device deleted", zap.Uint64("node", nodeID), zap.Uint16("endpoint", endpoint))
	return nil
}

// Rename updates a node's display name. The MQTT topic id embeds the
// original name and deliberately keeps it; renaming must not orphan
// retained Homie topics.
func (s *DeviceService) Rename(ctx context.Context, nodeID uint64, endpoint uint16, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if _, err := s.registry.DeviceByNodeEndpoint(ctx, nodeID, endpoint); err != nil {
		return mapRegistryErr(err)
	}
	if err := s.registry.UpdateDeviceName(ctx, nodeID, name); err != nil {
		return mapRegistryErr(err)
	}
	s.logger.Info("device renamed", zap.Uint64("node", nodeID), zap.String("name", name))
	return nil
}

func (f DeviceFilter) matchesDevice(d repository.Device) bool {
	if f.Node != nil && d.NodeID != *f.Node {
		return false
	}
	if f.Endpoint != nil && d.Endpoint != *f.Endpoint {
		return false
	}
	if f.DeviceType != nil && d.DeviceType != *f.DeviceType {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(d.Name), strings.ToLower(f.Name)) {
		return false
	}
	return true
}

func (f DeviceFilter) matchesAttributes(attrs []repository.Attribute) bool {
	if f.Cluster != "" {
		want := NormalizeClusterName(f.Cluster)
		found := false
		for _, a := range attrs {
			if NormalizeClusterName(a.Cluster) == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Attribute != "" {
		found := false
		for _, a := range attrs {
			if strings.EqualFold(a.Attribute, f.Attribute) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// matchesCommand reports whether any of the device's clusters defines
// the named command in the data model.
func (s *DeviceService) matchesCommand(command string, attrs []repository.Attribute) bool {
	if command == "" {
		return true
	}
	seen := make(map[string]struct{})
	for _, a := range attrs {
		if _, ok := seen[a.Cluster]; ok {
			continue
		}
		seen[a.Cluster] = struct{}{}
		cluster, ok := s.dict.ClusterByName(a.Cluster)
		if !ok {
			continue
		}
		for _, cmd := range cluster.Commands {
			if strings.EqualFold(cmd.Name, command) {
				return true
			}
		}
	}
	return false
}
