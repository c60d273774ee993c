package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hosokawa-kenshin/Matterverse/internal/chiptool"
	"github.com/hosokawa-kenshin/Matterverse/internal/repository"
)

// commissioningTimeout bounds the pairing exchange; discovery reads
// afterwards run under the normal command timeout.
const commissioningTimeout = 120 * time.Second

var nameCleaner = regexp.MustCompile(`[ -]`)

// DataModel is the subset of the data-model dictionary used to
// resolve discovery reads during commissioning.
type DataModel interface {
	ClusterNameByID(id uint32) (string, bool)
	AttributeNameByCode(clusterID, code uint32) (string, bool)
	AttributeTypeByName(clusterName, attributeName string) (string, bool)
}

// CommissioningService pairs new devices into the fabric and
// materializes their registry rows: unique id, per-endpoint Device
// rows and the attribute set the polling engine will track.
type CommissioningService struct {
	runner   CommandRunner
	registry repository.Registry
	dict     DataModel
	watcher  DeviceWatcher
	timeout  time.Duration
	logger   *zap.Logger

	// One commissioning cycle at a time; node id allocation reads
	// max(NodeID) and must not interleave with another pairing.
	mu sync.Mutex
}

func NewCommissioningService(runner CommandRunner, registry repository.Registry, dict DataModel, watcher DeviceWatcher, timeout time.Duration, logger *zap.Logger) *CommissioningService {
	return &CommissioningService{
		runner:   runner,
		registry: registry,
		dict:     dict,
		watcher:  watcher,
		timeout:  timeout,
		logger:   logger,
	}
}

// Commission pairs the device behind the manual pairing code, registers
// its endpoints and attributes, and returns the created Device rows.
// Any failure after pairing rolls back every row this call inserted.
func (s *CommissioningService) Commission(ctx context.Context, pairingCode string) ([]repository.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pairingCode = strings.TrimSpace(pairingCode)
	if pairingCode == "" {
		return nil, fmt.Errorf("%w: manual pairing code is required", ErrInvalidInput)
	}

	nodeID, err := s.registry.NewNodeID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocating node id: %w", err)
	}
	s.logger.Info("commissioning device", zap.Uint64("node", nodeID))

	pairCtx, cancel := context.WithTimeout(ctx, commissioningTimeout)
	resp := s.runner.Execute(pairCtx, fmt.Sprintf("pairing code %d %s", nodeID, pairingCode))
	cancel()

	if resp.Status != chiptool.StatusSuccess {
		return nil, fmt.Errorf("%w: pairing returned %s: %s", ErrCommissioningFailed, resp.Status, resp.Error)
	}
	if !pairingSucceeded(resp, nodeID) {
		return nil, fmt.Errorf("%w: no commissioning-complete confirmation for node %d", ErrCommissioningFailed, nodeID)
	}

	devices, err := s.register(ctx, nodeID)
	if err != nil {
		s.rollback(nodeID)
		return nil, err
	}

	for _, d := range devices {
		s.watcher.AddDevice(d.NodeID, d.Endpoint)
	}
	s.logger.Info("commissioning complete",
		zap.Uint64("node", nodeID), zap.Int("endpoints", len(devices)))
	return devices, nil
}

// pairingSucceeded scans the pairing response for the General
// Commissioning CommissioningComplete OK status on the new node. The
// shaper renders command fields as strings, so the OK status is the
// literal "0".
func pairingSucceeded(resp chiptool.Response, nodeID uint64) bool {
	records, ok := resp.Data.([]chiptool.Record)
	if !ok {
		return false
	}
	for _, rec := range records {
		if rec.Node != nodeID || rec.CommandFields == nil {
			continue
		}
		if rec.CommandFields["0x0"] == "0" {
			return true
		}
	}
	return false
}

func (s *CommissioningService) register(ctx context.Context, nodeID uint64) ([]repository.Device, error) {
	uniqueID, err := s.basicInfo(ctx, nodeID, "unique-id")
	if err != nil {
		return nil, fmt.Errorf("%w: reading unique id: %v", ErrCommissioningFailed, err)
	}

	vendor, err := s.basicInfo(ctx, nodeID, "vendor-name")
	if err != nil || vendor == "" {
		vendor = "Unknown"
	}
	product, err := s.basicInfo(ctx, nodeID, "product-name")
	if err != nil || product == "" {
		product = "Device"
	}
	deviceName := nameCleaner.ReplaceAllString(vendor, "") + "_" + nameCleaner.ReplaceAllString(product, "")

	inserted, err := s.registry.InsertUniqueID(ctx, nodeID, deviceName, uniqueID)
	if err != nil {
		return nil, fmt.Errorf("inserting unique id: %w", err)
	}
	if !inserted {
		return nil, fmt.Errorf("%w: node %d already has a unique id", ErrCommissioningFailed, nodeID)
	}

	endpoints, err := s.endpoints(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	var devices []repository.Device
	for _, ep := range endpoints {
		deviceType, found, err := s.primaryDeviceType(ctx, nodeID, ep)
		if err != nil {
			return nil, err
		}
		if !found {
			s.logger.Warn("no device type reported",
				zap.Uint64("node", nodeID), zap.Uint16("endpoint", ep))
			continue
		}

		device := repository.Device{
			NodeID:     nodeID,
			Endpoint:   ep,
			DeviceType: int64(deviceType),
			TopicID:    deviceName + "_" + topicHash(nodeID, ep, uniqueID),
			Name:       deviceName,
			UniqueID:   uniqueID,
		}
		ok, err := s.registry.InsertDevice(ctx, device)
		if err != nil {
			return nil, fmt.Errorf("inserting device: %w", err)
		}
		if !ok {
			s.logger.Warn("device row already present",
				zap.Uint64("node", nodeID), zap.Uint16("endpoint", ep))
			continue
		}

		if err := s.registerAttributes(ctx, nodeID, ep); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no endpoints registered for node %d", ErrCommissioningFailed, nodeID)
	}
	return devices, nil
}

func (s *CommissioningService) basicInfo(ctx context.Context, nodeID uint64, attribute string) (string, error) {
	resp := s.read(ctx, fmt.Sprintf("basicinformation read %s %d 0", attribute, nodeID))
	value, ok := recordValue(resp)
	if !ok {
		return "", fmt.Errorf("reading %s for node %d: %s", attribute, nodeID, responseFailure(resp))
	}
	return strings.TrimSpace(fmt.Sprint(value)), nil
}

func (s *CommissioningService) endpoints(ctx context.Context, nodeID uint64) ([]uint16, error) {
	resp := s.read(ctx, fmt.Sprintf("descriptor read parts-list %d 0", nodeID))
	value, ok := recordValue(resp)
	if !ok {
		return nil, fmt.Errorf("%w: reading parts list: %s", ErrCommissioningFailed, responseFailure(resp))
	}

	var endpoints []uint16
	for _, id := range uintList(value) {
		endpoints = append(endpoints, uint16(id))
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: device reported no endpoints", ErrCommissioningFailed)
	}
	return endpoints, nil
}

// primaryDeviceType reads an endpoint's device-type-list and extracts
// the first entry's DeviceType field (id 0x0).
func (s *CommissioningService) primaryDeviceType(ctx context.Context, nodeID uint64, endpoint uint16) (uint32, bool, error) {
	resp := s.read(ctx, fmt.Sprintf("descriptor read device-type-list %d %d", nodeID, endpoint))
	value, ok := recordValue(resp)
	if !ok {
		return 0, false, fmt.Errorf("%w: reading device type list for endpoint %d: %s",
			ErrCommissioningFailed, endpoint, responseFailure(resp))
	}

	var entry map[string]any
	switch t := value.(type) {
	case map[string]any:
		entry = t
	case []any:
		if len(t) > 0 {
			entry, _ = t[0].(map[string]any)
		}
	}
	if entry == nil {
		return 0, false, nil
	}
	dt, ok := entry["0x0"].(uint64)
	if !ok {
		return 0, false, nil
	}
	return uint32(dt), true, nil
}

func (s *CommissioningService) registerAttributes(ctx context.Context, nodeID uint64, endpoint uint16) error {
	resp := s.read(ctx, fmt.Sprintf("descriptor read server-list %d %d", nodeID, endpoint))
	value, ok := recordValue(resp)
	if !ok {
		return fmt.Errorf("%w: reading server list for endpoint %d: %s",
			ErrCommissioningFailed, endpoint, responseFailure(resp))
	}

	for _, clusterID := range uintList(value) {
		clusterName, ok := s.dict.ClusterNameByID(uint32(clusterID))
		if !ok {
			s.logger.Debug("unknown cluster in server list", zap.Uint64("cluster", clusterID))
			continue
		}

		attrResp := s.read(ctx, fmt.Sprintf("%s read attribute-list %d %d",
			NormalizeClusterName(clusterName), nodeID, endpoint))
		attrValue, ok := recordValue(attrResp)
		if !ok {
			return fmt.Errorf("%w: reading attribute list for cluster %s: %s",
				ErrCommissioningFailed, clusterName, responseFailure(attrResp))
		}

		for _, code := range uintList(attrValue) {
			attrName, ok := s.dict.AttributeNameByCode(uint32(clusterID), uint32(code))
			if !ok {
				continue
			}
			attrType, _ := s.dict.AttributeTypeByName(clusterName, attrName)
			if err := s.registry.CreateAttributeEntry(ctx, nodeID, endpoint, clusterName, attrName, attrType); err != nil {
				return fmt.Errorf("creating attribute entry: %w", err)
			}
		}
	}
	return nil
}

func (s *CommissioningService) read(ctx context.Context, command string) chiptool.Response {
	readCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.runner.Execute(readCtx, command)
}

// rollback removes every row the failed commissioning created. It runs
// on a fresh context so a cancelled request still cleans up.
func (s *CommissioningService) rollback(nodeID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.registry.DeleteNode(ctx, nodeID); err != nil {
		s.logger.Error("commissioning rollback failed", zap.Uint64("node", nodeID), zap.Error(err))
	}
}

func recordValue(resp chiptool.Response) (any, bool) {
	if resp.Status != chiptool.StatusSuccess {
		return nil, false
	}
	rec, ok := resp.Data.(chiptool.Record)
	if !ok || rec.Value == nil {
		return nil, false
	}
	return rec.Value, true
}

func responseFailure(resp chiptool.Response) string {
	if resp.Error != "" {
		return resp.Error
	}
	return "no value in response"
}

func uintList(value any) []uint64 {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	var out []uint64
	for _, item := range items {
		if n, ok := item.(uint64); ok {
			out = append(out, n)
		}
	}
	return out
}

func topicHash(nodeID uint64, endpoint uint16, uniqueID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d-%d-%s", nodeID, endpoint, uniqueID)))
	return hex.EncodeToString(sum[:])
}
