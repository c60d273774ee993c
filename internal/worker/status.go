package worker

import (
	"fmt"
	"time"

	"github.com/hosokawa-kenshin/Matterverse/internal/repository"
)

// Status is the engine-wide snapshot served by the API.
type Status struct {
	Running              bool           `json:"running"`
	TotalDevices         int            `json:"total_devices"`
	EnabledDevices       int            `json:"enabled_devices"`
	DisabledDevices      int            `json:"disabled_devices"`
	ActiveTasks          int            `json:"active_tasks"`
	CompletedTasks       int            `json:"completed_tasks"`
	AutoDiscoveryEnabled bool           `json:"auto_discovery_enabled"`
	ErrorCounts          map[string]int `json:"error_counts"`
	Config               StatusConfig   `json:"config"`
}

// StatusConfig echoes the engine knobs, durations in seconds.
type StatusConfig struct {
	PollingInterval       float64 `json:"polling_interval"`
	MaxConcurrentDevices  int     `json:"max_concurrent_devices"`
	CommandTimeout        float64 `json:"command_timeout"`
	DeviceErrorStop       bool    `json:"device_error_stop"`
	AutoDiscoveryInterval float64 `json:"auto_discovery_interval"`
}

// DeviceStatus is the per-endpoint view.
type DeviceStatus struct {
	Node          uint64            `json:"node"`
	Endpoint      uint16            `json:"endpoint"`
	Enabled       bool              `json:"enabled"`
	ErrorCount    int               `json:"error_count"`
	LastPollTimes map[string]string `json:"last_poll_times"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	total := len(e.enabled)
	enabledCount := 0
	for _, on := range e.enabled {
		if on {
			enabledCount++
		}
	}
	errors := make(map[string]int, len(e.errorCounts))
	for ref, n := range e.errorCounts {
		errors[fmt.Sprintf("%d/%d", ref.NodeID, ref.Endpoint)] = n
	}
	active := len(e.loops)
	completed := e.completedLoops
	e.mu.Unlock()

	return Status{
		Running:              e.isRunning(),
		TotalDevices:         total,
		EnabledDevices:       enabledCount,
		DisabledDevices:      total - enabledCount,
		ActiveTasks:          active,
		CompletedTasks:       completed,
		AutoDiscoveryEnabled: e.cfg.AutoDiscoveryInterval > 0,
		ErrorCounts:          errors,
		Config: StatusConfig{
			PollingInterval:       e.cfg.PollingInterval.Seconds(),
			MaxConcurrentDevices:  e.cfg.MaxConcurrentDevices,
			CommandTimeout:        e.cfg.CommandTimeout.Seconds(),
			DeviceErrorStop:       e.cfg.DeviceErrorStop,
			AutoDiscoveryInterval: e.cfg.AutoDiscoveryInterval.Seconds(),
		},
	}
}

// DeviceStatus reports one endpoint's polling state with last poll
// times keyed "Cluster.Attribute".
func (e *Engine) DeviceStatus(nodeID uint64, endpoint uint16) DeviceStatus {
	ref := repository.EndpointRef{NodeID: nodeID, Endpoint: endpoint}

	e.mu.Lock()
	defer e.mu.Unlock()

	times := make(map[string]string)
	for key, at := range e.lastPoll {
		if key.ref == ref {
			times[key.cluster+"."+key.attribute] = at.Format(time.RFC3339)
		}
	}
	return DeviceStatus{
		Node:          nodeID,
		Endpoint:      endpoint,
		Enabled:       e.enabled[ref],
		ErrorCount:    e.errorCounts[ref],
		LastPollTimes: times,
	}
}
