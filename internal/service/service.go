// Package service implements the bridge's domain operations: command
// dispatch to the fabric, device commissioning, and registry-backed
// device management.
package service

import (
	"context"
	"errors"

	"github.com/hosokawa-kenshin/Matterverse/internal/chiptool"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrCommissioningFailed = errors.New("commissioning failed")
)

// CommandRunner executes one chip-tool command. *chiptool.Executor
// implements it.
type CommandRunner interface {
	Execute(ctx context.Context, command string) chiptool.Response
}

// PollController exposes the polling-engine operations the command
// gateway coordinates with. Pause stops new reads before an external
// command runs; PollOnce refreshes a single attribute immediately.
type PollController interface {
	Pause()
	Resume()
	PollOnce(nodeID uint64, endpoint uint16, cluster, attribute string)
}

// DeviceWatcher is notified when devices join or leave the registry so
// the polling engine can start or stop their loops.
type DeviceWatcher interface {
	AddDevice(nodeID uint64, endpoint uint16)
	RemoveDevice(nodeID uint64, endpoint uint16)
}
