package chiptool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Response is the outcome of one chip-tool invocation.
type Response struct {
	Status    string `json:"status"`
	Command   string `json:"command"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// stateFile is removed after every invocation so a run never sees a
// predecessor's session state.
const stateFile = "chip_tool_config.ini"

const (
	busyMarker   = "Resource is busy"
	busyAttempts = 3
	busyBackoff  = 50 * time.Millisecond
	killDelay    = 5 * time.Second
)

var failureMarkers = []string{"error", "failed", "exception", "segmentation fault"}

// Executor runs chip-tool as a one-shot subprocess per command and
// shapes its output into Responses. A fixed-size slot pool bounds how
// many subprocesses run at once.
type Executor struct {
	binPath    string
	paaCertDir string
	storageDir string
	sem        chan struct{}
	resolver   Resolver
	logger     *zap.Logger
}

// NewExecutor returns an Executor that runs the chip-tool binary at
// binPath with at most maxConcurrent subprocesses in flight.
func NewExecutor(binPath, paaCertDir, storageDir string, maxConcurrent int, resolver Resolver, logger *zap.Logger) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Executor{
		binPath:    binPath,
		paaCertDir: paaCertDir,
		storageDir: storageDir,
		sem:        make(chan struct{}, maxConcurrent),
		resolver:   resolver,
		logger:     logger,
	}
}

// Execute runs one chip-tool command such as "onoff read on-off 1 1".
// The command is tokenized on whitespace; trust store and storage
// arguments are appended automatically. Cancelling ctx terminates the
// subprocess, SIGTERM first and SIGKILL after a grace period.
//
// When chip-tool reports a busy resource the command is retried with
// exponential backoff; if every attempt stays busy, the last response
// is returned.
func (e *Executor) Execute(ctx context.Context, command string) Response {
	var resp Response
	for attempt := 0; attempt < busyAttempts; attempt++ {
		var raw string
		resp, raw = e.runOnce(ctx, command)
		if !strings.Contains(raw, busyMarker) || attempt == busyAttempts-1 {
			return resp
		}
		wait := busyBackoff << attempt
		e.logger.Warn("chip-tool resource busy, retrying",
			zap.String("command", command),
			zap.Duration("backoff", wait),
			zap.Int("attempt", attempt+1))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return resp
		}
	}
	return resp
}

func (e *Executor) runOnce(ctx context.Context, command string) (Response, string) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return Response{
			Status:    StatusTimeout,
			Command:   command,
			Error:     "timed out waiting for an execution slot",
			Timestamp: now(),
		}, ""
	}
	defer func() { <-e.sem }()
	defer e.removeStateFile()

	args := append(strings.Fields(command),
		"--paa-trust-store-path", e.paaCertDir,
		"--storage-directory", e.storageDir)

	e.logger.Debug("executing chip-tool", zap.String("command", command))

	cmd := exec.CommandContext(ctx, e.binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killDelay

	runErr := cmd.Run()
	raw := stdout.String()

	if ctx.Err() != nil {
		return Response{
			Status:    StatusTimeout,
			Command:   command,
			Error:     fmt.Sprintf("command timed out: %v", ctx.Err()),
			Timestamp: now(),
		}, raw
	}
	if stderrIndicatesFailure(stderr.String()) {
		return Response{
			Status:    StatusError,
			Command:   command,
			Error:     strings.TrimSpace(stderr.String()),
			Timestamp: now(),
		}, raw
	}
	if runErr != nil && raw == "" {
		return Response{
			Status:    StatusError,
			Command:   command,
			Error:     runErr.Error(),
			Timestamp: now(),
		}, raw
	}
	return e.shapeResponse(command, raw), raw
}

func (e *Executor) shapeResponse(command, raw string) Response {
	resp := Response{Status: StatusSuccess, Command: command, Timestamp: now()}

	var records []Record
	for _, block := range ExtractBlocks(Clean(raw)) {
		parsed, err := Parse(block)
		if err != nil {
			e.logger.Debug("skipping unparseable payload block", zap.Error(err))
			continue
		}
		records = append(records, ShapeRecords(parsed, e.resolver)...)
	}

	switch {
	case len(records) == 0:
		resp.Data = map[string]any{"raw_output": raw, "note": "No structured data found"}
	case strings.HasPrefix(command, "pairing"):
		// Commissioning emits a response per commissioning stage;
		// callers need all of them.
		resp.Data = records
	default:
		resp.Data = records[0]
	}
	return resp
}

func (e *Executor) removeStateFile() {
	path := filepath.Join(e.storageDir, stateFile)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("could not remove chip-tool state file", zap.String("path", path), zap.Error(err))
	}
}

func stderrIndicatesFailure(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func now() string { return time.Now().Format(time.RFC3339) }
