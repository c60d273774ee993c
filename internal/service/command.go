package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hosokawa-kenshin/Matterverse/internal/chiptool"
	"github.com/hosokawa-kenshin/Matterverse/internal/repository"
)

// CommandRequest is a structured north-bound command. Args is kept as
// raw JSON because argument order matters: chip-tool takes positional
// arguments, and they are serialized in the order the caller wrote
// them.
type CommandRequest struct {
	Cluster  string          `json:"cluster"`
	Command  string          `json:"command"`
	Node     uint64          `json:"node"`
	Endpoint uint16          `json:"endpoint"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// CommandService is the gateway for external fabric commands. It
// serializes requests into chip-tool invocations and keeps the polling
// engine quiet while a command is in flight.
type CommandService struct {
	runner   CommandRunner
	poller   PollController
	registry repository.Registry
	timeout  time.Duration
	logger   *zap.Logger
}

func NewCommandService(runner CommandRunner, poller PollController, registry repository.Registry, timeout time.Duration, logger *zap.Logger) *CommandService {
	return &CommandService{
		runner:   runner,
		poller:   poller,
		registry: registry,
		timeout:  timeout,
		logger:   logger,
	}
}

// Execute serializes req into a chip-tool command and runs it. On/Off
// power commands are followed by an immediate poll of the OnOff
// attribute so the cached value reflects the write.
func (s *CommandService) Execute(ctx context.Context, req CommandRequest) (chiptool.Response, error) {
	if req.Cluster == "" || req.Command == "" {
		return chiptool.Response{}, fmt.Errorf("%w: cluster and command are required", ErrInvalidInput)
	}
	args, err := orderedArgs(req.Args)
	if err != nil {
		return chiptool.Response{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	cluster := NormalizeClusterName(req.Cluster)
	tokens := append([]string{cluster, req.Command}, args...)
	tokens = append(tokens, strconv.FormatUint(req.Node, 10), strconv.FormatUint(uint64(req.Endpoint), 10))
	command := strings.Join(tokens, " ")

	resp := s.dispatch(ctx, command)

	if cluster == "onoff" && isPowerCommand(req.Command) {
		s.poller.PollOnce(req.Node, req.Endpoint, "On/Off", "OnOff")
	}
	return resp, nil
}

// ReadAttribute reads one attribute from a registered device and
// returns the live value, bypassing the cache.
func (s *CommandService) ReadAttribute(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute string) (chiptool.Response, error) {
	if _, err := s.registry.DeviceByNodeEndpoint(ctx, nodeID, endpoint); err != nil {
		return chiptool.Response{}, mapRegistryErr(err)
	}

	command := fmt.Sprintf("%s read %s %d %d",
		NormalizeClusterName(cluster), KebabAttributeName(attribute), nodeID, endpoint)
	return s.dispatch(ctx, command), nil
}

// WriteAttribute writes one attribute on a registered device.
func (s *CommandService) WriteAttribute(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute string, value any) (chiptool.Response, error) {
	if _, err := s.registry.DeviceByNodeEndpoint(ctx, nodeID, endpoint); err != nil {
		return chiptool.Response{}, mapRegistryErr(err)
	}

	command := fmt.Sprintf("%s write %s %s %d %d",
		NormalizeClusterName(cluster), KebabAttributeName(attribute), argString(value), nodeID, endpoint)
	return s.dispatch(ctx, command), nil
}

// dispatch pauses polling, runs the command under the gateway timeout
// and resumes polling whatever the outcome.
func (s *CommandService) dispatch(ctx context.Context, command string) chiptool.Response {
	s.poller.Pause()
	defer s.poller.Resume()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Info("dispatching command", zap.String("command", command))
	return s.runner.Execute(ctx, command)
}

func mapRegistryErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: device", ErrNotFound)
	}
	return err
}

func isPowerCommand(command string) bool {
	switch strings.ToLower(command) {
	case "on", "off", "toggle":
		return true
	}
	return false
}

// orderedArgs walks the raw args object with a streaming decoder so
// values come out in the order the caller wrote them. Keys are
// dropped; chip-tool arguments are positional.
func orderedArgs(raw json.RawMessage) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("args must be an object")
	}

	var out []string
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, argString(v))
	}
	return out, nil
}

func argString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}
