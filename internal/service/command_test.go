package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hosokawa-kenshin/Matterverse/internal/chiptool"
	"github.com/hosokawa-kenshin/Matterverse/internal/repository"
)

type spyRunner struct {
	mu        sync.Mutex
	commands  []string
	resp      chiptool.Response
	onExecute func()
}

func (r *spyRunner) Execute(ctx context.Context, command string) chiptool.Response {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	r.mu.Unlock()
	if r.onExecute != nil {
		r.onExecute()
	}
	return r.resp
}

type pollerSpy struct {
	mu     sync.Mutex
	events []string
}

func (p *pollerSpy) Pause()  { p.record("pause") }
func (p *pollerSpy) Resume() { p.record("resume") }

func (p *pollerSpy) PollOnce(nodeID uint64, endpoint uint16, cluster, attribute string) {
	p.record(fmt.Sprintf("poll %d %d %s %s", nodeID, endpoint, cluster, attribute))
}

func (p *pollerSpy) record(event string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func openServiceRegistry(t *testing.T) repository.Registry {
	t.Helper()

	reg, err := repository.Open(filepath.Join(t.TempDir(), "registry.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func newTestCommandService(t *testing.T, runner *spyRunner, poller *pollerSpy) *CommandService {
	t.Helper()
	return NewCommandService(runner, poller, openServiceRegistry(t), time.Second, zap.NewNop())
}

func TestExecuteSerializesArgsInDeclaredOrder(t *testing.T) {
	runner := &spyRunner{resp: chiptool.Response{Status: chiptool.StatusSuccess}}
	svc := newTestCommandService(t, runner, &pollerSpy{})

	req := CommandRequest{
		Cluster:  "Level Control",
		Command:  "move-to-level",
		Node:     12,
		Endpoint: 3,
		Args:     json.RawMessage(`{"level": 128, "transition-time": 0, "option-mask": "0x01", "ack": true}`),
	}
	resp, err := svc.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, chiptool.StatusSuccess, resp.Status)

	require.Len(t, runner.commands, 1)
	assert.Equal(t, "levelcontrol move-to-level 128 0 0x01 true 12 3", runner.commands[0])
}

func TestExecuteWithoutArgsOmitsThem(t *testing.T) {
	runner := &spyRunner{resp: chiptool.Response{Status: chiptool.StatusSuccess}}
	svc := newTestCommandService(t, runner, &pollerSpy{})

	_, err := svc.Execute(context.Background(), CommandRequest{
		Cluster: "On/Off", Command: "toggle", Node: 7, Endpoint: 1,
	})
	require.NoError(t, err)

	require.Len(t, runner.commands, 1)
	assert.Equal(t, "onoff toggle 7 1", runner.commands[0])
}

func TestExecutePausesPollingAroundDispatch(t *testing.T) {
	poller := &pollerSpy{}
	runner := &spyRunner{resp: chiptool.Response{Status: chiptool.StatusSuccess}}
	runner.onExecute = func() { poller.record("execute") }
	svc := newTestCommandService(t, runner, poller)

	_, err := svc.Execute(context.Background(), CommandRequest{
		Cluster: "Descriptor", Command: "read parts-list", Node: 1, Endpoint: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"pause", "execute", "resume"}, poller.events)
}

func TestExecuteOnOffPowerCommandTriggersImmediatePoll(t *testing.T) {
	poller := &pollerSpy{}
	runner := &spyRunner{resp: chiptool.Response{Status: chiptool.StatusSuccess}}
	runner.onExecute = func() { poller.record("execute") }
	svc := newTestCommandService(t, runner, poller)

	_, err := svc.Execute(context.Background(), CommandRequest{
		Cluster: "On/Off", Command: "Toggle", Node: 7, Endpoint: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"pause", "execute", "resume", "poll 7 1 On/Off OnOff"}, poller.events)
}

func TestExecuteNonPowerCommandSkipsImmediatePoll(t *testing.T) {
	poller := &pollerSpy{}
	runner := &spyRunner{resp: chiptool.Response{Status: chiptool.StatusSuccess}}
	svc := newTestCommandService(t, runner, poller)

	_, err := svc.Execute(context.Background(), CommandRequest{
		Cluster: "On/Off", Command: "read on-off", Node: 7, Endpoint: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"pause", "resume"}, poller.events)
}

func TestExecuteValidatesInput(t *testing.T) {
	runner := &spyRunner{}
	svc := newTestCommandService(t, runner, &pollerSpy{})

	_, err := svc.Execute(context.Background(), CommandRequest{Command: "toggle"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Execute(context.Background(), CommandRequest{Cluster: "On/Off"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Execute(context.Background(), CommandRequest{
		Cluster: "On/Off", Command: "toggle", Args: json.RawMessage(`[1,2]`),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, runner.commands)
}

func TestReadAttributeUnknownDeviceSkipsDispatch(t *testing.T) {
	poller := &pollerSpy{}
	runner := &spyRunner{}
	svc := newTestCommandService(t, runner, poller)

	_, err := svc.ReadAttribute(context.Background(), 1, 1, "On/Off", "OnOff")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, runner.commands)
	assert.Empty(t, poller.events)
}

func TestReadAndWriteAttributeBuildCommands(t *testing.T) {
	ctx := context.Background()
	runner := &spyRunner{resp: chiptool.Response{Status: chiptool.StatusSuccess}}
	poller := &pollerSpy{}
	registry := openServiceRegistry(t)
	svc := NewCommandService(runner, poller, registry, time.Second, zap.NewNop())

	ok, err := registry.InsertDevice(ctx, repository.Device{
		NodeID: 9, Endpoint: 2, DeviceType: 0x100, TopicID: "lamp",
	})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.ReadAttribute(ctx, 9, 2, "On/Off", "OnOff")
	require.NoError(t, err)

	_, err = svc.WriteAttribute(ctx, 9, 2, "Level Control", "OnLevel", json.Number("254"))
	require.NoError(t, err)

	require.Len(t, runner.commands, 2)
	assert.Equal(t, "onoff read on-off 9 2", runner.commands[0])
	assert.Equal(t, "levelcontrol write on-level 254 9 2", runner.commands[1])
}
