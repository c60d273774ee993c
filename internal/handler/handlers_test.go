package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/hosokawa-kenshin/Matterverse/internal/chiptool"
	"github.com/hosokawa-kenshin/Matterverse/internal/datamodel"
	"github.com/hosokawa-kenshin/Matterverse/internal/repository"
	"github.com/hosokawa-kenshin/Matterverse/internal/service"
	"github.com/hosokawa-kenshin/Matterverse/internal/worker"
)

type fakeDevices struct {
	listFilter service.DeviceFilter
	listErr    error
	views      []service.DeviceView

	deletedNode uint64
	deletedEP   uint16
	deleteErr   error

	renamedTo string
	renameErr error
}

func (f *fakeDevices) List(_ context.Context, filter service.DeviceFilter) ([]service.DeviceView, error) {
	f.listFilter = filter
	return f.views, f.listErr
}

func (f *fakeDevices) Delete(_ context.Context, nodeID uint64, endpoint uint16) error {
	f.deletedNode, f.deletedEP = nodeID, endpoint
	return f.deleteErr
}

func (f *fakeDevices) Rename(_ context.Context, _ uint64, _ uint16, name string) error {
	f.renamedTo = name
	return f.renameErr
}

type fakeCommissioner struct {
	code    string
	devices []repository.Device
	err     error
}

func (f *fakeCommissioner) Commission(_ context.Context, code string) ([]repository.Device, error) {
	f.code = code
	return f.devices, f.err
}

type fakeCommands struct {
	executed service.CommandRequest
	read     []string
	written  any
	resp     chiptool.Response
	err      error
}

func (f *fakeCommands) Execute(_ context.Context, req service.CommandRequest) (chiptool.Response, error) {
	f.executed = req
	return f.resp, f.err
}

func (f *fakeCommands) ReadAttribute(_ context.Context, nodeID uint64, endpoint uint16, cluster, attribute string) (chiptool.Response, error) {
	f.read = []string{fmt.Sprint(nodeID), fmt.Sprint(endpoint), cluster, attribute}
	return f.resp, f.err
}

func (f *fakeCommands) WriteAttribute(_ context.Context, _ uint64, _ uint16, _, _ string, value any) (chiptool.Response, error) {
	f.written = value
	return f.resp, f.err
}

type fakePoller struct{ status worker.Status }

func (f *fakePoller) Status() worker.Status { return f.status }

type fakeHub struct{ clients int }

func (f *fakeHub) Handle(*ws.Conn)  {}
func (f *fakeHub) ClientCount() int { return f.clients }

type fakeNotifier struct {
	command string
	resp    chiptool.Response
}

func (f *fakeNotifier) CommandResponse(command string, resp chiptool.Response) {
	f.command, f.resp = command, resp
}

const clusterXML = `<?xml version="1.0"?>
<configurator>
  <cluster>
    <name>On/Off</name>
    <code>0x0006</code>
    <attribute side="server" code="0x0000" define="ON_OFF" type="boolean" writable="false" optional="false">OnOff</attribute>
  </cluster>
</configurator>
`

const deviceTypeXML = `<?xml version="1.0"?>
<configurator>
  <deviceType>
    <deviceId>0x0100</deviceId>
    <typeName>Matter On/Off Light</typeName>
    <clusters>
      <include cluster="On/Off" serverLocked="true"/>
    </clusters>
  </deviceType>
</configurator>
`

func testDictionary(t *testing.T) *datamodel.Dictionary {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "onoff.xml"), []byte(clusterXML), 0o644))
	dtFile := filepath.Join(dir, "devices.xml")
	require.NoError(t, os.WriteFile(dtFile, []byte(deviceTypeXML), 0o644))

	d, err := datamodel.Load(dir, dtFile, zap.NewNop())
	require.NoError(t, err)
	return d
}

type fixture struct {
	echo         *echo.Echo
	devices      *fakeDevices
	commissioner *fakeCommissioner
	commands     *fakeCommands
	poller       *fakePoller
	hub          *fakeHub
	notifier     *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		echo:         echo.New(),
		devices:      &fakeDevices{},
		commissioner: &fakeCommissioner{},
		commands:     &fakeCommands{},
		poller:       &fakePoller{},
		hub:          &fakeHub{clients: 2},
		notifier:     &fakeNotifier{},
	}
	RegisterRoutes(f.echo, f.devices, f.commissioner, f.commands, f.poller,
		testDictionary(t), f.hub, f.notifier, zaptest.NewLogger(t))
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(2), body["websocket_clients"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestListDevicesParsesFilter(t *testing.T) {
	f := newFixture(t)
	f.devices.views = []service.DeviceView{
		{Device: repository.Device{NodeID: 1, Endpoint: 1, Name: "Acme_Bulb"}},
	}

	rec := f.do(http.MethodGet, "/device?node=1&endpoint=1&device_type=0x0100&name=bulb&cluster=onoff", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.devices.listFilter.Node)
	assert.Equal(t, uint64(1), *f.devices.listFilter.Node)
	require.NotNil(t, f.devices.listFilter.Endpoint)
	assert.Equal(t, uint16(1), *f.devices.listFilter.Endpoint)
	require.NotNil(t, f.devices.listFilter.DeviceType)
	assert.Equal(t, int64(0x0100), *f.devices.listFilter.DeviceType)
	assert.Equal(t, "bulb", f.devices.listFilter.Name)
	assert.Equal(t, "onoff", f.devices.listFilter.Cluster)

	body := decode(t, rec)
	require.Len(t, body["devices"], 1)
}

func TestListDevicesRejectsBadNode(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/device?node=banana", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommission(t *testing.T) {
	f := newFixture(t)
	f.commissioner.devices = []repository.Device{{NodeID: 7, Endpoint: 1}}

	rec := f.do(http.MethodPost, "/device", `{"manual_pairing_code":"34970112332"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "34970112332", f.commissioner.code)
	body := decode(t, rec)
	require.Len(t, body["devices"], 1)
}

func TestCommissionEmptyCodeIsBadRequest(t *testing.T) {
	f := newFixture(t)
	f.commissioner.err = fmt.Errorf("%w: manual pairing code is required", service.ErrInvalidInput)

	rec := f.do(http.MethodPost, "/device", `{"manual_pairing_code":""}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommissionFailureIsServerError(t *testing.T) {
	f := newFixture(t)
	f.commissioner.err = fmt.Errorf("%w: pairing returned error", service.ErrCommissioningFailed)

	rec := f.do(http.MethodPost, "/device", `{"manual_pairing_code":"123"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDeleteDevice(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodDelete, "/device/9/2", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(9), f.devices.deletedNode)
	assert.Equal(t, uint16(2), f.devices.deletedEP)
}

func TestDeleteUnknownDeviceIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.devices.deleteErr = fmt.Errorf("%w: device 9/2", service.ErrNotFound)

	rec := f.do(http.MethodDelete, "/device/9/2", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRejectsBadPath(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodDelete, "/device/notanode/1", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRenameDevice(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/device/1/1/name", `{"name":"Kitchen Light"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Kitchen Light", f.devices.renamedTo)
}

func TestReadAttribute(t *testing.T) {
	f := newFixture(t)
	f.commands.resp = chiptool.Response{Status: chiptool.StatusSuccess, Command: "onoff read on-off 1 1"}

	rec := f.do(http.MethodGet, "/device/1/1/onoff/OnOff", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"1", "1", "onoff", "OnOff"}, f.commands.read)
}

func TestWriteAttribute(t *testing.T) {
	f := newFixture(t)
	f.commands.resp = chiptool.Response{Status: chiptool.StatusSuccess}

	rec := f.do(http.MethodPost, "/device/1/1/levelcontrol/OnLevel", `{"value":128}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(128), f.commands.written)
}

func TestCommandNotifiesWebSocketClients(t *testing.T) {
	f := newFixture(t)
	f.commands.resp = chiptool.Response{Status: chiptool.StatusSuccess, Command: "onoff toggle 1 1"}

	rec := f.do(http.MethodPost, "/command", `{"cluster":"onoff","command":"toggle","node":1,"endpoint":1}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "onoff", f.commands.executed.Cluster)
	assert.Equal(t, "toggle", f.commands.executed.Command)
	assert.Equal(t, "onoff toggle 1 1", f.notifier.command)
}

func TestCommandInvalidInput(t *testing.T) {
	f := newFixture(t)
	f.commands.err = fmt.Errorf("%w: cluster is required", service.ErrInvalidInput)

	rec := f.do(http.MethodPost, "/command", `{"command":"toggle"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.notifier.command)
}

func TestDatamodelEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/datamodel/cluster", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "On/Off")

	rec = f.do(http.MethodGet, "/datamodel/devicetype", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Matter On/Off Light")
}

func TestPollingStatus(t *testing.T) {
	f := newFixture(t)
	f.poller.status = worker.Status{Running: true, TotalDevices: 3}

	rec := f.do(http.MethodGet, "/polling/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, float64(3), body["total_devices"])
}
