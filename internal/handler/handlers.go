// Package handler mounts the bridge's REST and WebSocket endpoints.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hosokawa-kenshin/Matterverse/internal/chiptool"
	"github.com/hosokawa-kenshin/Matterverse/internal/datamodel"
	"github.com/hosokawa-kenshin/Matterverse/internal/repository"
	"github.com/hosokawa-kenshin/Matterverse/internal/service"
	"github.com/hosokawa-kenshin/Matterverse/internal/worker"
)

// DeviceService lists, renames and removes registered devices.
type DeviceService interface {
	List(ctx context.Context, filter service.DeviceFilter) ([]service.DeviceView, error)
	Delete(ctx context.Context, nodeID uint64, endpoint uint16) error
	Rename(ctx context.Context, nodeID uint64, endpoint uint16, name string) error
}

// Commissioner pairs a new device into the fabric.
type Commissioner interface {
	Commission(ctx context.Context, pairingCode string) ([]repository.Device, error)
}

// CommandService executes fabric commands and attribute reads/writes.
type CommandService interface {
	Execute(ctx context.Context, req service.CommandRequest) (chiptool.Response, error)
	ReadAttribute(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute string) (chiptool.Response, error)
	WriteAttribute(ctx context.Context, nodeID uint64, endpoint uint16, cluster, attribute string, value any) (chiptool.Response, error)
}

// PollingEngine exposes the polling snapshot served by the API.
type PollingEngine interface {
	Status() worker.Status
}

// Notifier forwards command outcomes to the WebSocket clients.
type Notifier interface {
	CommandResponse(command string, resp chiptool.Response)
}

// Hub accepts upgraded WebSocket connections.
type Hub interface {
	Handle(conn *ws.Conn)
	ClientCount() int
}

var upgrader = ws.Upgrader{
	// The REST surface is CORS-open; the WebSocket endpoint matches.
	CheckOrigin: func(*http.Request) bool { return true },
}

// RegisterRoutes mounts every bridge endpoint onto the Echo instance.
func RegisterRoutes(
	e *echo.Echo,
	devices DeviceService,
	commissioner Commissioner,
	commands CommandService,
	poller PollingEngine,
	dict *datamodel.Dictionary,
	hub Hub,
	notifier Notifier,
	logger *zap.Logger,
) {
	e.GET("/health", healthHandler(hub))

	d := e.Group("/device")
	d.GET("", listDevicesHandler(devices, logger))
	d.POST("", commissionHandler(commissioner, logger))
	d.DELETE("/:node/:endpoint", deleteDeviceHandler(devices, logger))
	d.POST("/:node/:endpoint/name", renameDeviceHandler(devices, logger))
	d.GET("/:node/:endpoint/:cluster/:attribute", readAttributeHandler(commands, logger))
	d.POST("/:node/:endpoint/:cluster/:attribute", writeAttributeHandler(commands, logger))

	e.POST("/command", commandHandler(commands, notifier, logger))

	e.GET("/datamodel/cluster", func(c echo.Context) error {
		return c.JSON(http.StatusOK, dict.Clusters())
	})
	e.GET("/datamodel/devicetype", func(c echo.Context) error {
		return c.JSON(http.StatusOK, dict.DeviceTypes())
	})

	e.GET("/polling/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, poller.Status())
	})

	e.GET("/ws", websocketHandler(hub, logger))
}

func healthHandler(hub Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":            "healthy",
			"timestamp":         time.Now().Format(time.RFC3339),
			"websocket_clients": hub.ClientCount(),
		})
	}
}

func listDevicesHandler(devices DeviceService, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		filter, err := filterFromQuery(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errResp(err.Error()))
		}
		views, err := devices.List(c.Request().Context(), filter)
		if err != nil {
			logger.Error("device listing failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("listing devices failed"))
		}
		return c.JSON(http.StatusOK, map[string]any{"devices": views})
	}
}

type commissionRequest struct {
	ManualPairingCode string `json:"manual_pairing_code"`
}

func commissionHandler(commissioner Commissioner, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req commissionRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		devices, err := commissioner.Commission(c.Request().Context(), req.ManualPairingCode)
		if err != nil {
			logger.Error("commissioning failed", zap.Error(err))
			return c.JSON(statusFor(err), errResp(err.Error()))
		}
		return c.JSON(http.StatusOK, map[string]any{"devices": devices})
	}
}

func deleteDeviceHandler(devices DeviceService, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		nodeID, endpoint, err := devicePath(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errResp(err.Error()))
		}
		if err := devices.Delete(c.Request().Context(), nodeID, endpoint); err != nil {
			logger.Error("device deletion failed",
				zap.Uint64("node", nodeID), zap.Uint16("endpoint", endpoint), zap.Error(err))
			return c.JSON(statusFor(err), errResp(err.Error()))
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type renameRequest struct {
	Name string `json:"name"`
}

func renameDeviceHandler(devices DeviceService, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		nodeID, endpoint, err := devicePath(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errResp(err.Error()))
		}
		var req renameRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		if err := devices.Rename(c.Request().Context(), nodeID, endpoint, req.Name); err != nil {
			logger.Error("device rename failed", zap.Uint64("node", nodeID), zap.Error(err))
			return c.JSON(statusFor(err), errResp(err.Error()))
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "renamed"})
	}
}

func readAttributeHandler(commands CommandService, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		nodeID, endpoint, err := devicePath(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errResp(err.Error()))
		}
		resp, err := commands.ReadAttribute(c.Request().Context(),
			nodeID, endpoint, c.Param("cluster"), c.Param("attribute"))
		if err != nil {
			logger.Error("attribute read failed", zap.Uint64("node", nodeID), zap.Error(err))
			return c.JSON(statusFor(err), errResp(err.Error()))
		}
		return c.JSON(http.StatusOK, resp)
	}
}

type writeRequest struct {
	Value any `json:"value"`
}

func writeAttributeHandler(commands CommandService, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		nodeID, endpoint, err := devicePath(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errResp(err.Error()))
		}
		var req writeRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		resp, err := commands.WriteAttribute(c.Request().Context(),
			nodeID, endpoint, c.Param("cluster"), c.Param("attribute"), req.Value)
		if err != nil {
			logger.Error("attribute write failed", zap.Uint64("node", nodeID), zap.Error(err))
			return c.JSON(statusFor(err), errResp(err.Error()))
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func commandHandler(commands CommandService, notifier Notifier, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req service.CommandRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		resp, err := commands.Execute(c.Request().Context(), req)
		if err != nil {
			logger.Error("command execution failed", zap.Error(err))
			return c.JSON(statusFor(err), errResp(err.Error()))
		}
		notifier.CommandResponse(resp.Command, resp)
		return c.JSON(http.StatusOK, resp)
	}
}

func websocketHandler(hub Hub, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return err
		}
		hub.Handle(conn)
		return nil
	}
}

// ── Helpers ──────────────────────────────────────────────────────────

func errResp(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func devicePath(c echo.Context) (uint64, uint16, error) {
	nodeID, err := strconv.ParseUint(c.Param("node"), 10, 64)
	if err != nil {
		return 0, 0, errors.New("node must be an unsigned integer")
	}
	endpoint, err := strconv.ParseUint(c.Param("endpoint"), 10, 16)
	if err != nil {
		return 0, 0, errors.New("endpoint must be a 16-bit unsigned integer")
	}
	return nodeID, uint16(endpoint), nil
}

func filterFromQuery(c echo.Context) (service.DeviceFilter, error) {
	var filter service.DeviceFilter

	if raw := c.QueryParam("node"); raw != "" {
		node, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return filter, errors.New("node must be an unsigned integer")
		}
		filter.Node = &node
	}
	if raw := c.QueryParam("endpoint"); raw != "" {
		ep, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return filter, errors.New("endpoint must be a 16-bit unsigned integer")
		}
		endpoint := uint16(ep)
		filter.Endpoint = &endpoint
	}
	if raw := c.QueryParam("device_type"); raw != "" {
		dt, err := strconv.ParseInt(raw, 0, 64)
		if err != nil {
			return filter, errors.New("device_type must be an integer")
		}
		filter.DeviceType = &dt
	}
	filter.Name = c.QueryParam("name")
	filter.Cluster = c.QueryParam("cluster")
	filter.Attribute = c.QueryParam("attribute")
	filter.Command = c.QueryParam("command")
	return filter, nil
}
