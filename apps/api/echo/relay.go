package echoapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v4"

	"github.com/trezcool/proctor/core/relay"
)

const maxBroadcastBody = 1 << 20

type relayApi struct {
	*Server
	hub *relay.Hub
}

type broadcastRequest struct {
	Event string          `json:"event" validate:"required,max=64"`
	Room  string          `json:"room" validate:"omitempty,roomname"`
	Data  json.RawMessage `json:"data"`
}

func registerRelayAPI(app *echo.Echo, s *Server) {
	api := relayApi{Server: s, hub: s.deps.Hub}
	app.GET("/health", api.health)
	app.POST("/broadcast", api.broadcast)
	app.GET("/ws", api.serveWS)
}

func (api *relayApi) health(ctx echo.Context) error {
	connections := 0
	if api.hub != nil {
		connections = api.hub.Connections()
	}
	return ctx.JSON(http.StatusOK, echo.Map{"status": "ok", "connections": connections})
}

// broadcast lets trusted back-ends publish to a room (or to everyone when room is empty).
// The shared secret is checked before the body is even read.
func (api *relayApi) broadcast(ctx echo.Context) error {
	if api.hub == nil {
		return errRelayDisabled
	}
	if !relay.Authorize(api.conf.Relay.Secret, ctx.Request().Header.Get(echo.HeaderAuthorization)) {
		return ctx.JSON(http.StatusUnauthorized, echo.Map{"error": "Unauthorized"})
	}

	body, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxBroadcastBody))
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid JSON"})
	}
	var data broadcastRequest
	if err = json.Unmarshal(body, &data); err != nil {
		return ctx.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid JSON"})
	}
	if err = api.validate.Struct(data); err != nil {
		return err
	}

	var payload interface{}
	if len(data.Data) > 0 {
		payload = data.Data
	}
	api.hub.Broadcast(data.Room, data.Event, payload)
	return ctx.JSON(http.StatusOK, echo.Map{"success": true})
}

// serveWS upgrades an authenticated request (?token=<jwt>) to a relay connection.
func (api *relayApi) serveWS(ctx echo.Context) error {
	if api.hub == nil {
		return errRelayDisabled
	}
	claims, err := parseToken(api.conf.SecretKey, ctx.QueryParam("token"))
	if err != nil {
		return err
	}

	ws, err := websocket.Accept(ctx.Response(), ctx.Request(), &websocket.AcceptOptions{
		// authenticated by token, not by cookies
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil // Accept already wrote the response
	}
	api.serveConn(ctx.Request().Context(), ws, api.hub.Connect(claims.identity()))
	return nil
}

func (api *relayApi) serveConn(ctx context.Context, ws *websocket.Conn, c *relay.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeTimeout := api.conf.Relay.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range c.Events() {
			wctx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, ws, ev)
			cancelWrite()
			if err != nil {
				// a stalled client is dropped rather than slowing its rooms down
				cancel()
				return
			}
		}
	}()

	for {
		var msg relay.ClientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				api.logger.Debug(fmt.Sprintf("relay connection %s: %v", c.ID, err))
			}
			break
		}
		api.hub.Handle(c, msg)
	}

	api.hub.Disconnect(c)
	<-writerDone
	_ = ws.Close(websocket.StatusNormalClosure, "")
}
