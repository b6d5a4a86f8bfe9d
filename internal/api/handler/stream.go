package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	mw "github.com/edvin/ordertrack/internal/api/middleware"
	"github.com/edvin/ordertrack/internal/api/response"
	"github.com/edvin/ordertrack/internal/notify"
)

const streamWriteTimeout = 5 * time.Second

type Stream struct {
	hub    *notify.Hub
	logger zerolog.Logger
}

func NewStream(hub *notify.Hub, logger zerolog.Logger) *Stream {
	return &Stream{hub: hub, logger: logger}
}

// Changes upgrades to WebSocket and streams the tenant's workflow change
// events until the client disconnects.
func (h *Stream) Changes(w http.ResponseWriter, r *http.Request) {
	tenantKey := mw.GetTenantKey(r.Context())
	if tenantKey == "" {
		response.WriteError(w, http.StatusBadRequest, "missing tenant routing key")
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("tenant", tenantKey).Msg("websocket accept failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "stream closed")

	sub := h.hub.Subscribe(tenantKey)
	defer sub.Close()

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away.
	ctx := c.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case change, ok := <-sub.C:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, c, change)
			cancel()
			if err != nil {
				h.logger.Debug().Err(err).Str("tenant", tenantKey).Msg("dropping change stream subscriber")
				return
			}
		}
	}
}
