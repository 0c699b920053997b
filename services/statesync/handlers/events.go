// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes an App over HTTP: the event websocket, the upload
// endpoint and health checks.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/statesync/services/statesync/app"
	"github.com/AleutianAI/statesync/services/statesync/event"
	"github.com/AleutianAI/statesync/services/statesync/manager"
	"github.com/AleutianAI/statesync/services/statesync/observability"
	"github.com/AleutianAI/statesync/services/statesync/state"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// SocketConfig tunes the event websocket.
//
// # Fields
//
//   - EventsPerSecond: Sustained inbound event rate per connection. Zero
//     disables limiting.
//   - Burst: Events allowed above the sustained rate. Default: 20.
//   - WriteTimeout: Deadline for one outbound frame. Default: 10s.
type SocketConfig struct {
	EventsPerSecond float64
	Burst           int
	WriteTimeout    time.Duration
	Logger          *slog.Logger
	Metrics         *observability.Metrics
}

func (c SocketConfig) withDefaults() SocketConfig {
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// conn is one client socket. Writes come from the read loop and from
// background tasks through the hub, so they are serialized.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

var _ app.Sender = (*conn)(nil)

// Send writes u as one JSON text frame.
func (c *conn) Send(u event.Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(u)
}

// HandleEvents serves the event websocket.
//
// # Description
//
// Each text frame carries one event.Event. Events are processed in arrival
// order; every update they produce is written back as a JSON frame. The
// router data of every event is completed with the connection's session id,
// client address and request headers. The first token seen on a connection
// binds the connection in the app's hub so background updates reach it.
//
// Undecodable frames and events over the rate limit are answered with an
// alert and counted as rejected. The connection closes when a write fails.
func HandleEvents(a *app.App, cfg SocketConfig) gin.HandlerFunc {
	cfg = cfg.withDefaults()

	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			cfg.Logger.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		sessionID := uuid.New().String()
		logger := cfg.Logger.With("sid", sessionID)
		logger.Debug("event socket connected", "client_ip", c.ClientIP())
		cfg.Metrics.ConnectionOpened()
		defer cfg.Metrics.ConnectionClosed()

		cn := &conn{ws: ws, writeTimeout: cfg.WriteTimeout}
		headers := flattenHeaders(c.Request.Header)
		clientIP := c.ClientIP()

		var limiter *rate.Limiter
		if cfg.EventsPerSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.Burst)
		}

		token := ""
		unregister := func() {}
		defer func() { unregister() }()

		ctx := c.Request.Context()
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info("event socket closed", "error", err)
				}
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}

			var ev event.Event
			if err := json.Unmarshal(data, &ev); err != nil || ev.Token == "" || ev.Name == "" {
				logger.Warn("dropping undecodable event", "error", err)
				cfg.Metrics.RecordRejected(observability.ReasonDecode)
				if cn.Send(alertUpdate(ev)) != nil {
					return
				}
				continue
			}
			if limiter != nil && !limiter.Allow() {
				logger.Warn("event rate limit exceeded", "token", ev.Token, "event", ev.Name)
				cfg.Metrics.RecordRejected(observability.ReasonRateLimited)
				if cn.Send(alertUpdate(ev)) != nil {
					return
				}
				continue
			}

			ev.RouterData = withConnection(ev.RouterData, sessionID, clientIP, headers)
			if ev.Token != token {
				unregister()
				token = ev.Token
				unregister = a.Hub().Register(token, cn)
			}

			if err := process(ctx, a, ev, cn, logger); err != nil {
				return
			}
		}
	}
}

// process runs one event. A non-nil return closes the connection.
func process(ctx context.Context, a *app.App, ev event.Event, cn *conn, logger *slog.Logger) error {
	var writeErr error
	emit := func(u event.Update) error {
		if err := cn.Send(u); err != nil {
			writeErr = err
			return err
		}
		return nil
	}

	err := a.Process(ctx, ev, emit)
	switch {
	case err == nil:
		return nil
	case writeErr != nil:
		logger.Info("event socket write failed", "token", ev.Token, "error", writeErr)
		return writeErr
	case errors.Is(err, state.ErrInvalidPath), errors.Is(err, state.ErrUnknownHandler):
		// Already answered with a rejection update.
		return nil
	case errors.Is(err, manager.ErrLockExpired):
		logger.Warn("event outlived its session lock", "token", ev.Token, "event", ev.Name, "error", err)
		return cn.Send(alertUpdate(ev))
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		logger.Error("event failed", "token", ev.Token, "event", ev.Name, "error", err)
		return cn.Send(alertUpdate(ev))
	}
}

func alertUpdate(ev event.Event) event.Update {
	return event.Update{
		Delta:  event.Delta{},
		Events: event.Fix([]event.Spec{event.WindowAlert(event.ErrorAlertMessage)}, ev.Token, ev.RouterData),
		Final:  true,
	}
}

// withConnection adds the connection's identity to the client's router data.
func withConnection(rd map[string]any, sessionID, clientIP string, headers map[string]string) map[string]any {
	out := make(map[string]any, len(rd)+3)
	for k, v := range rd {
		out[k] = v
	}
	out[state.RouterKeySessionID] = sessionID
	out[state.RouterKeyClientIP] = clientIP
	out[state.RouterKeyHeaders] = headers
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
