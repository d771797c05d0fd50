package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"atlasux/pkg/events"
	"atlasux/pkg/httpx"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamBuffer = 64

// streamEvents pushes lifecycle events for one tenant over a websocket. A principal
// scoped to every tenant may omit the tenant and receive all events.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenant != "" || principal(r).Tenant != "*" {
		var ok bool
		if tenant, ok = resolveTenant(w, r, tenant); !ok {
			return
		}
	}
	opts := &websocket.AcceptOptions{}
	if origins := originPatterns(s.Config.HTTP.CORSAllowedOrigins); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Hub.Subscribe(tenant, streamBuffer)
	defer s.Hub.Unsubscribe(sub)

	ready := events.NewEvent("ready", nil)
	ready.TenantID = tenant
	_ = wsjson.Write(ctx, conn, ready)
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// originPatterns turns CORS origins into websocket host patterns.
func originPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" || p == "*" {
			continue
		}
		if i := strings.Index(p, "://"); i >= 0 {
			p = p[i+3:]
		}
		out = append(out, p)
	}
	return out
}
