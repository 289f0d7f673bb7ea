package main

import (
	"net/http"
	"time"

	"telephony-bridge/internal/auth"
	"telephony-bridge/internal/rbac"
	"telephony-bridge/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app) {
	h := a.handlers

	// public
	r.GET("/healthz", h.Health)
	r.GET("/readyz", h.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider callbacks. Authenticated by provider signature, not by JWT.
	webhooks := telephony.WebhookHandler{
		Adapters:      a.adapters,
		Dispatcher:    a.bridge,
		PublicBaseURL: a.cfg.Bridge.PublicBaseURL,
		StreamURL:     a.streamURL,
	}
	r.POST("/webhooks/:provider", webhooks.Handle)

	media := telephony.MediaHandler{
		Attacher: a.bridge,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// providers connect server-to-server; there is no browser origin to check
			CheckOrigin: func(*http.Request) bool { return true },
		},
		StartTimeout: 10 * time.Second,
	}
	r.GET("/media/:provider", media.Handle)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(a.auth), rbac.RequireOrganization())
	{
		callsGroup := v1.Group("/calls")
		callsGroup.POST("", rbac.RequireAnyRole(rbac.CallOperators...), h.PlaceCall)
		callsGroup.GET("/:provider/:call_id", h.GetCall)

		v1.GET("/telephony/status", h.TelephonyStatus)
		v1.GET("/usage/summary", rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleViewer), h.UsageSummary)
	}
}
