package main

import (
	"net/http"

	"callsignal/internal/auth"
	"callsignal/internal/httpapi"
	"callsignal/internal/ingest"
	"callsignal/internal/rbac"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	UserID  string
	Auth    *auth.Manager
	API     httpapi.Handlers
	Push    ingest.PushWebhookHandler
	Metrics http.Handler
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.Auth))

	// Push delivery service only.
	push := v1.Group("/push")
	push.Use(rbac.RequireAnyRole(rbac.RoleService))
	{
		push.POST("/incoming", d.Push.HandleIncoming)
	}

	// Everything below acts for the single user this agent serves.
	user := v1.Group("")
	user.Use(rbac.RequireUser(d.UserID))
	user.Use(rbac.RequireAnyRole(rbac.RoleCaller, rbac.RoleReceiver))
	{
		user.GET("/events", d.API.Events)

		calls := user.Group("/calls")
		calls.GET("/current", d.API.CurrentCall)
		calls.GET("/:id/history", d.API.CallHistory)
		calls.POST("/:id/end", d.API.EndCall)
		calls.POST("/:id/joined", d.API.JoinConfirmed)
		calls.POST("/:id/join-failed", d.API.JoinFailed)

		caller := calls.Group("")
		caller.Use(rbac.RequireAnyRole(rbac.RoleCaller))
		caller.POST("", d.API.InitiateCall)
		caller.POST("/:id/cancel", d.API.CancelCall)

		receiver := calls.Group("")
		receiver.Use(rbac.RequireAnyRole(rbac.RoleReceiver))
		receiver.POST("/:id/accept", d.API.AcceptCall)
		receiver.POST("/:id/reject", d.API.RejectCall)

		avail := user.Group("/availability")
		avail.Use(rbac.RequireAnyRole(rbac.RoleReceiver))
		avail.GET("", d.API.GetAvailability)
		avail.PUT("", d.API.PutAvailability)
	}
}
