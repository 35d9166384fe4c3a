package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"fleet-patch-backend/config"
	"fleet-patch-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, srv config.ServerConfig, tokens []config.APIToken) *gin.Engine {
	r := gin.Default()

	rateLimiter := mw.RateLimiter(rate.Limit(srv.RateLimitPerSec), 5)

	// Listing endpoints are polled by dashboards; a short cache keeps
	// that off the database without showing stale job states for long.
	ttl := time.Duration(srv.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 10*ttl)
	caching := mw.Cache(cacheStore, ttl)

	api := r.Group("/api")
	api.Use(rateLimiter, mw.TokenAuth(tokens))
	{
		// Inventory
		api.PUT("/servers", h.ImportServers)
		api.GET("/servers", caching, h.ListServers)
		api.GET("/servers/:name", h.GetServer)
		api.DELETE("/servers/:name", h.DeactivateServer)

		// Approval lifecycle
		api.GET("/servers/:name/quarters/:quarter/approval", h.GetApproval)
		api.POST("/servers/:name/quarters/:quarter/approve", h.Approve)
		api.POST("/servers/:name/quarters/:quarter/reject", h.Reject)
		api.POST("/servers/:name/quarters/:quarter/force-approve", h.ForceApprove)
		api.POST("/servers/:name/quarters/:quarter/force-reject", h.ForceReject)
		api.PUT("/servers/:name/quarters/:quarter/schedule", h.PutSchedule)

		// Patch jobs
		api.POST("/servers/:name/trigger-patch", h.TriggerPatch)
		api.GET("/servers/:name/jobs", h.ListServerJobs)
		api.GET("/jobs", caching, h.ListJobs)
		api.GET("/jobs/:id", h.GetJob)
		api.POST("/jobs/:id/rollback", h.TriggerRollback)
		api.POST("/jobs/:id/abort", h.AbortJob)

		// Orchestrator control
		api.GET("/control", h.GetControlState)
		api.POST("/control/pause", h.Pause)
		api.POST("/control/resume", h.Resume)
		api.POST("/control/freeze", h.FreezeSchedules)
		api.POST("/control/unfreeze", h.UnfreezeSchedules)

		// Push notifications
		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
