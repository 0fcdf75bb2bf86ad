package controllers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/moyoez/batchsend/api/models"
	"github.com/moyoez/batchsend/notify"
	"github.com/moyoez/batchsend/tool"
	"github.com/moyoez/batchsend/types"
)

// ReachabilityTimeout bounds one /reachability request.
var ReachabilityTimeout = 10 * time.Second

// UserStatus returns server status for the web UI.
// GET /api/self/v1/status
func UserStatus(c *gin.Context) {
	resp := gin.H{
		"running":           true,
		"notify_ws_enabled": notify.NotifyWSEnabled(),
	}
	if o := models.GetOrchestrator(); o != nil {
		queued, inflight := o.Stats()
		resp["queued"] = queued
		resp["inflight"] = inflight
		resp["maxConcurrent"] = o.MaxConcurrent()
		resp["counts"] = o.Snapshot().Counts()
	}
	c.JSON(http.StatusOK, resp)
}

// UserPolicyGet returns the validation policy in use.
// GET /api/self/v1/policy
func UserPolicyGet(c *gin.Context) {
	o := requireEngine(c)
	if o == nil {
		return
	}
	p := o.Policy()
	c.JSON(http.StatusOK, types.PolicyResponse{
		AllowedTypes: p.AllowedTypes(),
		MaxBytes:     p.MaxBytes(),
	})
}

// UserReachability probes the configured boundaries.
// GET /api/self/v1/reachability?target=endpoint|auth
// Without target both the ingestion endpoint and the auth URL are probed.
func UserReachability(c *gin.Context) {
	cfg := tool.GetCurrentConfig()
	var targets []string
	switch c.Query("target") {
	case "endpoint":
		targets = []string{cfg.Endpoint}
	case "auth":
		targets = []string{cfg.AuthURL}
	case "":
		targets = []string{cfg.Endpoint, cfg.AuthURL}
	default:
		c.JSON(http.StatusBadRequest, tool.FastReturnError("target must be endpoint or auth"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), ReachabilityTimeout)
	defer cancel()

	results := make([]types.ReachabilityResult, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		if target == "" {
			results[i] = types.ReachabilityResult{Error: "not configured"}
			continue
		}
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			results[i] = tool.ProbeReachable(ctx, target)
		}(i, target)
	}
	wg.Wait()
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(results))
}
