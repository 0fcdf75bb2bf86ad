package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/moyoez/batchsend/tool"
)

// OnlyAllowLocal rejects requests that do not come from the loopback
// interface. The control API can read local files, so it must not be
// reachable from the network.
func OnlyAllowLocal(c *gin.Context) {
	if ip := c.ClientIP(); ip == "127.0.0.1" || ip == "::1" {
		c.Next()
		return
	}
	tool.DefaultLogger.Warnf("[Server] rejected control request from %s", c.ClientIP())
	c.AbortWithStatusJSON(http.StatusForbidden, tool.FastReturnError("Forbidden"))
}
