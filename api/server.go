package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/moyoez/batchsend/api/controllers"
	"github.com/moyoez/batchsend/api/middlewares"
	"github.com/moyoez/batchsend/api/models"
	"github.com/moyoez/batchsend/api/notifyhub"
	"github.com/moyoez/batchsend/notify"
	"github.com/moyoez/batchsend/orchestrator"
	"github.com/moyoez/batchsend/tool"
)

// Server represents the local control API of the upload engine
type Server struct {
	port   int
	engine *gin.Engine
	server *http.Server
	mu     sync.RWMutex
}

// SetOrchestrator sets the engine the control API drives.
func SetOrchestrator(o *orchestrator.Orchestrator) {
	models.SetOrchestrator(o)
}

// SetNotifyHub sets the hub served at /notify-ws.
func SetNotifyHub(h *notifyhub.Hub) {
	models.SetNotifyHub(h)
}

// NewServer creates a new API server instance
func NewServer(port int) *Server {
	return &Server{port: port}
}

// Routes builds the gin engine with every control endpoint registered.
func Routes() *gin.Engine {
	if tool.DefaultLogger.GetLevel() == log.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(middlewares.AllowAllCORS())
	engine.Use(gin.Recovery())

	self := engine.Group("/api/self/v1", middlewares.OnlyAllowLocal)
	{
		self.POST("/submit", controllers.UserSubmit)                // Validate and enqueue files (file:// urls)
		self.GET("/submissions/:id", controllers.UserSubmissionGet) // Receipt of an earlier submit
		self.GET("/batch", controllers.UserBatchGet)                // Ordered batch snapshot with counts
		self.DELETE("/units/:id", controllers.UserUnitDelete)       // Remove a unit, cancelling its transfer
		self.POST("/units/:id/cancel", controllers.UserUnitCancel)  // Cancel an uploading unit
		self.POST("/units/:id/retry", controllers.UserUnitRetry)    // Retry a failed unit
		self.POST("/retry-failed", controllers.UserRetryFailed)     // Retry every failed unit
		self.GET("/policy", controllers.UserPolicyGet)              // Allowed types and size limit
		self.GET("/reachability", controllers.UserReachability)     // Probe ingestion endpoint / auth URL
		self.GET("/create-qr-code", controllers.GenerateQRCode)     // QR code PNG (same params as api.qrserver.com)
		self.GET("/status", controllers.UserStatus)                 // Running, queue and notify_ws_enabled for web UI
		if hub := models.GetNotifyHub(); notify.NotifyWSEnabled() && hub != nil {
			self.GET("/notify-ws", notifyhub.HandleNotifyWS(hub))
		}
	}
	return engine
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	engine := Routes()

	s.mu.Lock()
	s.engine = engine
	s.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler: engine,
	}
	srv := s.server
	s.mu.Unlock()

	tool.DefaultLogger.Infof("Starting control API on http://127.0.0.1:%d", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// SetReceiptTTL sets how long submit receipts can be looked up.
func SetReceiptTTL(ttl time.Duration) {
	models.SetReceiptTTL(ttl)
}
