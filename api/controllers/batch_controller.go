package controllers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/moyoez/batchsend/api/models"
	"github.com/moyoez/batchsend/orchestrator"
	"github.com/moyoez/batchsend/registry"
	"github.com/moyoez/batchsend/tool"
	"github.com/moyoez/batchsend/types"
)

// requireEngine writes 503 and returns nil when no orchestrator is set.
func requireEngine(c *gin.Context) *orchestrator.Orchestrator {
	o := models.GetOrchestrator()
	if o == nil {
		c.JSON(http.StatusServiceUnavailable, tool.FastReturnError("Upload engine is not running"))
		return nil
	}
	return o
}

// writeUnitError maps registry errors to status codes.
func writeUnitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, tool.FastReturnError(err.Error()))
	case errors.Is(err, registry.ErrInvalidTransition):
		c.JSON(http.StatusConflict, tool.FastReturnError(err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, tool.FastReturnError(err.Error()))
	}
}

// UserSubmit validates and enqueues a file selection.
// POST /api/self/v1/submit
// Request body: {"files":[{"fileUrl":"file:///path/to/plan.dxf"}, ...]}
// Every file gets an outcome; rejected files never enter the batch.
func UserSubmit(c *gin.Context) {
	o := requireEngine(c)
	if o == nil {
		return
	}
	var request types.SubmitRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Invalid request body: "+err.Error()))
		return
	}
	if len(request.Files) == 0 {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("No files provided"))
		return
	}

	files := make([]types.FileDescriptor, 0, len(request.Files))
	for i, in := range request.Files {
		fd, err := tool.FileFromInput(in)
		if err != nil {
			tool.DefaultLogger.Warnf("[Submit] files[%d]: %v", i, err)
			c.JSON(http.StatusBadRequest, tool.FastReturnErrorWithData(fmt.Sprintf("files[%d]: %v", i, err), map[string]any{"index": i}))
			return
		}
		files = append(files, fd)
	}

	receipt := models.NewReceipt(o.Submit(files))
	tool.DefaultLogger.Infof("[Submit] %s: %d accepted, %d rejected", receipt.SubmissionId, receipt.Accepted, receipt.Rejected)
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(receipt))
}

// UserSubmissionGet returns the receipt of an earlier submission.
// GET /api/self/v1/submissions/:id
func UserSubmissionGet(c *gin.Context) {
	receipt, ok := models.LookupReceipt(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, tool.FastReturnErrorf("Submission %s not found or expired", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(receipt))
}

// UserBatchGet returns the whole batch in registration order.
// GET /api/self/v1/batch
func UserBatchGet(c *gin.Context) {
	o := requireEngine(c)
	if o == nil {
		return
	}
	snap := o.Snapshot()
	c.JSON(http.StatusOK, types.BatchResponse{
		Version: snap.Version,
		Counts:  snap.Counts(),
		Units:   snap.Units,
	})
}

// UserUnitDelete removes a unit in any status.
// DELETE /api/self/v1/units/:id
func UserUnitDelete(c *gin.Context) {
	o := requireEngine(c)
	if o == nil {
		return
	}
	if !o.Remove(c.Param("id")) {
		c.JSON(http.StatusNotFound, tool.FastReturnError("Unit not found"))
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccess())
}

// UserUnitCancel stops an uploading unit.
// POST /api/self/v1/units/:id/cancel
func UserUnitCancel(c *gin.Context) {
	o := requireEngine(c)
	if o == nil {
		return
	}
	if err := o.Cancel(c.Param("id")); err != nil {
		writeUnitError(c, err)
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccess())
}

// UserUnitRetry re-queues a failed unit.
// POST /api/self/v1/units/:id/retry
func UserUnitRetry(c *gin.Context) {
	o := requireEngine(c)
	if o == nil {
		return
	}
	unit, err := o.Retry(c.Param("id"))
	if err != nil {
		writeUnitError(c, err)
		return
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(unit))
}

// UserRetryFailed re-queues every failed unit.
// POST /api/self/v1/retry-failed
func UserRetryFailed(c *gin.Context) {
	o := requireEngine(c)
	if o == nil {
		return
	}
	retried := o.RetryFailed()
	if retried == nil {
		retried = []types.UploadUnit{}
	}
	c.JSON(http.StatusOK, tool.FastReturnSuccessWithData(retried))
}
