package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/docqa/internal/access"
	"github.com/xxxsen/docqa/internal/batch"
	"github.com/xxxsen/docqa/internal/pkg/errcode"
	"github.com/xxxsen/docqa/internal/pkg/response"
	"github.com/xxxsen/docqa/internal/service"
)

// BatchHandler exposes upload progress. Batches are not scoped by a route
// project, so access is checked against the project the batch belongs to.
type BatchHandler struct {
	files *service.FileService
	gate  access.Gate
}

func NewBatchHandler(files *service.FileService, gate access.Gate) *BatchHandler {
	return &BatchHandler{files: files, gate: gate}
}

func (h *BatchHandler) Get(c *gin.Context) {
	b, ok := h.load(c, access.ActionRead)
	if !ok {
		return
	}
	response.Success(c, b.Status())
}

func (h *BatchHandler) Cancel(c *gin.Context) {
	b, ok := h.load(c, access.ActionUpload)
	if !ok {
		return
	}
	if err := h.files.CancelBatch(c.Request.Context(), b.ID()); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, b.Status())
}

func (h *BatchHandler) RetryFile(c *gin.Context) {
	b, ok := h.load(c, access.ActionUpload)
	if !ok {
		return
	}
	st, err := h.files.RetryBatchFile(c.Request.Context(), b.ID(), c.Param("file_id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, st)
}

func (h *BatchHandler) load(c *gin.Context, action access.Action) (*batch.Batch, bool) {
	b, err := h.files.Batch(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		handleError(c, err)
		return nil, false
	}
	allowed, err := access.Check(c.Request.Context(), h.gate, action, getUserID(c), b.ProjectID())
	if err != nil {
		handleError(c, err)
		return nil, false
	}
	if !allowed {
		// Hide batches of other projects.
		response.Error(c, errcode.ErrNotFound, "not found")
		return nil, false
	}
	return b, true
}
