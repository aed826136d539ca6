package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/docqa/internal/pkg/errcode"
	"github.com/xxxsen/docqa/internal/pkg/response"
	"github.com/xxxsen/docqa/internal/retrieve"
	"github.com/xxxsen/docqa/internal/service"
)

const maxChunksLimit = 50

type QueryHandler struct {
	ask *service.AskService
}

func NewQueryHandler(ask *service.AskService) *QueryHandler {
	return &QueryHandler{ask: ask}
}

type retrieveRequest struct {
	Query     string   `json:"query"`
	MaxChunks int      `json:"max_chunks"`
	Threshold *float64 `json:"threshold"`
}

type askRequest struct {
	Question  string `json:"question"`
	MaxChunks int    `json:"max_chunks"`
}

func (h *QueryHandler) Retrieve(c *gin.Context) {
	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	if req.MaxChunks < 0 || req.MaxChunks > maxChunksLimit {
		response.Error(c, errcode.ErrInvalid, "max_chunks out of range")
		return
	}
	var opts []retrieve.Option
	if req.MaxChunks > 0 {
		opts = append(opts, retrieve.WithMaxChunks(req.MaxChunks))
	}
	if req.Threshold != nil {
		if *req.Threshold < -1 || *req.Threshold > 1 {
			response.Error(c, errcode.ErrInvalid, "threshold must be in [-1, 1]")
			return
		}
		opts = append(opts, retrieve.WithThreshold(*req.Threshold))
	}
	res, err := h.ask.Retrieve(c.Request.Context(), c.Param("project_id"), req.Query, opts...)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *QueryHandler) Ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	if req.MaxChunks < 0 || req.MaxChunks > maxChunksLimit {
		response.Error(c, errcode.ErrInvalid, "max_chunks out of range")
		return
	}
	ans, err := h.ask.Ask(c.Request.Context(), c.Param("project_id"), req.Question, req.MaxChunks)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, ans)
}
