package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xxxsen/docqa/internal/middleware"
	"github.com/xxxsen/docqa/internal/pkg/errcode"
	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
	"github.com/xxxsen/docqa/internal/pkg/response"
	"github.com/xxxsen/docqa/internal/service"
)

func getUserID(c *gin.Context) string {
	return middleware.UserID(c)
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	logger := middleware.RequestLogger(c).With(
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
	)
	switch {
	case errors.Is(err, appErr.ErrUnauthorized):
		response.Error(c, errcode.ErrUnauthorized, "unauthorized")
	case errors.Is(err, appErr.ErrForbidden):
		response.Error(c, errcode.ErrForbidden, "forbidden")
	case errors.Is(err, appErr.ErrNotFound):
		response.Error(c, errcode.ErrNotFound, "not found")
	case errors.Is(err, appErr.ErrConflict):
		response.Error(c, errcode.ErrConflict, err.Error())
	case errors.Is(err, appErr.ErrTooMany):
		response.Error(c, errcode.ErrTooMany, "too many requests")
	case errors.Is(err, appErr.ErrFileTooLarge):
		response.Error(c, errcode.ErrFileTooLarge, err.Error())
	case errors.Is(err, appErr.ErrUnsupportedContentType):
		response.Error(c, errcode.ErrUnsupportedType, err.Error())
	case errors.Is(err, appErr.ErrInvalid), appErr.IsInputError(err):
		response.Error(c, errcode.ErrInvalid, err.Error())
	case errors.Is(err, service.ErrAIUnavailable):
		response.Error(c, errcode.ErrAIUnavailable, "ai not configured")
	default:
		logger.Error("request failed", zap.Error(err))
		response.Error(c, errcode.ErrInternal, "internal error")
	}
}
