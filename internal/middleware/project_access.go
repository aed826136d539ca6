package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xxxsen/docqa/internal/access"
	"github.com/xxxsen/docqa/internal/pkg/errcode"
	"github.com/xxxsen/docqa/internal/pkg/response"
)

const ContextProjectIDKey = "project_id"

// ProjectAccess asks gate whether the caller may perform action on the
// project named by the :project_id route parameter.
func ProjectAccess(gate access.Gate, action access.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := strings.TrimSpace(c.Param("project_id"))
		if projectID == "" {
			response.Error(c, errcode.ErrInvalid, "project id required")
			c.Abort()
			return
		}
		ok, err := access.Check(c.Request.Context(), gate, action, UserID(c), projectID)
		if err != nil {
			RequestLogger(c).Error("access check failed",
				zap.String("project_id", projectID), zap.Stringer("action", action), zap.Error(err))
			response.Error(c, errcode.ErrInternal, "access check failed")
			c.Abort()
			return
		}
		if !ok {
			response.Error(c, errcode.ErrForbidden, "forbidden")
			c.Abort()
			return
		}
		c.Set(ContextProjectIDKey, projectID)
		c.Next()
	}
}
