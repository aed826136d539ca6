package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/docqa/internal/access"
	"github.com/xxxsen/docqa/internal/middleware"
)

type RouterDeps struct {
	Files     *FileHandler
	Batches   *BatchHandler
	Query     *QueryHandler
	Gate      access.Gate
	JWTSecret []byte
	// AskRateLimit is the minimum interval between ask calls of one user.
	AskRateLimit time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	authGroup := api.Group("")
	authGroup.Use(middleware.JWTAuth(deps.JWTSecret))

	project := authGroup.Group("/projects/:project_id")
	read := project.Group("", middleware.ProjectAccess(deps.Gate, access.ActionRead))
	write := project.Group("", middleware.ProjectAccess(deps.Gate, access.ActionUpload))

	write.POST("/files", deps.Files.Upload)
	read.GET("/files", deps.Files.List)
	read.GET("/files/:file_id", deps.Files.Get)
	read.GET("/files/:file_id/fragments", deps.Files.Fragments)
	read.GET("/files/:file_id/content", deps.Files.Content)
	write.DELETE("/files/:file_id", deps.Files.Delete)
	write.POST("/files/:file_id/reingest", deps.Files.Reingest)

	read.POST("/retrieve", deps.Query.Retrieve)
	read.POST("/ask", middleware.RateLimit(deps.AskRateLimit), deps.Query.Ask)

	authGroup.GET("/batches/:batch_id", deps.Batches.Get)
	authGroup.DELETE("/batches/:batch_id", deps.Batches.Cancel)
	authGroup.POST("/batches/:batch_id/files/:file_id/retry", deps.Batches.RetryFile)
}
