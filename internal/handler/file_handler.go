package handler

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xxxsen/docqa/internal/middleware"
	"github.com/xxxsen/docqa/internal/pkg/errcode"
	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
	"github.com/xxxsen/docqa/internal/pkg/response"
	"github.com/xxxsen/docqa/internal/service"
)

type FileHandler struct {
	files         *service.FileService
	maxUploadSize int64
}

func NewFileHandler(files *service.FileService, maxUploadSize int64) *FileHandler {
	return &FileHandler{files: files, maxUploadSize: maxUploadSize}
}

// Upload accepts one or more files in the multipart field "files" and
// returns the queued batch.
func (h *FileHandler) Upload(c *gin.Context) {
	if h.maxUploadSize > 0 {
		limit := h.maxUploadSize*maxFilesPerUpload + multipartOverhead(maxFilesPerUpload)
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, errcode.ErrFileTooLarge, "upload too large")
			return
		}
		response.Error(c, errcode.ErrInvalidFile, "multipart form required")
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		headers = form.File["file"]
	}
	if len(headers) == 0 {
		response.Error(c, errcode.ErrInvalidFile, "files are required")
		return
	}
	if len(headers) > maxFilesPerUpload {
		response.Error(c, errcode.ErrInvalid, fmt.Sprintf("at most %d files per upload", maxFilesPerUpload))
		return
	}
	uploads := make([]service.UploadFile, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, fh := range headers {
		if h.maxUploadSize > 0 && fh.Size > h.maxUploadSize {
			response.Error(c, errcode.ErrFileTooLarge, fh.Filename+" exceeds "+formatUploadLimit(h.maxUploadSize))
			return
		}
		f, err := fh.Open()
		if err != nil {
			response.Error(c, errcode.ErrInvalidFile, "failed to open "+fh.Filename)
			return
		}
		opened = append(opened, f)
		uploads = append(uploads, service.UploadFile{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Reader:      f,
		})
	}
	res, err := h.files.Upload(c.Request.Context(), c.Param("project_id"), getUserID(c), uploads)
	if err != nil {
		if errors.Is(err, appErr.ErrInvalid) || errors.Is(err, appErr.ErrConflict) {
			handleError(c, err)
			return
		}
		middleware.RequestLogger(c).Error("upload failed", zap.Int("files", len(uploads)), zap.Error(err))
		response.Error(c, errcode.ErrUploadFailed, "failed to upload files")
		return
	}
	response.Success(c, res)
}

func (h *FileHandler) List(c *gin.Context) {
	items, err := h.files.List(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"items": items})
}

func (h *FileHandler) Get(c *gin.Context) {
	file, err := h.files.Get(c.Request.Context(), c.Param("project_id"), c.Param("file_id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, file)
}

func (h *FileHandler) Fragments(c *gin.Context) {
	items, err := h.files.Fragments(c.Request.Context(), c.Param("project_id"), c.Param("file_id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"items": items})
}

// Content streams the stored original of a file.
func (h *FileHandler) Content(c *gin.Context) {
	file, rc, err := h.files.Open(c.Request.Context(), c.Param("project_id"), c.Param("file_id"))
	if err != nil {
		handleError(c, err)
		return
	}
	defer rc.Close()
	c.Header("Content-Type", file.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		middleware.RequestLogger(c).Warn("stream file content failed", zap.String("file_id", file.ID), zap.Error(err))
	}
}

func (h *FileHandler) Delete(c *gin.Context) {
	if err := h.files.Delete(c.Request.Context(), c.Param("project_id"), c.Param("file_id")); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"ok": true})
}

func (h *FileHandler) Reingest(c *gin.Context) {
	st, err := h.files.Reingest(c.Request.Context(), c.Param("project_id"), getUserID(c), c.Param("file_id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"batch": st})
}
