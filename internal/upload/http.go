package upload

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abduss/meshdrop/internal/logger"
)

// bodySlack covers the JSON envelope around a base64 chunk.
const bodySlack = 64 * 1024

// RegisterRoutes mounts the upload lifecycle endpoints on the router.
func RegisterRoutes(router gin.IRoutes, service *Service) {
	handler := &httpHandler{
		service:      service,
		maxChunkBody: base64Len(service.opts.MaxChunkSize) + bodySlack,
	}

	router.POST("/upload-init", handler.initiate)
	router.POST("/upload-chunk", handler.receiveChunk)
	router.POST("/upload-complete", handler.complete)
	router.GET("/upload-status/:uploadID", handler.status)

	for _, path := range []string{"/upload-init", "/upload-chunk", "/upload-complete"} {
		router.OPTIONS(path, preflight)
	}
}

type httpHandler struct {
	service      *Service
	maxChunkBody int64
}

type initRequest struct {
	FileName    string `json:"fileName"`
	TotalChunks int    `json:"totalChunks"`
	FileSize    *int64 `json:"fileSize"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"contentType"`
	UploadID    string `json:"uploadId"`
}

type initResponse struct {
	Success   bool      `json:"success"`
	UploadID  string    `json:"uploadId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Message   string    `json:"message"`
}

type chunkRequest struct {
	UploadID    string `json:"uploadId"`
	ChunkIndex  *int   `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	ChunkData   string `json:"chunkData"`
	FileName    string `json:"fileName"`
}

type chunkResponse struct {
	Success    bool   `json:"success"`
	ChunkIndex int    `json:"chunkIndex"`
	UploadID   string `json:"uploadId"`
	Message    string `json:"message"`
}

type completeRequest struct {
	UploadID    string `json:"uploadId"`
	FileName    string `json:"fileName"`
	TotalChunks int    `json:"totalChunks"`
	Checksum    string `json:"checksum"`
}

type completeResponse struct {
	Success   bool   `json:"success"`
	URL       string `json:"url"`
	PublicURL string `json:"publicUrl"`
	Path      string `json:"path"`
	FileName  string `json:"fileName"`
	FileSize  int64  `json:"fileSize"`
	Checksum  string `json:"checksum,omitempty"`
	Message   string `json:"message"`
}

type statusResponse struct {
	Success        bool      `json:"success"`
	UploadID       string    `json:"uploadId"`
	Status         Status    `json:"status"`
	FileName       string    `json:"fileName"`
	TotalChunks    int       `json:"totalChunks"`
	UploadedChunks int       `json:"uploadedChunks"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Error          string    `json:"error,omitempty"`
	Path           string    `json:"path,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (h *httpHandler) initiate(c *gin.Context) {
	var req initRequest
	if !h.bind(c, &req) {
		return
	}

	res, err := h.service.Initiate(c.Request.Context(), InitiateInput{
		FileName:    req.FileName,
		TotalChunks: req.TotalChunks,
		FileSize:    req.FileSize,
		Checksum:    req.Checksum,
		ContentType: req.ContentType,
		UploadID:    req.UploadID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, initResponse{
		Success:   true,
		UploadID:  res.UploadID,
		ExpiresAt: res.ExpiresAt,
		Message:   "Upload initiated",
	})
}

func (h *httpHandler) receiveChunk(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxChunkBody)

	var req chunkRequest
	if !h.bind(c, &req) {
		return
	}

	record, err := h.service.ReceiveChunk(c.Request.Context(), ChunkInput{
		UploadID:    req.UploadID,
		ChunkIndex:  req.ChunkIndex,
		TotalChunks: req.TotalChunks,
		ChunkData:   req.ChunkData,
		FileName:    req.FileName,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, chunkResponse{
		Success:    true,
		ChunkIndex: record.Index,
		UploadID:   record.UploadID,
		Message:    "Chunk uploaded",
	})
}

func (h *httpHandler) complete(c *gin.Context) {
	var req completeRequest
	if !h.bind(c, &req) {
		return
	}

	obj, err := h.service.Complete(c.Request.Context(), CompleteInput{
		UploadID:    req.UploadID,
		FileName:    req.FileName,
		TotalChunks: req.TotalChunks,
		Checksum:    req.Checksum,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, completeResponse{
		Success:   true,
		URL:       obj.SignedURL,
		PublicURL: obj.PublicURL,
		Path:      obj.StoragePath,
		FileName:  obj.FileName,
		FileSize:  obj.FileSize,
		Checksum:  obj.Checksum,
		Message:   "Upload completed",
	})
}

func (h *httpHandler) status(c *gin.Context) {
	progress, err := h.service.Status(c.Request.Context(), c.Param("uploadID"))
	if err != nil {
		h.fail(c, err)
		return
	}

	session := progress.Session
	res := statusResponse{
		Success:        true,
		UploadID:       session.UploadID,
		Status:         session.Status,
		FileName:       session.FileName,
		TotalChunks:    session.TotalChunks,
		UploadedChunks: progress.UploadedChunks,
		ExpiresAt:      session.ExpiresAt,
		Error:          session.FailureReason,
	}
	if session.Result != nil {
		res.Path = session.Result.StoragePath
	}
	c.JSON(http.StatusOK, res)
}

func preflight(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (h *httpHandler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return false
		}
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (h *httpHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ForRequest(h.service.log, c).Error("upload request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var (
		validation *ValidationError
		mismatch   *ChunkMismatchError
		checksum   *ChecksumMismatchError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &mismatch), errors.As(err, &checksum):
		return http.StatusBadRequest
	case errors.Is(err, ErrChunkTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAssemblyInProgress), errors.Is(err, ErrSessionCompleted):
		return http.StatusConflict
	case errors.Is(err, ErrSessionExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func base64Len(n int64) int64 {
	return (n + 2) / 3 * 4
}
