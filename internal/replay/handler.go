package replay

import (
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/eleven-am/voice-relay/internal/shared"
	"github.com/labstack/echo/v4"
)

const (
	formField       = "audio"
	defaultMaxBytes = 100 << 20
)

type UploadResponse struct {
	FileID string `json:"fileId"`
}

type Handler struct {
	registry *Registry
	maxBytes int64
	limiter  echo.MiddlewareFunc
	logger   *slog.Logger
}

type HandlerConfig struct {
	Registry *Registry
	MaxBytes int64
	Limiter  echo.MiddlewareFunc
	Logger   *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &Handler{
		registry: cfg.Registry,
		maxBytes: cfg.MaxBytes,
		limiter:  cfg.Limiter,
		logger:   cfg.Logger,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	var mw []echo.MiddlewareFunc
	if h.limiter != nil {
		mw = append(mw, h.limiter)
	}
	e.POST("/upload", h.Upload, mw...)
}

func (h *Handler) Upload(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, h.maxBytes)

	header, err := c.FormFile(formField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return shared.PayloadTooLarge("file_too_large", "audio file exceeds upload limit")
		}
		return shared.BadRequest("missing_file", "No audio file uploaded.")
	}

	fs := h.registry.Create(header.Filename)
	if err := h.save(header, fs.Path); err != nil {
		h.logger.Error("failed to save upload", "file_id", fs.Token, "error", err)
		if rmErr := h.registry.Remove(fs.Token); rmErr != nil {
			h.logger.Error("failed to clean up upload", "file_id", fs.Token, "error", rmErr)
		}
		return shared.InternalError("save_failed", "failed to store audio file")
	}

	h.logger.Info("upload stored", "file_id", fs.Token, "name", header.Filename, "size", header.Size)
	return c.JSON(http.StatusOK, UploadResponse{FileID: fs.Token})
}

func (h *Handler) save(header *multipart.FileHeader, path string) error {
	src, err := header.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
