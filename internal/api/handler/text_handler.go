package handler

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tvanhle/medproc-be/internal/annotation"
	"github.com/tvanhle/medproc-be/internal/processor"
)

// TextHandler handles tabular-data HTTP requests
type TextHandler struct {
	logger    *slog.Logger
	upload    UploadLimits
	workDir   string
	processor *processor.Text
}

// NewTextHandler creates a new TextHandler instance
func NewTextHandler(deps *Dependencies) *TextHandler {
	return &TextHandler{
		logger:    deps.Logger,
		upload:    deps.Upload,
		workDir:   deps.WorkDir,
		processor: processor.NewText(deps.Logger),
	}
}

// AnnotateTables handles POST /api/v1/text/annotate
// Runs the text pipeline directly over uploaded files, without a batch
// archive: tables come back annotated and split, other documents verbatim.
func (h *TextHandler) AnnotateTables(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		detail(c, http.StatusBadRequest, "multipart form data is required")
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		detail(c, http.StatusBadRequest, "at least one file upload named 'files' is required")
		return
	}
	if h.upload.MaxFiles > 0 && len(files) > h.upload.MaxFiles {
		detail(c, http.StatusBadRequest, fmt.Sprintf("at most %d files per request", h.upload.MaxFiles))
		return
	}

	tempDir, err := os.MkdirTemp(h.workDir, "annotate-*")
	if err != nil {
		internalError(c, h.logger, err)
		return
	}
	defer os.RemoveAll(tempDir)

	inputDir := filepath.Join(tempDir, "in")
	if err := os.Mkdir(inputDir, 0o755); err != nil {
		internalError(c, h.logger, err)
		return
	}

	paths := make([]string, 0, len(files))
	for _, fh := range files {
		if h.upload.MaxFileSize > 0 && fh.Size > h.upload.MaxFileSize {
			detail(c, http.StatusBadRequest, fmt.Sprintf("file %q exceeds the %d byte limit", fh.Filename, h.upload.MaxFileSize))
			return
		}
		dst := filepath.Join(inputDir, filepath.Base(fh.Filename))
		if err := c.SaveUploadedFile(fh, dst); err != nil {
			internalError(c, h.logger, err)
			return
		}
		paths = append(paths, dst)
	}

	artifact, err := h.processor.Process(c.Request.Context(), paths, processor.Options{WorkDir: tempDir})
	if err != nil {
		var perr *processor.Error
		if errors.As(err, &perr) && perr.Kind == "no_processable_files" {
			detail(c, http.StatusBadRequest, perr.Message)
			return
		}
		internalError(c, h.logger, err)
		return
	}

	c.FileAttachment(artifact.Path, "annotated_files.zip")
}

// DropColumns handles POST /api/v1/text/drop_columns
// Removes the requested columns from each uploaded table and returns the
// modified files as a zip. Naming the annotation identity column rejects
// the whole request.
func (h *TextHandler) DropColumns(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		detail(c, http.StatusBadRequest, "multipart form data is required")
		return
	}

	columns := form.Value["columns"]
	if len(columns) == 0 {
		detail(c, http.StatusBadRequest, "at least one 'columns' value is required")
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		detail(c, http.StatusBadRequest, "at least one file upload named 'files' is required")
		return
	}
	if h.upload.MaxFiles > 0 && len(files) > h.upload.MaxFiles {
		detail(c, http.StatusBadRequest, fmt.Sprintf("at most %d files per request", h.upload.MaxFiles))
		return
	}

	for _, name := range columns {
		if strings.EqualFold(strings.TrimSpace(name), annotation.IdentityColumn) {
			detail(c, http.StatusBadRequest, annotation.ErrProtectedColumn.Error())
			return
		}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	modified := 0

	for _, fh := range files {
		if h.upload.MaxFileSize > 0 && fh.Size > h.upload.MaxFileSize {
			detail(c, http.StatusBadRequest, fmt.Sprintf("file %q exceeds the %d byte limit", fh.Filename, h.upload.MaxFileSize))
			return
		}

		ok, err := h.dropIntoZip(zw, fh, columns)
		if err != nil {
			if errors.Is(err, annotation.ErrProtectedColumn) {
				detail(c, http.StatusBadRequest, err.Error())
				return
			}
			h.logger.Warn("Skipping unreadable table",
				slog.String("filename", fh.Filename),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			modified++
		}
	}

	if err := zw.Close(); err != nil {
		internalError(c, h.logger, err)
		return
	}

	if modified == 0 {
		detail(c, http.StatusBadRequest, "no processable table files in upload")
		return
	}

	c.Header("Content-Disposition", "attachment; filename=modified_files.zip")
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

// dropIntoZip rewrites one uploaded table without the dropped columns and
// stores it in the output archive. Unsupported formats report false.
func (h *TextHandler) dropIntoZip(zw *zip.Writer, fh *multipart.FileHeader, columns []string) (bool, error) {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if ext != ".csv" && ext != ".xlsx" {
		return false, nil
	}

	src, err := fh.Open()
	if err != nil {
		return false, err
	}
	defer src.Close()

	var table *annotation.Table
	switch ext {
	case ".csv":
		table, err = annotation.ReadCSV(src)
	case ".xlsx":
		table, err = annotation.ReadXLSX(src)
	}
	if err != nil {
		return false, err
	}

	if err := table.DropColumns(columns); err != nil {
		return false, err
	}

	stem := strings.TrimSuffix(filepath.Base(fh.Filename), filepath.Ext(fh.Filename))
	w, err := zw.Create(stem + "_modified" + ext)
	if err != nil {
		return false, err
	}
	return true, writeTable(w, table, ext)
}

func writeTable(w io.Writer, table *annotation.Table, ext string) error {
	if ext == ".xlsx" {
		return table.WriteXLSX(w)
	}
	return table.WriteCSV(w)
}
