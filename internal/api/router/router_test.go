package router

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvanhle/medproc-be/internal/api/handler"
	"github.com/tvanhle/medproc-be/internal/artifact"
	"github.com/tvanhle/medproc-be/internal/batch"
	"github.com/tvanhle/medproc-be/internal/executor"
	"github.com/tvanhle/medproc-be/internal/ingest"
	"github.com/tvanhle/medproc-be/internal/job"
	"github.com/tvanhle/medproc-be/internal/processor"
)

type testEnv struct {
	router    *gin.Engine
	registry  *job.Registry
	artifacts *artifact.Store
	workDir   string
}

func newTestEnv(t *testing.T, rl RateLimit) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	artifacts, err := artifact.NewStore(&artifact.Config{
		Root:          t.TempDir(),
		TTL:           time.Hour,
		SweepInterval: time.Hour,
		Logger:        logger,
	})
	require.NoError(t, err)
	t.Cleanup(artifacts.Close)

	registry := job.NewRegistry(&job.RegistryConfig{
		MaxJobs: 10,
		Logger:  logger,
		OnEvict: artifacts.Remove,
	})

	exec := executor.New(&executor.Config{
		Registry:    registry,
		Logger:      logger,
		Concurrency: 2,
		QueueSize:   8,
		JobTimeout:  time.Minute,
	})
	exec.Start(context.Background())
	t.Cleanup(exec.Stop)

	limits := ingest.Limits{
		MaxFiles:            100,
		MaxExtractionSize:   10 * 1024 * 1024,
		MaxCompressionRatio: 100,
	}

	orchestrator := batch.New(&batch.Config{
		Limits: limits,
		Processors: map[string]processor.Processor{
			batch.CategoryText: processor.NewText(logger),
		},
		WorkRoot: t.TempDir(),
		Logger:   logger,
	})

	workDir := t.TempDir()
	deps := &handler.Dependencies{
		Logger:       logger,
		Registry:     registry,
		Executor:     exec,
		Artifacts:    artifacts,
		Orchestrator: orchestrator,
		IngestLimits: limits,
		Upload:       handler.UploadLimits{MaxFiles: 5, MaxFileSize: 5 * 1024 * 1024},
		WorkDir:      workDir,
	}

	return &testEnv{
		router:    SetupRouter(deps, rl),
		registry:  registry,
		artifacts: artifacts,
		workDir:   workDir,
	}
}

// requireWorkDirEmpty polls until every upload scratch dir under the work
// dir has been released.
func requireWorkDirEmpty(t *testing.T, workDir string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := os.ReadDir(workDir)
		require.NoError(t, err)
		if len(entries) == 0 {
			return
		}
		require.True(t, time.Now().Before(deadline), "upload scratch dirs leaked: %v", entries)
		time.Sleep(10 * time.Millisecond)
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, path, nil))
}

// buildZip produces an archive with the given name/content pairs.
func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// multipartUpload builds a multipart body with the given file parts and
// plain form fields.
func multipartUpload(t *testing.T, fileField string, files map[string][]byte, fields map[string][]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile(fileField, name)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	for key, values := range fields {
		for _, v := range values {
			require.NoError(t, mw.WriteField(key, v))
		}
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func zipEntryNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	w := env.get("/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	t.Run("generated when absent", func(t *testing.T) {
		w := env.get("/health")
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("echoed when provided", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "req-abc-123")
		w := env.do(req)
		assert.Equal(t, "req-abc-123", w.Header().Get("X-Request-ID"))
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	env := newTestEnv(t, RateLimit{Calls: 2, Period: 60})

	first := env.get("/api/v1/batch")
	second := env.get("/api/v1/batch")
	third := env.get("/api/v1/batch")

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.Equal(t, "0", third.Header().Get("X-RateLimit-Remaining"))

	// Health stays reachable past the limit.
	assert.Equal(t, http.StatusOK, env.get("/health").Code)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := env.registry.Create(map[string]string{"n": fmt.Sprint(i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, env.registry.MarkStarted(ids[0]))
	require.NoError(t, env.registry.MarkCompleted(ids[0], &job.ResultRef{Filename: "done.zip", Size: 1}))

	t.Run("lists all", func(t *testing.T) {
		w := env.get("/api/v1/jobs")
		require.Equal(t, http.StatusOK, w.Code)

		body := decodeJSON(t, w)
		assert.EqualValues(t, 3, body["total"])
	})

	t.Run("filters by status", func(t *testing.T) {
		w := env.get("/api/v1/jobs?status=completed")
		require.Equal(t, http.StatusOK, w.Code)

		body := decodeJSON(t, w)
		assert.EqualValues(t, 1, body["total"])
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		w := env.get("/api/v1/jobs?status=sleeping")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("caps the limit", func(t *testing.T) {
		w := env.get("/api/v1/jobs?limit=2")
		require.Equal(t, http.StatusOK, w.Code)

		body := decodeJSON(t, w)
		assert.EqualValues(t, 2, body["total"])
	})
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	id, err := env.registry.Create(map[string]string{"source": "scan.zip"})
	require.NoError(t, err)

	t.Run("returns job snapshot", func(t *testing.T) {
		w := env.get("/api/v1/jobs/" + id)
		require.Equal(t, http.StatusOK, w.Code)

		body := decodeJSON(t, w)
		assert.Equal(t, id, body["job_id"])
		assert.Equal(t, job.StatusPending, body["status"])
		assert.Nil(t, body["result"])
		assert.Nil(t, body["error"])
	})

	t.Run("unknown id is 404 with detail", func(t *testing.T) {
		w := env.get("/api/v1/jobs/no-such-job")
		require.Equal(t, http.StatusNotFound, w.Code)

		body := decodeJSON(t, w)
		assert.Contains(t, body["detail"], "not found")
	})
}

func TestDeleteJob(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	t.Run("cancels a pending job", func(t *testing.T) {
		id, err := env.registry.Create(nil)
		require.NoError(t, err)

		w := env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+id, nil))
		require.Equal(t, http.StatusOK, w.Code)

		got, err := env.registry.Get(id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCancelled, got.Status)
	})

	t.Run("removes a terminal job", func(t *testing.T) {
		id, err := env.registry.Create(nil)
		require.NoError(t, err)
		require.NoError(t, env.registry.MarkStarted(id))
		require.NoError(t, env.registry.MarkCompleted(id, &job.ResultRef{Filename: "done.zip", Size: 1}))

		w := env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+id, nil))
		require.Equal(t, http.StatusOK, w.Code)

		_, err = env.registry.Get(id)
		assert.ErrorIs(t, err, job.ErrNotFound)
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/ghost", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestBatchInfo(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	w := env.get("/api/v1/batch")
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	limits := body["limits"].(map[string]any)
	assert.EqualValues(t, 100, limits["max_files"])
	assert.EqualValues(t, 10, limits["max_size_mb"])
	assert.Contains(t, body["supported_types"], "signals")
}

func TestProcessZipSync(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	archive := buildZip(t, map[string]string{
		"notes.txt":   "clinical notes",
		"mystery.bin": "xx",
	})
	body, contentType := multipartUpload(t, "file", map[string][]byte{"scans.zip": archive}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/process_zip", body)
	req.Header.Set("Content-Type", contentType)
	w := env.do(req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))

	names := zipEntryNames(t, w.Body.Bytes())
	assert.Contains(t, names, "text_results.zip")
	assert.Contains(t, names, "processing_report.txt")
}

func TestProcessZipValidation(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	t.Run("missing upload", func(t *testing.T) {
		body, contentType := multipartUpload(t, "wrong_field", map[string][]byte{"a.zip": {1}}, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/process_zip", body)
		req.Header.Set("Content-Type", contentType)

		w := env.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("non-zip filename", func(t *testing.T) {
		body, contentType := multipartUpload(t, "file", map[string][]byte{"report.pdf": {1, 2}}, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/process_zip", body)
		req.Header.Set("Content-Type", contentType)

		w := env.do(req)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeJSON(t, w)["detail"], "zip")
	})

	t.Run("traversal entry names the violated bound", func(t *testing.T) {
		archive := buildZip(t, map[string]string{"../evil.txt": "payload"})
		body, contentType := multipartUpload(t, "file", map[string][]byte{"hostile.zip": archive}, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/process_zip", body)
		req.Header.Set("Content-Type", contentType)

		w := env.do(req)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeJSON(t, w)["detail"], "path_safety")
	})

	t.Run("no processable files", func(t *testing.T) {
		archive := buildZip(t, map[string]string{"mystery.bin": "xx"})
		body, contentType := multipartUpload(t, "file", map[string][]byte{"junk.zip": archive}, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/process_zip", body)
		req.Header.Set("Content-Type", contentType)

		w := env.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestProcessZipAsync(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	archive := buildZip(t, map[string]string{"notes.txt": "clinical notes"})
	body, contentType := multipartUpload(t, "file", map[string][]byte{"scans.zip": archive}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/process_zip?async=true", body)
	req.Header.Set("Content-Type", contentType)
	w := env.do(req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobID, ok := decodeJSON(t, w)["job_id"].(string)
	require.True(t, ok)

	// Poll until the job reaches a terminal state.
	deadline := time.Now().Add(5 * time.Second)
	var got job.Job
	for {
		var err error
		got, err = env.registry.Get(jobID)
		require.NoError(t, err)
		if got.Terminal() {
			break
		}
		require.True(t, time.Now().Before(deadline), "job never finished: %+v", got)
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, job.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "scans_results.zip", got.Result.Filename)

	// The result endpoint streams the stored bundle.
	res := env.get("/api/v1/jobs/" + jobID + "/result")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "application/zip", res.Header().Get("Content-Type"))
	assert.Contains(t, zipEntryNames(t, res.Body.Bytes()), "processing_report.txt")

	requireWorkDirEmpty(t, env.workDir)
}

func TestProcessZipAsyncCancelReleasesUpload(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	archive := buildZip(t, map[string]string{"notes.txt": "clinical notes"})
	body, contentType := multipartUpload(t, "file", map[string][]byte{"scans.zip": archive}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/process_zip?async=true", body)
	req.Header.Set("Content-Type", contentType)
	w := env.do(req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobID, ok := decodeJSON(t, w)["job_id"].(string)
	require.True(t, ok)

	// Cancel right away. Whether the work was skipped while pending or
	// stopped mid-run, the upload scratch dir must be released.
	dw := env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+jobID, nil))
	require.Equal(t, http.StatusOK, dw.Code, dw.Body.String())

	requireWorkDirEmpty(t, env.workDir)
}

func TestGetJobResultStates(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	t.Run("unknown job", func(t *testing.T) {
		w := env.get("/api/v1/jobs/ghost/result")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("job without result", func(t *testing.T) {
		id, err := env.registry.Create(nil)
		require.NoError(t, err)

		w := env.get("/api/v1/jobs/" + id + "/result")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("expired artifact", func(t *testing.T) {
		id, err := env.registry.Create(nil)
		require.NoError(t, err)
		require.NoError(t, env.registry.MarkStarted(id))
		require.NoError(t, env.registry.MarkCompleted(id, &job.ResultRef{Filename: "gone.zip", Size: 3}))

		w := env.get("/api/v1/jobs/" + id + "/result")
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, decodeJSON(t, w)["detail"], "expired")
	})
}

func TestDropColumns(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	csvData := []byte("name,age,diagnosis\nDurand,45,pneumonia\n")

	post := func(files map[string][]byte, columns []string) *httptest.ResponseRecorder {
		body, contentType := multipartUpload(t, "files", files, map[string][]string{"columns": columns})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/text/drop_columns", body)
		req.Header.Set("Content-Type", contentType)
		return env.do(req)
	}

	t.Run("removes the requested column", func(t *testing.T) {
		w := post(map[string][]byte{"patients.csv": csvData}, []string{"age"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		names := zipEntryNames(t, w.Body.Bytes())
		require.Contains(t, names, "patients_modified.csv")

		zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
		require.NoError(t, err)
		rc, err := zr.File[0].Open()
		require.NoError(t, err)
		defer rc.Close()
		content, err := io.ReadAll(rc)
		require.NoError(t, err)

		assert.NotContains(t, string(content), "age")
		assert.Contains(t, string(content), "diagnosis")
	})

	t.Run("protects the identity column", func(t *testing.T) {
		w := post(map[string][]byte{"patients.csv": csvData}, []string{"Annotation_ID"})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, strings.ToLower(w.Body.String()), "identity column")
	})

	t.Run("requires columns", func(t *testing.T) {
		w := post(map[string][]byte{"patients.csv": csvData}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects uploads with no tables", func(t *testing.T) {
		w := post(map[string][]byte{"photo.png": {0x89, 0x50}}, []string{"age"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAnnotateTables(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	post := func(files map[string][]byte) *httptest.ResponseRecorder {
		body, contentType := multipartUpload(t, "files", files, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/text/annotate", body)
		req.Header.Set("Content-Type", contentType)
		return env.do(req)
	}

	t.Run("annotates and splits uploaded tables", func(t *testing.T) {
		csvData := []byte("name,first_name,age,sex,date,diagnosis\nDurand,Alice,45,F,2026-01-18,pneumonia\n")
		w := post(map[string][]byte{"patients.csv": csvData, "notes.txt": []byte("clinical note")})

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Header().Get("Content-Disposition"), "annotated_files.zip")

		names := zipEntryNames(t, w.Body.Bytes())
		assert.ElementsMatch(t, []string{
			"patients_personal.csv",
			"patients_medical.csv",
			"notes.txt",
		}, names)

		requireWorkDirEmpty(t, env.workDir)
	})

	t.Run("requires files", func(t *testing.T) {
		body, contentType := multipartUpload(t, "other", map[string][]byte{"patients.csv": {}}, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/text/annotate", body)
		req.Header.Set("Content-Type", contentType)
		w := env.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects uploads with nothing processable", func(t *testing.T) {
		w := post(map[string][]byte{"broken.csv": []byte("\"unterminated")})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "no readable text files")
	})
}
