package processor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Remote forwards a category's files to an external processing service as a
// multipart upload and expects a zip archive back. The image and signal
// pipelines live behind services of this shape.
type Remote struct {
	name   string
	url    string
	client *http.Client
	logger *slog.Logger
}

// RemoteConfig holds remote processor construction parameters.
type RemoteConfig struct {
	// Name identifies the category this processor serves.
	Name string
	// URL is the processing endpoint accepting multipart "files" uploads.
	URL string
	// Timeout bounds one processing round trip. Processing can be slow
	// (minutes per study), so this is typically generous.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewRemote creates a forwarding processor.
func NewRemote(cfg *RemoteConfig) *Remote {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Remote{
		name:   cfg.Name,
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (r *Remote) Name() string { return r.name }

// Process uploads the files and stores the returned archive under the work
// directory.
func (r *Remote) Process(ctx context.Context, files []string, opts Options) (*Artifact, error) {
	body, contentType, err := buildMultipart(files)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	r.logger.Info("Forwarding files to category processor",
		slog.String("category", r.name),
		slog.String("url", r.url),
		slog.Int("file_count", len(files)),
	)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: "upstream_unreachable", Message: fmt.Sprintf("%s processor did not respond", r.name)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		r.logger.Error("Category processor rejected the upload",
			slog.String("category", r.name),
			slog.Int("status", resp.StatusCode),
			slog.String("detail", string(detail)),
		)
		return nil, &Error{
			Kind:    "upstream_error",
			Message: fmt.Sprintf("%s processor returned status %d", r.name, resp.StatusCode),
		}
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "application/zip") {
		return nil, &Error{
			Kind:    "upstream_error",
			Message: fmt.Sprintf("%s processor returned a non-archive response", r.name),
		}
	}

	artifactName := fmt.Sprintf("%s_results.zip", r.name)
	artifactPath := filepath.Join(opts.WorkDir, artifactName)
	out, err := os.Create(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact file: %w", err)
	}

	size, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store processor response: %w", err)
	}

	return &Artifact{Name: artifactName, Path: artifactPath, Size: size}, nil
}

// buildMultipart streams the upload body through a pipe so the request
// never holds the whole batch in memory. An error while writing a part is
// surfaced to the HTTP client through the pipe.
func buildMultipart(files []string) (io.Reader, string, error) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeParts(writer, files))
	}()

	return pr, writer.FormDataContentType(), nil
}

func writeParts(writer *multipart.Writer, files []string) error {
	for _, path := range files {
		part, err := writer.CreateFormFile("files", filepath.Base(path))
		if err != nil {
			return fmt.Errorf("failed to create form part: %w", err)
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to stream input file: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize upload body: %w", err)
	}
	return nil
}
