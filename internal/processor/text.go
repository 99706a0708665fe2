package processor

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tvanhle/medproc-be/internal/annotation"
)

// Text processes document and tabular files locally. Tabular files get an
// annotation identity per row and are split into a personal and a medical
// half; other document types pass through into the result archive
// untouched, to be handled by downstream consumers.
type Text struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewText creates the text category processor.
func NewText(logger *slog.Logger) *Text {
	if logger == nil {
		logger = slog.Default()
	}
	return &Text{logger: logger, now: time.Now}
}

func (p *Text) Name() string { return "text" }

// Process builds text_results.zip under the work directory: for every
// table, an annotated personal/medical file pair; for every other document,
// a verbatim copy.
func (p *Text) Process(ctx context.Context, files []string, opts Options) (*Artifact, error) {
	artifactName := "text_results.zip"
	artifactPath := filepath.Join(opts.WorkDir, artifactName)

	out, err := os.Create(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact file: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	now := p.now()
	processed := 0

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ext := strings.ToLower(filepath.Ext(path))
		switch ext {
		case ".csv", ".xlsx":
			if err := p.annotateTable(zw, path, ext, now); err != nil {
				p.logger.Warn("Skipping unreadable table",
					slog.String("file", filepath.Base(path)),
					slog.String("error", err.Error()),
				)
				continue
			}
		default:
			if err := copyIntoZip(zw, path); err != nil {
				return nil, err
			}
		}
		processed++
	}

	if processed == 0 {
		return nil, &Error{Kind: "no_processable_files", Message: "no readable text files in this category"}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize text results: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush text results: %w", err)
	}

	info, err := os.Stat(artifactPath)
	if err != nil {
		return nil, err
	}
	return &Artifact{Name: artifactName, Path: artifactPath, Size: info.Size()}, nil
}

// annotateTable reads one table, assigns identities, splits it and writes
// both halves into the result archive in the source format.
func (p *Text) annotateTable(zw *zip.Writer, path, ext string, now time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var table *annotation.Table
	if ext == ".xlsx" {
		table, err = annotation.ReadXLSX(f)
	} else {
		table, err = annotation.ReadCSV(f)
	}
	if err != nil {
		return err
	}

	table.AssignIdentities(now)
	personal, medical := table.Split(now)

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for name, half := range map[string]*annotation.Table{
		fmt.Sprintf("%s_personal%s", base, ext): personal,
		fmt.Sprintf("%s_medical%s", base, ext):  medical,
	} {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		if ext == ".xlsx" {
			err = half.WriteXLSX(w)
		} else {
			err = half.WriteCSV(w)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func copyIntoZip(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}
	defer f.Close()

	w, err := zw.Create(filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to copy document into results: %w", err)
	}
	return nil
}
