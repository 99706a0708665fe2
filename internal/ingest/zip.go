package ingest

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Bound names reported by Violation. The batch surface returns them to the
// caller so a rejected upload names the specific limit it tripped.
const (
	BoundFileCount        = "file_count"
	BoundExtractionSize   = "extraction_size"
	BoundCompressionRatio = "compression_ratio"
	BoundPathSafety       = "path_safety"
	BoundEntryName        = "entry_name"
	BoundArchiveFormat    = "archive_format"
)

// Violation is the reason an archive was rejected. Extraction aborts on the
// first violation; nothing inside the archive is trusted afterwards.
type Violation struct {
	Bound  string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("archive rejected (%s): %s", v.Bound, v.Detail)
}

// Limits bound what an untrusted archive may cost to extract.
type Limits struct {
	// MaxFiles is the maximum number of entries in the archive.
	MaxFiles int
	// MaxExtractionSize is the cumulative uncompressed byte budget.
	MaxExtractionSize int64
	// MaxCompressionRatio is the per-entry uncompressed/compressed ceiling.
	MaxCompressionRatio int
}

// DefaultLimits mirrors the batch surface defaults: 1000 entries, 500 MB,
// ratio 100.
func DefaultLimits() Limits {
	return Limits{
		MaxFiles:            1000,
		MaxExtractionSize:   500 * 1024 * 1024,
		MaxCompressionRatio: 100,
	}
}

// Entry is one validated file extracted from an archive.
type Entry struct {
	// Name is the entry path relative to the extraction root, normalized
	// to forward slashes.
	Name string
	// Path is the absolute location of the extracted file on disk.
	Path string
	// Size is the uncompressed size actually written.
	Size int64
	// CompressedSize is the size the entry occupied inside the archive.
	CompressedSize int64
}

// Extract unpacks the archive at zipPath into destDir under the given
// limits. Every check is applied before the corresponding bytes are
// trusted; the first violated bound aborts the whole extraction and is
// returned as a *Violation.
func Extract(zipPath, destDir string, limits Limits) ([]Entry, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, &Violation{Bound: BoundArchiveFormat, Detail: "file is not a valid zip archive"}
	}
	defer reader.Close()

	if len(reader.File) > limits.MaxFiles {
		return nil, &Violation{
			Bound:  BoundFileCount,
			Detail: fmt.Sprintf("archive holds %d entries, limit is %d", len(reader.File), limits.MaxFiles),
		}
	}

	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve extraction root: %w", err)
	}

	entries := make([]Entry, 0, len(reader.File))
	var totalWritten int64

	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}

		name, err := sanitizeEntryName(f.Name)
		if err != nil {
			return nil, err
		}

		if err := checkEntryBounds(f, limits, totalWritten); err != nil {
			return nil, err
		}

		target := filepath.Join(root, filepath.FromSlash(name))
		if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return nil, &Violation{
				Bound:  BoundPathSafety,
				Detail: fmt.Sprintf("entry %q escapes the extraction root", f.Name),
			}
		}

		written, err := extractEntry(f, target, limits.MaxExtractionSize-totalWritten)
		if err != nil {
			return nil, err
		}
		totalWritten += written

		entries = append(entries, Entry{
			Name:           name,
			Path:           target,
			Size:           written,
			CompressedSize: int64(f.CompressedSize64),
		})
	}

	return entries, nil
}

// sanitizeEntryName normalizes an entry name and rejects anything that
// cannot be used safely as a relative filesystem path.
func sanitizeEntryName(raw string) (string, error) {
	for _, r := range raw {
		if r == 0 || r < 0x20 || r == 0x7f {
			return "", &Violation{
				Bound:  BoundEntryName,
				Detail: "entry name contains control characters",
			}
		}
	}

	name := strings.ReplaceAll(raw, "\\", "/")
	if name == "" {
		return "", &Violation{Bound: BoundEntryName, Detail: "entry has an empty name"}
	}
	if strings.HasPrefix(name, "/") || !filepath.IsLocal(filepath.FromSlash(name)) {
		return "", &Violation{
			Bound:  BoundPathSafety,
			Detail: fmt.Sprintf("entry %q is absolute or leaves the extraction root", raw),
		}
	}

	return name, nil
}

// checkEntryBounds validates an entry's declared sizes against the
// per-entry ratio bound and the cumulative extraction budget.
func checkEntryBounds(f *zip.File, limits Limits, totalSoFar int64) error {
	declared := int64(f.UncompressedSize64)
	compressed := int64(f.CompressedSize64)

	if declared > 0 {
		if compressed == 0 {
			return &Violation{
				Bound:  BoundCompressionRatio,
				Detail: fmt.Sprintf("entry %q declares %d bytes from an empty compressed stream", f.Name, declared),
			}
		}
		if declared/compressed > int64(limits.MaxCompressionRatio) {
			return &Violation{
				Bound:  BoundCompressionRatio,
				Detail: fmt.Sprintf("entry %q has compression ratio %d, limit is %d", f.Name, declared/compressed, limits.MaxCompressionRatio),
			}
		}
	}

	if totalSoFar+declared > limits.MaxExtractionSize {
		return &Violation{
			Bound:  BoundExtractionSize,
			Detail: fmt.Sprintf("archive exceeds the %d byte extraction budget", limits.MaxExtractionSize),
		}
	}

	return nil
}

// extractEntry copies one entry to disk. The copy is capped at budget bytes
// so a stream that outgrows its declared size cannot blow past the
// cumulative bound.
func extractEntry(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create entry directory: %w", err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open archive entry %q: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return 0, fmt.Errorf("failed to create extracted file: %w", err)
	}

	written, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, fmt.Errorf("failed to extract entry %q: %w", f.Name, err)
	}

	if written > budget {
		return written, &Violation{
			Bound:  BoundExtractionSize,
			Detail: fmt.Sprintf("entry %q expanded past the extraction budget", f.Name),
		}
	}

	return written, nil
}
