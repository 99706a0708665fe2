package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvanhle/medproc-be/internal/ingest"
)

func entriesNamed(names ...string) []ingest.Entry {
	entries := make([]ingest.Entry, len(names))
	for i, name := range names {
		entries[i] = ingest.Entry{Name: name, Path: "/tmp/" + name}
	}
	return entries
}

func TestCategorize_RoutesByExtension(t *testing.T) {
	buckets := Categorize(entriesNamed(
		"scan1.dcm",
		"scan2.DICOM",
		"rec1.hea",
		"rec1.dat",
		"patients.csv",
		"report.docx",
		"readme.md",
		"archive.tar",
	))

	assert.Len(t, buckets.Images, 2)
	assert.Len(t, buckets.Signals, 1)
	assert.Len(t, buckets.Text, 2)
	assert.Len(t, buckets.Unrecognized, 2)
	assert.Equal(t, 5, buckets.ProcessableCount())
}

func TestCategorize_GroupsSignalsByBasename(t *testing.T) {
	buckets := Categorize(entriesNamed(
		"rec1.hea",
		"rec1.dat",
		"rec1.qrs",
		"rec2.hea",
		"rec2.dat",
	))

	require.Len(t, buckets.Signals, 2, "rec1.* and rec2.* are two logical records")
	assert.Equal(t, "rec1", buckets.Signals[0].Base)
	assert.Len(t, buckets.Signals[0].Files, 3)
	assert.Equal(t, "rec2", buckets.Signals[1].Base)
	assert.Len(t, buckets.Signals[1].Files, 2)
}

func TestCategorize_SignalPairIsOneRecord(t *testing.T) {
	buckets := Categorize(entriesNamed("rec1.hea", "rec1.dat"))

	require.Len(t, buckets.Signals, 1)
	assert.Equal(t, 1, buckets.ProcessableCount())
}

func TestCategorize_NestedPathsUseBasename(t *testing.T) {
	buckets := Categorize(entriesNamed("signals/day1/rec1.hea", "signals/day2/rec1.dat"))

	// Grouping keys on the file's basename regardless of directory.
	require.Len(t, buckets.Signals, 1)
	assert.Len(t, buckets.Signals[0].Files, 2)
}

func TestCategorize_Empty(t *testing.T) {
	buckets := Categorize(nil)
	assert.Equal(t, 0, buckets.ProcessableCount())
	assert.Empty(t, buckets.Unrecognized)
}
