package batch

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/tvanhle/medproc-be/internal/ingest"
)

// Category names used across buckets, processors and reports.
const (
	CategoryImages  = "images"
	CategorySignals = "signals"
	CategoryText    = "text"
)

var imageExtensions = map[string]bool{
	".dcm":   true,
	".dicom": true,
}

var signalExtensions = map[string]bool{
	".hea": true,
	".dat": true,
	".qrs": true,
	".edf": true,
	".eeg": true,
}

var textExtensions = map[string]bool{
	".csv":  true,
	".xlsx": true,
	".docx": true,
	".txt":  true,
	".json": true,
}

// SupportedExtensions lists the recognized file extensions per category,
// sorted for stable output.
func SupportedExtensions() map[string][]string {
	return map[string][]string{
		CategoryImages:  sortedKeys(imageExtensions),
		CategorySignals: sortedKeys(signalExtensions),
		CategoryText:    sortedKeys(textExtensions),
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SignalRecord groups the files of one logical signal: a shared basename
// with header/data/annotation extensions. rec1.hea and rec1.dat are one
// record, not two.
type SignalRecord struct {
	Base  string
	Files []ingest.Entry
}

// Buckets partitions extracted entries by the processor that handles them.
type Buckets struct {
	Images       []ingest.Entry
	Signals      []SignalRecord
	Text         []ingest.Entry
	Unrecognized []ingest.Entry
}

// ProcessableCount is the number of units the processors will receive:
// individual files for images and text, grouped records for signals.
func (b *Buckets) ProcessableCount() int {
	return len(b.Images) + len(b.Signals) + len(b.Text)
}

// Categorize routes entries to buckets by extension. Signal files are
// grouped by basename; anything with an unknown extension lands in
// Unrecognized and is reported but never processed.
func Categorize(entries []ingest.Entry) Buckets {
	var b Buckets
	signalGroups := make(map[string][]ingest.Entry)

	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name))
		switch {
		case imageExtensions[ext]:
			b.Images = append(b.Images, e)
		case signalExtensions[ext]:
			base := strings.TrimSuffix(filepath.Base(e.Name), filepath.Ext(e.Name))
			signalGroups[base] = append(signalGroups[base], e)
		case textExtensions[ext]:
			b.Text = append(b.Text, e)
		default:
			b.Unrecognized = append(b.Unrecognized, e)
		}
	}

	bases := make([]string, 0, len(signalGroups))
	for base := range signalGroups {
		bases = append(bases, base)
	}
	sort.Strings(bases)
	for _, base := range bases {
		b.Signals = append(b.Signals, SignalRecord{Base: base, Files: signalGroups[base]})
	}

	return b
}
