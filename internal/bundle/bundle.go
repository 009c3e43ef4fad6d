// Package bundle defines the report bundle produced by a training run and its
// on-disk layout.
//
// A bundle lives in <reports root>/<id>/ and holds metrics.json, report.html,
// the three chart PNGs in render order, and data_head.csv. Bundles are built
// in a hidden staging directory and renamed into place once every file has
// been synced, so any visible bundle directory is complete.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reportflow/internal/render"
)

// File names inside a bundle directory.
const (
	MetricsFile  = "metrics.json"
	DocumentFile = "report.html"
	DataHeadFile = "data_head.csv"
)

// IDLayout formats bundle ids; zero-padded UTC so lexicographic order is
// chronological.
const IDLayout = "20060102T150405Z"

// StagingPrefix marks in-progress bundle directories.
const StagingPrefix = ".staging-"

// ErrIncomplete reports a bundle missing required content.
var ErrIncomplete = errors.New("bundle incomplete")

// Resource is a named binary file in a bundle.
type Resource struct {
	Name string
	Data []byte
}

// Bundle is the immutable output of one training run.
type Bundle struct {
	ID           string
	Dir          string
	Metrics      map[string]float64
	DocumentBody string
	Images       []Resource
	Attachments  []Resource
}

// NewID formats t as a bundle id.
func NewID(t time.Time) string {
	return t.UTC().Format(IDLayout)
}

// ImageNames returns the file names every bundle carries, in order.
func ImageNames() []string {
	names := make([]string, len(render.Order))
	for i, k := range render.Order {
		names[i] = k.FileName()
	}
	return names
}

// Validate checks that the bundle is complete enough to hand off: metrics
// present, exactly the expected images in order and non-empty, a document,
// and no duplicate resource names.
func (b Bundle) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("%w: id is empty", ErrIncomplete)
	}
	if len(b.Metrics) == 0 {
		return fmt.Errorf("%w: metrics are empty", ErrIncomplete)
	}
	if strings.TrimSpace(b.DocumentBody) == "" {
		return fmt.Errorf("%w: document body is empty", ErrIncomplete)
	}
	want := ImageNames()
	if len(b.Images) != len(want) {
		return fmt.Errorf("%w: %d images, want %d", ErrIncomplete, len(b.Images), len(want))
	}
	for i, img := range b.Images {
		if img.Name != want[i] {
			return fmt.Errorf("%w: image %d is %q, want %q", ErrIncomplete, i, img.Name, want[i])
		}
		if len(img.Data) == 0 {
			return fmt.Errorf("%w: image %s is empty", ErrIncomplete, img.Name)
		}
	}
	seen := make(map[string]bool, len(b.Images)+len(b.Attachments))
	for _, r := range append(append([]Resource(nil), b.Images...), b.Attachments...) {
		if seen[r.Name] {
			return fmt.Errorf("%w: duplicate resource %s", ErrIncomplete, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Load reads the bundle stored in dir.
func Load(dir string) (Bundle, error) {
	b := Bundle{ID: filepath.Base(dir), Dir: dir}
	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s missing in %s", ErrIncomplete, name, dir)
		}
		return data, err
	}

	metrics, err := read(MetricsFile)
	if err != nil {
		return Bundle{}, err
	}
	if err := json.Unmarshal(metrics, &b.Metrics); err != nil {
		return Bundle{}, fmt.Errorf("decode %s: %w", MetricsFile, err)
	}
	doc, err := read(DocumentFile)
	if err != nil {
		return Bundle{}, err
	}
	b.DocumentBody = string(doc)
	for _, name := range ImageNames() {
		data, err := read(name)
		if err != nil {
			return Bundle{}, err
		}
		b.Images = append(b.Images, Resource{Name: name, Data: data})
	}
	head, err := read(DataHeadFile)
	if err != nil {
		return Bundle{}, err
	}
	b.Attachments = []Resource{
		{Name: MetricsFile, Data: metrics},
		{Name: DataHeadFile, Data: head},
	}
	if err := b.Validate(); err != nil {
		return Bundle{}, err
	}
	return b, nil
}
