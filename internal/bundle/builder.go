package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"reportflow/internal/dataset"
	"reportflow/internal/logging"
	"reportflow/internal/render"
	"reportflow/internal/train"
)

// DefaultHeadRows is the size of the data sample attached to each bundle.
const DefaultHeadRows = 20

const maxCollisions = 99

// TrainingOutput is what the training stage hands to the builder.
type TrainingOutput struct {
	Result  train.Result
	Dataset *dataset.Table
}

// Builder packages training output into a bundle under Root.
type Builder struct {
	Root     string
	Renderer render.Renderer
	HeadRows int
	Now      func() time.Time
	Logger   *slog.Logger
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Build renders every artifact, validates completeness, then publishes the
// bundle with a rename. The id is allocated from the clock at build start;
// when a bundle with that id already exists a -NN counter is appended.
func (b Builder) Build(ctx context.Context, out TrainingOutput) (Bundle, error) {
	if b.Root == "" {
		return Bundle{}, errors.New("bundle root is required")
	}
	if b.Renderer == nil {
		return Bundle{}, errors.New("renderer is required")
	}
	logger := logging.OrDiscard(b.Logger)
	base := NewID(b.now())

	bun := Bundle{ID: base, Metrics: make(map[string]float64, len(out.Result.Metrics))}
	for k, v := range out.Result.Metrics {
		bun.Metrics[k] = v
	}
	metricsJSON, err := json.MarshalIndent(bun.Metrics, "", "  ")
	if err != nil {
		return Bundle{}, fmt.Errorf("marshal metrics: %w", err)
	}
	for _, kind := range render.Order {
		if err := ctx.Err(); err != nil {
			return Bundle{}, err
		}
		data, err := b.Renderer.Render(kind, out.Result)
		if err != nil {
			return Bundle{}, fmt.Errorf("render %s: %w", kind, err)
		}
		bun.Images = append(bun.Images, Resource{Name: kind.FileName(), Data: data})
	}
	if out.Dataset == nil {
		return Bundle{}, fmt.Errorf("%w: no dataset for data sample", ErrIncomplete)
	}
	rows := b.HeadRows
	if rows <= 0 {
		rows = DefaultHeadRows
	}
	var head bytes.Buffer
	if err := out.Dataset.Head(rows).WriteCSV(&head); err != nil {
		return Bundle{}, fmt.Errorf("write data sample: %w", err)
	}
	bun.Attachments = []Resource{
		{Name: MetricsFile, Data: metricsJSON},
		{Name: DataHeadFile, Data: head.Bytes()},
	}
	if bun.DocumentBody, err = RenderDocument(bun.ID, bun.Metrics, ImageNames()); err != nil {
		return Bundle{}, err
	}
	if err := bun.Validate(); err != nil {
		return Bundle{}, err
	}

	if err := os.MkdirAll(b.Root, 0o755); err != nil {
		return Bundle{}, err
	}
	staging, err := os.MkdirTemp(b.Root, StagingPrefix+base+"-")
	if err != nil {
		return Bundle{}, fmt.Errorf("create staging dir: %w", err)
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(staging)
		}
	}()

	files := append([]Resource{{Name: DocumentFile, Data: []byte(bun.DocumentBody)}}, bun.Images...)
	files = append(files, bun.Attachments...)
	for _, f := range files {
		if err := writeSynced(filepath.Join(staging, f.Name), f.Data); err != nil {
			return Bundle{}, fmt.Errorf("write %s: %w", f.Name, err)
		}
	}

	for n := 0; n <= maxCollisions; n++ {
		id := candidateID(base, n)
		target := filepath.Join(b.Root, id)
		if _, err := os.Lstat(target); err == nil {
			continue
		}
		if id != bun.ID {
			doc, err := RenderDocument(id, bun.Metrics, ImageNames())
			if err != nil {
				return Bundle{}, err
			}
			if err := writeSynced(filepath.Join(staging, DocumentFile), []byte(doc)); err != nil {
				return Bundle{}, fmt.Errorf("rewrite %s: %w", DocumentFile, err)
			}
			bun.ID, bun.DocumentBody = id, doc
		}
		if err := os.Rename(staging, target); err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return Bundle{}, fmt.Errorf("publish bundle %s: %w", id, err)
		}
		published = true
		syncDir(b.Root)
		bun.Dir = target
		if n > 0 {
			logger.Warn("bundle id collided within the same second", "base_id", base, "bundle_id", id)
		}
		logger.Info("bundle published", "bundle_id", id, "dir", target)
		return bun, nil
	}
	return Bundle{}, fmt.Errorf("bundle id %s: more than %d collisions", base, maxCollisions)
}

func candidateID(base string, n int) string {
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s-%02d", base, n)
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes directory entries; not every platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

var documentTemplate = template.Must(template.New("report").Delims("[[", "]]").Parse(`<html>
<body>
  <h2>Model Training Report</h2>
  <p><b>Run ID:</b> [[.ID]]</p>
  <h3>Metrics</h3>
  <ul>
    <li>R²: [[printf "%.4f" .R2]]</li>
    <li>RMSE: [[printf "%.4f" .RMSE]]</li>
  </ul>
  <h3>Visualizations</h3>
[[- range .Images]]
  <p><img src="{{cid:[[.]]}}" width="600"/></p>
[[- end]]
</body>
</html>
`))

// RenderDocument produces the report HTML with one {{cid:<name>}} token per image.
func RenderDocument(id string, metrics map[string]float64, images []string) (string, error) {
	var buf bytes.Buffer
	err := documentTemplate.Execute(&buf, struct {
		ID     string
		R2     float64
		RMSE   float64
		Images []string
	}{
		ID:     id,
		R2:     metrics[train.MetricR2],
		RMSE:   metrics[train.MetricRMSE],
		Images: images,
	})
	if err != nil {
		return "", fmt.Errorf("render document: %w", err)
	}
	return buf.String(), nil
}
