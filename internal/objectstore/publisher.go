package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"reportflow/internal/bundle"
	"reportflow/internal/logging"
	"reportflow/internal/mail"
)

// Publisher uploads every file of a bundle under <prefix>/<bundle id>/.
type Publisher struct {
	Store  Store
	Bucket string
	Prefix string
	Logger *slog.Logger
}

// Object is one file of a bundle as stored in the bucket.
type Object struct {
	Key         string
	ContentType string
	Data        []byte
}

// Objects lists the uploads for b; the document goes last so a mirrored
// report.html implies the rest of the bundle is present.
func (p Publisher) Objects(b bundle.Bundle) []Object {
	var out []Object
	add := func(name, contentType string, data []byte) {
		out = append(out, Object{Key: p.key(b.ID, name), ContentType: contentType, Data: data})
	}
	for _, img := range b.Images {
		add(img.Name, mail.ContentTypeFor(img.Name), img.Data)
	}
	for _, att := range b.Attachments {
		add(att.Name, contentTypeForAttachment(att.Name), att.Data)
	}
	add(bundle.DocumentFile, "text/html; charset=utf-8", []byte(b.DocumentBody))
	return out
}

func (p Publisher) Publish(ctx context.Context, b bundle.Bundle) error {
	if p.Store == nil {
		return fmt.Errorf("object store not configured")
	}
	for _, obj := range p.Objects(b) {
		if err := p.Store.Put(ctx, p.Bucket, obj.Key, bytes.NewReader(obj.Data), int64(len(obj.Data)), obj.ContentType); err != nil {
			return fmt.Errorf("put %s/%s: %w", p.Bucket, obj.Key, err)
		}
	}
	logging.OrDiscard(p.Logger).Info("bundle mirrored", "bundle_id", b.ID, "bucket", p.Bucket, "prefix", p.key(b.ID, ""))
	return nil
}

func (p Publisher) key(id, name string) string {
	return path.Join(strings.Trim(p.Prefix, "/"), id, name)
}

func contentTypeForAttachment(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	}
	return mail.ContentTypeBinary
}
