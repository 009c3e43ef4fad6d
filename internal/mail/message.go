// Package mail turns report bundles into MIME messages and transmits them.
package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ContentTypePNG    = "image/png"
	ContentTypeBinary = "application/octet-stream"
)

// ContentTypeFor maps a file name to its part type: .png is image/png,
// everything else is opaque binary.
func ContentTypeFor(name string) string {
	if strings.ToLower(path.Ext(name)) == ".png" {
		return ContentTypePNG
	}
	return ContentTypeBinary
}

// Part is one binary body part. Inline parts carry a ContentID.
type Part struct {
	Filename    string
	ContentType string
	ContentID   string
	Data        []byte
}

// Message is a fully built report email.
type Message struct {
	Subject     string
	From        string
	To          string
	Date        time.Time
	MessageID   string
	HTML        string
	Inline      []Part
	Attachments []Part
}

// Bytes renders the message.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo renders the message as multipart/mixed holding a
// multipart/alternative > multipart/related tree (HTML plus inline images)
// followed by the attachments.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if err := m.write(cw); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

func (m *Message) write(w io.Writer) error {
	mixed := newWriter(w)
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	headers := []struct{ k, v string }{
		{"From", m.From},
		{"To", m.To},
		{"Subject", mime.QEncoding.Encode("utf-8", m.Subject)},
		{"Date", date.Format(time.RFC1123Z)},
		{"Message-ID", m.MessageID},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/mixed; boundary=" + mixed.Boundary()},
	}
	for _, h := range headers {
		if h.v == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", h.k, h.v); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}

	alt, err := nested(mixed, "multipart/alternative")
	if err != nil {
		return err
	}
	related, err := nested(alt, "multipart/related")
	if err != nil {
		return err
	}
	if err := writeHTML(related, m.HTML); err != nil {
		return err
	}
	for _, p := range m.Inline {
		if err := writeBinary(related, p, "inline"); err != nil {
			return err
		}
	}
	if err := related.Close(); err != nil {
		return err
	}
	if err := alt.Close(); err != nil {
		return err
	}
	for _, p := range m.Attachments {
		if err := writeBinary(mixed, p, "attachment"); err != nil {
			return err
		}
	}
	return mixed.Close()
}

func newWriter(w io.Writer) *multipart.Writer {
	mw := multipart.NewWriter(w)
	_ = mw.SetBoundary(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return mw
}

func nested(parent *multipart.Writer, mediaType string) (*multipart.Writer, error) {
	boundary := strings.ReplaceAll(uuid.NewString(), "-", "")
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(mediaType, map[string]string{"boundary": boundary}))
	pw, err := parent.CreatePart(h)
	if err != nil {
		return nil, err
	}
	child := multipart.NewWriter(pw)
	if err := child.SetBoundary(boundary); err != nil {
		return nil, err
	}
	return child, nil
}

func writeHTML(mw *multipart.Writer, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", `text/html; charset="utf-8"`)
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(pw)
	if _, err := io.WriteString(qp, body); err != nil {
		return err
	}
	return qp.Close()
}

func writeBinary(mw *multipart.Writer, p Part, disposition string) error {
	ct := p.ContentType
	if ct == "" {
		ct = ContentTypeBinary
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(ct, map[string]string{"name": p.Filename}))
	h.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": p.Filename}))
	h.Set("Content-Transfer-Encoding", "base64")
	if p.ContentID != "" {
		h.Set("Content-ID", "<"+p.ContentID+">")
	}
	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	enc := base64.NewEncoder(base64.StdEncoding, &lineWriter{w: pw})
	if _, err := enc.Write(p.Data); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err = io.WriteString(pw, "\r\n")
	return err
}

const maxLine = 76

// lineWriter breaks base64 output into RFC 2045 lines.
type lineWriter struct {
	w   io.Writer
	col int
}

func (l *lineWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if l.col == maxLine {
			if _, err := io.WriteString(l.w, "\r\n"); err != nil {
				return written, err
			}
			l.col = 0
		}
		n := min(maxLine-l.col, len(p))
		if _, err := l.w.Write(p[:n]); err != nil {
			return written, err
		}
		l.col += n
		written += n
		p = p[n:]
	}
	return written, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
