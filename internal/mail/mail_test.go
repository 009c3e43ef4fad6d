package mail_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	netmail "net/mail"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"reportflow/internal/bundle"
	"reportflow/internal/mail"
)

type parsedPart struct {
	mediaType   string
	filename    string
	disposition string
	contentID   string
	body        []byte
}

// walk flattens the MIME tree into leaf parts in document order.
func walk(t *testing.T, contentType string, body io.Reader) []parsedPart {
	t.Helper()
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		t.Fatalf("parse media type %q: %v", contentType, err)
	}
	if !strings.HasPrefix(mt, "multipart/") {
		t.Fatalf("expected multipart, got %s", mt)
	}
	var out []parsedPart
	r := multipart.NewReader(body, params["boundary"])
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		ct := p.Header.Get("Content-Type")
		if strings.HasPrefix(ct, "multipart/") {
			out = append(out, parsedPart{mediaType: strings.SplitN(ct, ";", 2)[0]})
			out = append(out, walk(t, ct, p)...)
			continue
		}
		data, err := io.ReadAll(p)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		if p.Header.Get("Content-Transfer-Encoding") == "base64" {
			data, err = io.ReadAll(base64.NewDecoder(base64.StdEncoding, bytes.NewReader(data)))
			if err != nil {
				t.Fatalf("decode base64: %v", err)
			}
		}
		pmt, _, _ := mime.ParseMediaType(ct)
		disp, dparams, _ := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
		out = append(out, parsedPart{
			mediaType:   pmt,
			filename:    dparams["filename"],
			disposition: disp,
			contentID:   strings.Trim(p.Header.Get("Content-ID"), "<>"),
			body:        data,
		})
	}
}

func parse(t *testing.T, m *mail.Message) (*netmail.Message, []parsedPart) {
	t.Helper()
	raw, err := m.Bytes()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	msg, err := netmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg, walk(t, msg.Header.Get("Content-Type"), msg.Body)
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id%d@inline", n)
	}
}

func TestAssembleSubstitutesTokens(t *testing.T) {
	b := bundle.Bundle{
		ID:           "20250101T000000Z",
		DocumentBody: `<p><img src="{{cid:a.png}}"></p>`,
		Images:       []bundle.Resource{{Name: "a.png", Data: []byte("PNGDATA")}},
	}
	a := mail.Assembler{NewContentID: seqIDs()}
	out, err := a.Assemble(b, "subject", "to@example.com", "from@example.com")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if out.Mismatch != nil {
		t.Fatalf("unexpected mismatch %v", out.Mismatch)
	}
	if strings.Contains(out.Message.HTML, "{{cid:") {
		t.Fatalf("token left in body: %s", out.Message.HTML)
	}
	if !strings.Contains(out.Message.HTML, `src="cid:id1@inline"`) {
		t.Fatalf("cid not substituted: %s", out.Message.HTML)
	}
	if len(out.Message.Inline) != 1 || out.Message.Inline[0].Filename != "a.png" || out.Message.Inline[0].ContentID != "id1@inline" {
		t.Fatalf("unexpected inline parts %+v", out.Message.Inline)
	}
}

func TestAssembleKeepsUnmatchedToken(t *testing.T) {
	b := bundle.Bundle{
		DocumentBody: `<img src="{{cid:a.png}}"><img src="{{cid:missing.png}}">`,
		Images:       []bundle.Resource{{Name: "a.png", Data: []byte{1}}},
	}
	out, err := mail.Assembler{}.Assemble(b, "s", "to@example.com", "from@example.com")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if !strings.Contains(out.Message.HTML, "{{cid:missing.png}}") {
		t.Fatalf("unmatched token not preserved: %s", out.Message.HTML)
	}
	if strings.Contains(out.Message.HTML, "{{cid:a.png}}") {
		t.Fatalf("matched token not replaced: %s", out.Message.HTML)
	}
	if out.Mismatch == nil || len(out.Mismatch.Tokens) != 1 || out.Mismatch.Tokens[0] != "{{cid:missing.png}}" {
		t.Fatalf("unexpected mismatch %+v", out.Mismatch)
	}
}

func TestAssembleRequiresAddresses(t *testing.T) {
	if _, err := (mail.Assembler{}).Assemble(bundle.Bundle{}, "s", "", "from@example.com"); err == nil {
		t.Fatal("expected missing recipient error")
	}
	if _, err := (mail.Assembler{}).Assemble(bundle.Bundle{}, "s", "to@example.com", " "); err == nil {
		t.Fatal("expected missing sender error")
	}
}

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"a.png":    "image/png",
		"B.PNG":    "image/png",
		"c.jpg":    "application/octet-stream",
		"noext":    "application/octet-stream",
		"d.png.gz": "application/octet-stream",
	}
	for name, want := range cases {
		if got := mail.ContentTypeFor(name); got != want {
			t.Errorf("ContentTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestMessageStructure(t *testing.T) {
	img := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 100)
	b := bundle.Bundle{
		ID:           "20250101T000000Z",
		DocumentBody: `<html><body>R² <img src="{{cid:coefficients.png}}"><img src="{{cid:chart.bin}}"></body></html>`,
		Images: []bundle.Resource{
			{Name: "coefficients.png", Data: img},
			{Name: "chart.bin", Data: []byte("raw")},
		},
		Attachments: []bundle.Resource{
			{Name: "metrics.json", Data: []byte(`{"r2": 0.9}`)},
			{Name: "data_head.csv", Data: []byte("a,b\n1,2\n")},
		},
	}
	a := mail.Assembler{Now: func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }}
	out, err := a.Assemble(b, "[ML] Model Report - 20250101T000000Z", "Ops <ops@example.com>", "bot@example.com")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	msg, parts := parse(t, out.Message)

	if got := msg.Header.Get("Subject"); got != "[ML] Model Report - 20250101T000000Z" {
		t.Fatalf("subject = %q", got)
	}
	if mt, _, _ := mime.ParseMediaType(msg.Header.Get("Content-Type")); mt != "multipart/mixed" {
		t.Fatalf("top-level type = %s", mt)
	}

	want := []struct{ mediaType, filename, disposition string }{
		{"multipart/alternative", "", ""},
		{"multipart/related", "", ""},
		{"text/html", "", ""},
		{"image/png", "coefficients.png", "inline"},
		{"application/octet-stream", "chart.bin", "inline"},
		{"application/octet-stream", "metrics.json", "attachment"},
		{"application/octet-stream", "data_head.csv", "attachment"},
	}
	if len(parts) != len(want) {
		t.Fatalf("got %d parts: %+v", len(parts), parts)
	}
	for i, w := range want {
		p := parts[i]
		if p.mediaType != w.mediaType || p.filename != w.filename || p.disposition != w.disposition {
			t.Fatalf("part %d = %s %q %q, want %+v", i, p.mediaType, p.filename, p.disposition, w)
		}
	}

	html := string(parts[2].body)
	for _, inline := range parts[3:5] {
		if inline.contentID == "" || !strings.Contains(html, "cid:"+inline.contentID) {
			t.Fatalf("body does not reference %s via its content id %q", inline.filename, inline.contentID)
		}
	}
	if !strings.Contains(html, "R²") {
		t.Fatalf("html not decoded correctly: %s", html)
	}
	if !bytes.Equal(parts[3].body, img) {
		t.Fatal("inline image bytes differ")
	}
	for _, att := range parts[5:] {
		if att.contentID != "" {
			t.Fatalf("attachment %s carries content id", att.filename)
		}
	}
	if string(parts[6].body) != "a,b\n1,2\n" {
		t.Fatalf("attachment body = %q", parts[6].body)
	}
}

// fakeRelay is a minimal plaintext SMTP server accepting one session.
type fakeRelay struct {
	ln       net.Listener
	rcptCode int
	got      chan relayed
}

type relayed struct {
	from, rcpt string
	data       []byte
}

func startRelay(t *testing.T, rcptCode int) *fakeRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := &fakeRelay{ln: ln, rcptCode: rcptCode, got: make(chan relayed, 1)}
	t.Cleanup(func() { _ = ln.Close() })
	go r.serve()
	return r
}

func (r *fakeRelay) port() int { return r.ln.Addr().(*net.TCPAddr).Port }

func (r *fakeRelay) serve() {
	conn, err := r.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	tp := textproto.NewConn(conn)
	var msg relayed
	_ = tp.PrintfLine("220 fake ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			_ = tp.PrintfLine("250 fake")
		case strings.HasPrefix(cmd, "MAIL FROM:"):
			msg.from = strings.Trim(line[len("MAIL FROM:"):], "<> ")
			_ = tp.PrintfLine("250 ok")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			msg.rcpt = strings.Trim(line[len("RCPT TO:"):], "<> ")
			if r.rcptCode != 250 {
				_ = tp.PrintfLine("%d mailbox unavailable", r.rcptCode)
				continue
			}
			_ = tp.PrintfLine("250 ok")
		case cmd == "DATA":
			_ = tp.PrintfLine("354 go ahead")
			msg.data, err = tp.ReadDotBytes()
			if err != nil {
				return
			}
			_ = tp.PrintfLine("250 queued")
			r.got <- msg
		case cmd == "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("502 unsupported")
		}
	}
}

func sampleMessage(t *testing.T) *mail.Message {
	t.Helper()
	b := bundle.Bundle{
		DocumentBody: `<img src="{{cid:a.png}}">`,
		Images:       []bundle.Resource{{Name: "a.png", Data: []byte("img")}},
		Attachments:  []bundle.Resource{{Name: "metrics.json", Data: []byte("{}")}},
	}
	out, err := mail.Assembler{}.Assemble(b, "report", "to@example.com", "Report Bot <bot@example.com>")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return out.Message
}

func TestSMTPSenderDelivers(t *testing.T) {
	relay := startRelay(t, 250)
	s := mail.SMTPSender{Host: "127.0.0.1", Port: relay.port(), TLS: mail.TLSNone, Timeout: 5 * time.Second}
	msg := sampleMessage(t)
	if err := s.Send(context.Background(), msg, mail.Credentials{}, "to@example.com"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-relay.got:
		if got.from != "bot@example.com" || got.rcpt != "to@example.com" {
			t.Fatalf("envelope = %s -> %s", got.from, got.rcpt)
		}
		parsed, err := netmail.ReadMessage(bytes.NewReader(got.data))
		if err != nil {
			t.Fatalf("relayed message unreadable: %v", err)
		}
		if parsed.Header.Get("Subject") != "report" {
			t.Fatalf("subject = %q", parsed.Header.Get("Subject"))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay never received data")
	}
}

func TestSMTPSenderRejectedRecipient(t *testing.T) {
	relay := startRelay(t, 550)
	s := mail.SMTPSender{Host: "127.0.0.1", Port: relay.port(), TLS: mail.TLSNone, Timeout: 5 * time.Second}
	err := s.Send(context.Background(), sampleMessage(t), mail.Credentials{}, "to@example.com")
	if !errors.Is(err, mail.ErrTransmission) {
		t.Fatalf("expected ErrTransmission, got %v", err)
	}
}

func TestSMTPSenderUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	s := mail.SMTPSender{Host: "127.0.0.1", Port: port, TLS: mail.TLSNone, Timeout: time.Second}
	if err := s.Send(context.Background(), sampleMessage(t), mail.Credentials{}, "to@example.com"); !errors.Is(err, mail.ErrTransmission) {
		t.Fatalf("expected ErrTransmission, got %v", err)
	}
}
