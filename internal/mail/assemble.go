package mail

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"reportflow/internal/bundle"
)

var cidToken = regexp.MustCompile(`\{\{cid:([^}]+)\}\}`)

// TemplateMismatch lists {{cid:...}} tokens that named no image. It is a
// warning; assembly still succeeds and the tokens stay in the body verbatim.
type TemplateMismatch struct {
	Tokens []string
}

func (m TemplateMismatch) String() string {
	return "unresolved inline image tokens: " + strings.Join(m.Tokens, ", ")
}

// Assembly is the result of Assemble.
type Assembly struct {
	Message *Message
	// Mismatch is nil when every token resolved.
	Mismatch *TemplateMismatch
}

// Assembler builds report messages.
type Assembler struct {
	NewContentID func() string
	Now          func() time.Time
}

// NewContentID returns a random content id in the inline domain.
func NewContentID() string {
	return uuid.NewString() + "@inline"
}

// Assemble builds the message for b. Each image gets a fresh content id and
// every {{cid:<name>}} token in the document is rewritten to cid:<id>.
func (a Assembler) Assemble(b bundle.Bundle, subject, to, from string) (Assembly, error) {
	if strings.TrimSpace(to) == "" {
		return Assembly{}, errors.New("recipient address is required")
	}
	if strings.TrimSpace(from) == "" {
		return Assembly{}, errors.New("sender address is required")
	}
	newCID := a.NewContentID
	if newCID == nil {
		newCID = NewContentID
	}
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}

	msg := &Message{
		Subject:   subject,
		From:      from,
		To:        to,
		Date:      now,
		MessageID: "<" + uuid.NewString() + "@reportflow>",
	}
	cids := make(map[string]string, len(b.Images))
	for _, img := range b.Images {
		if _, dup := cids[img.Name]; dup {
			continue
		}
		cid := newCID()
		cids[img.Name] = cid
		msg.Inline = append(msg.Inline, Part{
			Filename:    img.Name,
			ContentType: ContentTypeFor(img.Name),
			ContentID:   cid,
			Data:        img.Data,
		})
	}
	for _, att := range b.Attachments {
		msg.Attachments = append(msg.Attachments, Part{
			Filename:    att.Name,
			ContentType: ContentTypeBinary,
			Data:        att.Data,
		})
	}

	var unresolved []string
	msg.HTML = cidToken.ReplaceAllStringFunc(b.DocumentBody, func(tok string) string {
		name := cidToken.FindStringSubmatch(tok)[1]
		if cid, ok := cids[name]; ok {
			return "cid:" + cid
		}
		unresolved = append(unresolved, tok)
		return tok
	})

	out := Assembly{Message: msg}
	if len(unresolved) > 0 {
		out.Mismatch = &TemplateMismatch{Tokens: unresolved}
	}
	return out, nil
}
