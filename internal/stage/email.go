package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"reportflow/internal/bundle"
	"reportflow/internal/locator"
	"reportflow/internal/logging"
	"reportflow/internal/mail"
)

// Email resolves a bundle, assembles the report message and sends it.
type Email struct {
	ReportsRoot   string
	Assembler     mail.Assembler
	Sender        mail.Sender
	Credentials   mail.Credentials
	To            string
	From          string
	SubjectPrefix string
	Logger        *slog.Logger
}

func (s Email) Name() string      { return NameEmail }
func (s Email) OutputKey() string { return "" }

// Subject formats the report subject for bundle id.
func Subject(prefix, id string) string {
	subject := "Model Report - " + id
	if p := strings.TrimSpace(prefix); p != "" {
		subject = p + " " + subject
	}
	return subject
}

func (s Email) Execute(ctx context.Context, trig Trigger) (string, error) {
	if s.Sender == nil {
		return "", errors.New("mail sender is required")
	}
	logger := logging.OrDiscard(s.Logger).With("run_id", trig.RunID, "stage", NameEmail)

	explicit, key := trig.Handoff()
	ref, err := locator.Resolve(explicit, s.ReportsRoot)
	if err != nil {
		return "", err
	}
	switch {
	case explicit == "":
		logger.Warn("no report handoff on trigger; using newest bundle", "bundle_id", ref.ID, "root", s.ReportsRoot)
	case ref.Fallback:
		logger.Warn("report handoff does not exist; using newest bundle", "key", key, "value", explicit, "bundle_id", ref.ID)
	default:
		logger.Info("report handoff resolved", "key", key, "bundle_id", ref.ID)
	}

	b, err := bundle.Load(ref.Dir)
	if err != nil {
		return "", err
	}
	asm, err := s.Assembler.Assemble(b, Subject(s.SubjectPrefix, b.ID), s.To, s.From)
	if err != nil {
		return "", fmt.Errorf("assemble message: %w", err)
	}
	if asm.Mismatch != nil {
		logger.Warn("report template mismatch", "tokens", asm.Mismatch.Tokens)
	}
	if err := s.Sender.Send(ctx, asm.Message, s.Credentials, s.To); err != nil {
		return "", err
	}
	logger.Info("report emailed", "bundle_id", b.ID, "to", s.To,
		"inline", len(asm.Message.Inline), "attachments", len(asm.Message.Attachments))
	return b.ID, nil
}
