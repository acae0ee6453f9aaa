package app

import (
	"context"
	"log/slog"
)

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is the single notification shape every component reports
// through, so the UI layer never special-cases per component. Ref, when
// set, is a reference id for manual recovery (e.g. a payment reference
// after an unknown commit outcome).
type Notice struct {
	Level   NoticeLevel
	Code    string
	Message string
	Ref     string
}

// Notifier receives terminal failures and user-visible state changes.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// LogNotifier writes notices to a structured logger. The production
// default; UIs plug in their own Notifier.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Notify(ctx context.Context, n Notice) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"code", n.Code, "ref", n.Ref}
	switch n.Level {
	case NoticeError:
		logger.ErrorContext(ctx, n.Message, attrs...)
	case NoticeWarning:
		logger.WarnContext(ctx, n.Message, attrs...)
	default:
		logger.InfoContext(ctx, n.Message, attrs...)
	}
}
