// Package logging holds slog helpers shared by the SDK packages.
package logging

import (
	"io"
	"log/slog"
)

// RequestKind labels the pipeline a request travels through.
type RequestKind string

const (
	RequestKindDefault        RequestKind = "default"
	RequestKindAuthentication RequestKind = "authentication"
	RequestKindMultipart      RequestKind = "multipart"
	RequestKindImage          RequestKind = "image"
	RequestKindDownload       RequestKind = "download"
	RequestKindBatch          RequestKind = "batch"
)

// WithClient scopes logger to one client.
func WithClient(logger *slog.Logger, appID string) *slog.Logger {
	return logger.With("app_id", appID).WithGroup("client")
}

// WithRequest scopes logger to one request.
func WithRequest(logger *slog.Logger, tag string, kind RequestKind) *slog.Logger {
	return logger.With("tag", tag, "kind", kind).WithGroup("request")
}

// WithBatch scopes logger to one batch commit of size calls.
func WithBatch(logger *slog.Logger, tag string, size int) *slog.Logger {
	return logger.With("tag", tag, "size", size).WithGroup("batch")
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// NewText builds a text logger writing to w, at debug level when verbose is set.
func NewText(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
