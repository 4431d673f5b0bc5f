// Package logctx decorates slog records with operation-scoped attributes
// carried on the context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends the groups found on the
// record's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if od, ok := ctx.Value(operationKey{}).(*OperationData); ok {
		r.AddAttrs(slog.Group("op",
			slog.String("key", od.ContextKey),
			slog.Int("attempt", od.Attempt),
		))
	}

	if nd, ok := ctx.Value(networkKey{}).(*NetworkData); ok {
		r.AddAttrs(slog.Group("net",
			slog.Uint64("id", nd.NetworkID),
			slog.String("handle", nd.HandleID),
		))
	}

	if bd, ok := ctx.Value(batchKey{}).(*BatchData); ok {
		r.AddAttrs(slog.Group("batch",
			slog.Int("group", bd.Group),
			slog.Int("groups", bd.Groups),
			slog.Int("size", bd.Size),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns a logger whose handler is decorated by Handler. A nil logger
// wraps slog.Default().
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

type operationKey struct{}

type OperationData struct {
	ContextKey string
	Attempt    int
}

func WithOperation(ctx context.Context, data *OperationData) context.Context {
	return context.WithValue(ctx, operationKey{}, data)
}

type networkKey struct{}

type NetworkData struct {
	NetworkID uint64
	HandleID  string
}

func WithNetwork(ctx context.Context, data *NetworkData) context.Context {
	return context.WithValue(ctx, networkKey{}, data)
}

type batchKey struct{}

type BatchData struct {
	Group  int
	Groups int
	Size   int
}

func WithBatch(ctx context.Context, data *BatchData) context.Context {
	return context.WithValue(ctx, batchKey{}, data)
}
