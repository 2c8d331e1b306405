// Package observability configures logging and metrics for the gateway.
//
// Logs always go to stderr through log/slog. Optionally they are also
// exported through the OpenTelemetry log pipeline (stdout, OTLP/HTTP or
// OTLP/gRPC), filtered to the same minimum level.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Log exporters accepted by Options.Exporter.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Options configures Instrument.
type Options struct {
	Level       slog.Level
	Format      string // text|json
	Exporter    string // none|stdout|otlp-http|otlp-grpc
	ServiceName string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// Instrument installs the default slog logger. The returned function flushes
// and stops the log exporter, if any.
func Instrument(ctx context.Context, opts Options) (func(context.Context) error, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var handler slog.Handler
	switch opts.Format {
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	case "text", "":
		handler = slog.NewTextHandler(out, handlerOpts)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", opts.Format)
	}

	shutdown := func(context.Context) error { return nil }

	if opts.Exporter != "" && opts.Exporter != ExporterNone {
		processor, err := newLogProcessor(ctx, opts.Exporter)
		if err != nil {
			return nil, err
		}

		provider := sdklog.NewLoggerProvider(
			sdklog.WithProcessor(minsev.NewLogProcessor(processor, severityFor(opts.Level))),
		)

		name := opts.ServiceName
		if name == "" {
			name = "schoolgate"
		}
		handler = fanout{handler, otelslog.NewHandler(name, otelslog.WithLoggerProvider(provider))}
		shutdown = provider.Shutdown
	}

	slog.SetDefault(slog.New(handler))
	return shutdown, nil
}

func newLogProcessor(ctx context.Context, exporter string) (sdklog.Processor, error) {
	switch exporter {
	case ExporterStdout:
		exp, err := stdoutlog.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout log exporter: %w", err)
		}
		return sdklog.NewSimpleProcessor(exp), nil
	case ExporterOTLPHTTP:
		// Endpoint and headers come from the standard OTEL_EXPORTER_OTLP_* variables
		exp, err := otlploghttp.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating otlp/http log exporter: %w", err)
		}
		return sdklog.NewBatchProcessor(exp), nil
	case ExporterOTLPGRPC:
		exp, err := otlploggrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating otlp/grpc log exporter: %w", err)
		}
		return sdklog.NewBatchProcessor(exp), nil
	default:
		return nil, fmt.Errorf("unsupported log exporter: %s", exporter)
	}
}

func severityFor(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
