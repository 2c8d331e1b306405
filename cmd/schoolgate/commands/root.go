package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/schoolgate/internal/app"
	"github.com/florianilch/schoolgate/internal/gateway"
	"github.com/florianilch/schoolgate/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "schoolgate",
		Usage: "Authenticated gateway for the school dashboard API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "upstream--base-url",
				Usage: "dashboard API base URL",
				Value: app.DefaultConfigUpstreamBaseURL,
			},
			&cli.StringFlag{
				Name:  "storage--type",
				Usage: "credential storage (file|keyring|memory|redis)",
				Value: string(app.DefaultConfigStorage),
			},
			&cli.StringFlag{
				Name:  "tenant--hint",
				Usage: "tenant subdomain to use for every request",
			},
		},
		Commands: []*cli.Command{
			proxyStartCommand(),
			loginCommand(),
			logoutCommand(),
			requestCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

// setup loads configuration, installs logging and wires the application.
// The returned cleanup flushes logs and releases the store.
func setup(ctx context.Context, cmd *cli.Command) (*app.App, func(), error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdownTelemetry, err := observability.Instrument(ctx, observability.Options{
		Level:    cfg.LogLevel,
		Format:   string(cfg.LogFormat),
		Exporter: cfg.Telemetry.LogsExporter,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		_ = shutdownTelemetry(context.Background())
		return nil, nil, fmt.Errorf("failed to create app: %w", err)
	}

	cleanup := func() {
		if err := application.Close(); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
		if err := shutdownTelemetry(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, "failed to flush logs:", err)
		}
	}
	return application, cleanup, nil
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func proxyStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "serve the local proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "server port",
				Value: int(app.DefaultConfigServerPort),
			},
			&cli.BoolFlag{
				Name:  "metrics--enabled",
				Usage: "serve Prometheus metrics",
			},
		},
		Action: proxyStartAction,
	}
}

func proxyStartAction(ctx context.Context, cmd *cli.Command) error {
	application, cleanup, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "sign in and store the access token",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "email",
				Usage:    "account email",
				Required: true,
			},
		},
		Action: loginAction,
	}
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	password, err := readPassword(os.Stdin, os.Stderr)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"email":    cmd.String("email"),
		"password": password,
	})
	if err != nil {
		return err
	}

	application, cleanup, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := application.Client().Login(ctx, payload); err != nil {
		if errors.Is(err, gateway.ErrAuthenticationRejected) {
			return errors.New("invalid email or password")
		}
		return fmt.Errorf("login failed: %w", err)
	}

	_, _ = fmt.Fprintln(stdout(cmd), "signed in")
	return nil
}

// readPassword prompts on a terminal without echo, or reads one line otherwise.
func readPassword(in *os.File, prompt io.Writer) (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		_, _ = fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(prompt)
		return string(b), err
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "end the session",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "forget",
				Usage: "also forget the remembered tenant",
			},
		},
		Action: logoutAction,
	}
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	application, cleanup, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := application.Client().Logout(ctx); err != nil {
		// The local session is cleared regardless
		slog.WarnContext(ctx, "upstream logout failed", "error", err)
	}
	if cmd.Bool("forget") {
		if err := application.Forget(ctx); err != nil {
			return err
		}
	}

	_, _ = fmt.Fprintln(stdout(cmd), "signed out")
	return nil
}

func requestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "send one request through the gateway",
		ArgsUsage: "METHOD PATH",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data",
				Usage: "JSON request body",
			},
			&cli.StringFlag{
				Name:  "as-tenant",
				Usage: "tenant for this request only",
			},
			&cli.BoolFlag{
				Name:  "no-redirect",
				Usage: "do not navigate to the unauthorized page on 403",
			},
		},
		Action: requestAction,
	}
}

func requestAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("expected METHOD PATH, got %d arguments", cmd.Args().Len())
	}
	method := strings.ToUpper(cmd.Args().Get(0))
	path := cmd.Args().Get(1)

	var body []byte
	if data := cmd.String("data"); data != "" {
		if !json.Valid([]byte(data)) {
			return errors.New("--data must be valid JSON")
		}
		body = []byte(data)
	}

	application, cleanup, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	req := gateway.Request{
		Method:                method,
		Path:                  path,
		Body:                  body,
		Tenant:                cmd.String("as-tenant"),
		SkipForbiddenRedirect: cmd.Bool("no-redirect"),
		Header:                http.Header{"Accept": []string{"application/json"}},
	}
	resp, err := application.Client().Send(ctx, req)
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && len(gwErr.Body) > 0 {
			_, _ = fmt.Fprintln(os.Stderr, string(gwErr.Body))
		}
		if errors.Is(err, gateway.ErrSessionExpired) || errors.Is(err, gateway.ErrRefreshFailed) {
			return fmt.Errorf("session ended, run `schoolgate login`: %w", err)
		}
		return err
	}

	_, _ = stdout(cmd).Write(resp.Body)
	if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
		_, _ = fmt.Fprintln(stdout(cmd))
	}
	return nil
}
