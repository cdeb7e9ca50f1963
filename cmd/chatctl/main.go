// Command chatctl is an operator console for the chat gateway. It runs a
// single-identity session or a multi-publisher admin session and reads
// commands from stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/chat"
	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/websocket"
)

type options struct {
	gatewayURL string
	apiURL     string
	apiToken   string
	signingKey string
	keyName    string
	handle     int64
	admin      bool
	publishers []string
	retry      time.Duration
	logLevel   string
}

func main() {
	var opts options
	pflag.StringVar(&opts.gatewayURL, "gateway", "ws://localhost:8080/ws", "websocket gateway URL")
	pflag.StringVar(&opts.apiURL, "api", os.Getenv("CHAT_API_BASE_URL"), "chat API base URL serving token requests")
	pflag.StringVar(&opts.apiToken, "token", os.Getenv("CHAT_API_TOKEN"), "bearer token for the chat API")
	pflag.StringVar(&opts.signingKey, "signing-key", "", "issue token requests locally with this key instead of calling the API")
	pflag.StringVar(&opts.keyName, "key-name", "hirechat", "token key name used with --signing-key")
	pflag.Int64Var(&opts.handle, "handle", 0, "participant handle to connect as")
	pflag.BoolVar(&opts.admin, "admin", false, "run a multi-publisher admin session")
	pflag.StringSliceVar(&opts.publishers, "publisher", nil, "publisher as id:handle[:name], repeatable (admin only)")
	pflag.DurationVar(&opts.retry, "retry", 5*time.Second, "reconnect backoff while disconnected")
	pflag.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		fmt.Fprintln(os.Stderr, "invalid --log-level:", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdin, os.Stdout, logger); err != nil {
		fmt.Fprintln(os.Stderr, "chatctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if opts.handle <= 0 {
		return fmt.Errorf("--handle is required")
	}

	tokens, err := tokenProvider(opts, logger)
	if err != nil {
		return err
	}
	dialer := websocket.NewDialer(opts.gatewayURL, websocket.WithDialerLogger(logger))
	chatOpts := []chat.Option{chat.WithLogger(logger), chat.WithRetryTimeout(opts.retry)}

	c := &console{out: out}
	if opts.admin {
		admin := domain.AdminUser{Identity: domain.Identity{Handle: opts.handle}}
		for _, raw := range opts.publishers {
			p, err := parsePublisher(raw)
			if err != nil {
				return err
			}
			admin.Publishers = append(admin.Publishers, p)
		}
		m := chat.NewMultiPublisherManager(dialer, tokens, chatOpts...)
		m.AddPublisherSwitchListener(func(e chat.PublisherSwitchEvent) {
			c.printf("* now operating as publisher %d (%s)", e.Current.ID, e.Current.Name)
		})
		if err := m.Initialize(ctx, admin); err != nil {
			return fmt.Errorf("initialize admin session: %w", err)
		}
		c.multi, c.session = m, m
	} else {
		m := chat.NewManager(dialer, tokens, chatOpts...)
		if err := m.Initialize(ctx, domain.Identity{Handle: opts.handle}); err != nil {
			return fmt.Errorf("initialize session: %w", err)
		}
		c.session = m
	}
	defer c.session.Disconnect(context.Background())

	c.session.AddMessageListener(c.onMessage)
	c.session.AddPresenceListener(func(handle int64, online bool) {
		c.printf("* %d is %s", handle, map[bool]string{true: "online", false: "offline"}[online])
	})
	c.printf("connected as %d, type help for commands", opts.handle)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.exec(ctx, line); quit {
				return nil
			}
		}
	}
}

func tokenProvider(opts options, logger *slog.Logger) (auth.TokenProvider, error) {
	if opts.signingKey != "" {
		ts, err := auth.NewTokenService(opts.signingKey, opts.keyName, time.Hour)
		if err != nil {
			return nil, err
		}
		role := domain.RoleApplicant
		if opts.admin {
			role = domain.RoleAdmin
		}
		return auth.NewLocalTokenProvider(ts, opts.handle, role), nil
	}
	if opts.apiURL == "" {
		return nil, fmt.Errorf("either --api or --signing-key is required")
	}
	return auth.NewHTTPTokenProvider(opts.apiURL, opts.apiToken, nil, logger), nil
}

// parsePublisher reads "id:handle[:name]"
func parsePublisher(raw string) (domain.Publisher, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 {
		return domain.Publisher{}, fmt.Errorf("invalid --publisher %q, want id:handle[:name]", raw)
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return domain.Publisher{}, fmt.Errorf("invalid publisher id in %q", raw)
	}
	handle, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return domain.Publisher{}, fmt.Errorf("invalid publisher handle in %q", raw)
	}
	p := domain.Publisher{ID: id, Handle: handle, IsActive: true}
	if len(parts) == 3 {
		p.Name = parts[2]
	}
	return p, p.Validate()
}
