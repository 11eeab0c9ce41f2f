// Command wsrelay runs a wsmessaging provider from the command line.
//
//	wsrelay serve --uri 127.0.0.1:8080
//	wsrelay connect --uri ws://127.0.0.1:8080/ --subject chat
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/chrisboulton/wsmessaging-go"
)

const (
	// shutdownTimeout bounds provider shutdown after a signal.
	shutdownTimeout = 5 * time.Second

	linkPollInterval = 500 * time.Millisecond
)

func main() {
	if err := loadEnv(os.Getenv("WSRELAY_ENV_FILE")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdin).Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wsrelay: %v\n", err)
		os.Exit(1)
	}
}

func newApp(stdin io.Reader) *cli.Command {
	return &cli.Command{
		Name:  "wsrelay",
		Usage: "relay broker messages over WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "TOML config file",
				Sources: cli.EnvVars("WSRELAY_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "uri",
				Usage:   "remote URI (connect) or bind address (serve)",
				Sources: cli.EnvVars("WSRELAY_URI"),
			},
			&cli.StringFlag{
				Name:    "auth-token",
				Usage:   "bearer token sent on connect",
				Sources: cli.EnvVars("WSRELAY_AUTH_TOKEN"),
			},
			&cli.DurationFlag{
				Name:    "connect-timeout",
				Usage:   "handshake timeout",
				Value:   wsmessaging.DefaultConnectTimeout,
				Sources: cli.EnvVars("WSRELAY_CONNECT_TIMEOUT"),
			},
			&cli.StringSliceFlag{
				Name:  "header",
				Usage: "extra handshake header as Name=Value (repeatable)",
			},
			&cli.BoolFlag{
				Name:    "no-session-tracking",
				Usage:   "do not fill reply_to with the session id in client mode",
				Sources: cli.EnvVars("WSRELAY_NO_SESSION_TRACKING"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "info",
				Sources: cli.EnvVars("WSRELAY_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "text or json",
				Value:   "text",
				Sources: cli.EnvVars("WSRELAY_LOG_FORMAT"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "accept WebSocket clients and echo their messages back",
				Action: runServe,
			},
			{
				Name:  "connect",
				Usage: "connect to a remote endpoint, publish stdin lines and print inbound messages",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "subject",
						Usage: "subject for published lines",
						Value: "message",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runConnect(ctx, cmd, stdin)
				},
			},
			{
				Name:  "config",
				Usage: "print the resolved provider config",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "mode",
						Usage: "client or server",
						Value: string(wsmessaging.ModeClient),
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					s, err := resolveSettings(cmd, wsmessaging.Mode(cmd.String("mode")))
					if err != nil {
						return err
					}
					if _, err := wsmessaging.ConfigFromMap(s.Values); err != nil {
						return err
					}
					printValues(cmd.Root().Writer, s.Values)
					return nil
				},
			},
		},
	}
}

// setup resolves settings and builds the provider for mode.
func setup(cmd *cli.Command, mode wsmessaging.Mode, opts ...wsmessaging.Option) (*wsmessaging.Provider, *slog.Logger, error) {
	s, err := resolveSettings(cmd, mode)
	if err != nil {
		return nil, nil, err
	}

	logger, err := newLogger(os.Stderr, s.LogLevel, s.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	p, err := wsmessaging.FromConfig(s.Values, append(opts, wsmessaging.WithLogger(logger))...)
	if err != nil {
		return nil, nil, err
	}
	return p, logger, nil
}

// shutdownOnDone shuts p down once ctx ends.
func shutdownOnDone(ctx context.Context, p *wsmessaging.Provider) error {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return p.Shutdown(shutdownCtx)
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	p, logger, err := setup(cmd, wsmessaging.ModeServer)
	if err != nil {
		return err
	}

	p.Handlers().Add("echo", &echoHandler{provider: p, logger: logger})

	if err := p.ReceiveLinkConfigAsSource(ctx, "echo", nil); err != nil {
		p.Shutdown(context.Background())
		return err
	}

	logger.Info("wsrelay serving", slog.String("addr", p.ServerAddr()))

	return shutdownOnDone(ctx, p)
}

func runConnect(ctx context.Context, cmd *cli.Command, stdin io.Reader) error {
	out := cmd.Root().Writer
	printer := wsmessaging.HandlerFunc(func(ctx context.Context, componentID string, msg wsmessaging.BrokerMessage) error {
		_, err := fmt.Fprintf(out, "%s: %s\n", msg.Subject, msg.Body)
		return err
	})

	p, logger, err := setup(cmd, wsmessaging.ModeClient, wsmessaging.WithHandler(printer))
	if err != nil {
		return err
	}

	for _, link := range []func(context.Context, string, map[string]string) error{
		p.ReceiveLinkConfigAsTarget,
		p.ReceiveLinkConfigAsSource,
	} {
		if err := link(ctx, "cli", nil); err != nil {
			p.Shutdown(context.Background())
			return err
		}
	}

	logger.Info("wsrelay connected", slog.String("uri", p.Config().URI))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The reader is not part of the group: a blocked stdin read must not
	// hold up shutdown.
	published := make(chan error, 1)
	go func() {
		defer cancel()
		published <- publishLines(p, cmd.String("subject"), stdin)
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return shutdownOnDone(ctx, p)
	})
	g.Go(func() error {
		return watchLink(ctx, p, "cli")
	})
	err = g.Wait()

	select {
	case perr := <-published:
		if err == nil {
			err = perr
		}
	default:
	}
	return err
}

// publishLines publishes every non-empty line of r until EOF.
func publishLines(p *wsmessaging.Provider, subject string, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		err := p.Publish("cli", wsmessaging.BrokerMessage{Subject: subject, Body: []byte(line)})
		if errors.Is(err, wsmessaging.ErrShutdown) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}
	return scanner.Err()
}

// watchLink fails once the remote side closes the component's connection.
func watchLink(ctx context.Context, p *wsmessaging.Provider, componentID string) error {
	ticker := time.NewTicker(linkPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ctx.Err() == nil && p.LinkState(componentID, wsmessaging.RoleTarget) == wsmessaging.LinkClosed {
				return errors.New("connection closed by peer")
			}
		}
	}
}

// echoHandler answers every message on the session it arrived on. Replies
// to a request inbox are sent on the inbox subject.
type echoHandler struct {
	provider *wsmessaging.Provider
	logger   *slog.Logger
}

func (h *echoHandler) HandleMessage(ctx context.Context, componentID string, msg wsmessaging.BrokerMessage) error {
	target, subject := msg.ReplyTo, msg.Subject
	if strings.HasPrefix(msg.ReplyTo, wsmessaging.InboxPrefix) {
		origin, ok := wsmessaging.SessionIDFromContext(ctx)
		if !ok {
			return errors.New("echo: request without origin session")
		}
		target, subject = origin, msg.ReplyTo
	}

	h.logger.Debug("echo",
		slog.String("session_id", target),
		slog.String("subject", subject),
		slog.Int("bytes", len(msg.Body)),
	)
	return h.provider.SendToSession(target, wsmessaging.BrokerMessage{
		Subject: subject,
		Body:    msg.Body,
	})
}
