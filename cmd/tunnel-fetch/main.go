package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go-tunnel/client"
	"go-tunnel/internal/logging"
	"go-tunnel/protocol"
	"go-tunnel/transport"
)

type fetchOptions struct {
	server  string
	method  string
	headers []string
	data    string
	token   string
	timeout time.Duration
	include bool
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &fetchOptions{}

	cmd := &cobra.Command{
		Use:   "tunnel-fetch [flags] URL",
		Short: "Fetch a URL through a tunnel server",
		Long: "Dial a tunnel server over WebSocket, send one HTTP request through it\n" +
			"and stream the response body to stdout.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			log, err := logging.New(logging.Options{Level: level})
			if err != nil {
				return err
			}
			defer log.Close()

			return fetch(cmd.Context(), log.Logger, opts, args[0], cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", envOr("TUNNEL_URL", "ws://localhost:8080/tunnel"), "tunnel server WebSocket URL")
	f.StringVarP(&opts.method, "method", "X", http.MethodGet, "HTTP method")
	f.StringArrayVarP(&opts.headers, "header", "H", nil, `request header, "Name: value" (repeatable)`)
	f.StringVarP(&opts.data, "data", "d", "", "request body; @file reads it from a file")
	f.StringVar(&opts.token, "token", os.Getenv("TUNNEL_TOKEN"), "bearer token for the tunnel server")
	f.DurationVar(&opts.timeout, "timeout", client.DefaultRequestTimeout, "time to wait for the response head")
	f.BoolVarP(&opts.include, "include", "i", false, "print status line and headers before the body")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging on stderr")

	return cmd
}

func fetch(ctx context.Context, log *zap.Logger, opts *fetchOptions, remote string, out io.Writer) error {
	payload, err := buildPayload(opts, remote)
	if err != nil {
		return err
	}

	header := http.Header{}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}

	ws, err := transport.DialWebSocket(ctx, opts.server, header)
	if err != nil {
		return err
	}
	conn := client.NewConnection(ws,
		client.WithLogger(log.Named("client")),
		client.WithRequestTimeout(opts.timeout),
	)
	defer conn.Close()

	start := time.Now()
	resp, err := conn.Request(ctx, payload)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer resp.Body.Close()

	log.Debug("response head",
		zap.Uint16("seq", resp.Seq),
		zap.Int("status", resp.Status),
		zap.Duration("elapsed", time.Since(start)),
	)

	if opts.include {
		writeHead(out, resp)
	}

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return errors.Wrapf(err, "read body after %d bytes", n)
	}
	log.Debug("body done", zap.Int64("bytes", n), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func buildPayload(opts *fetchOptions, remote string) (*protocol.HTTPRequestPayload, error) {
	headers := protocol.Headers{}
	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		headers[name] = append(headers[name], strings.TrimSpace(value))
	}

	payload := &protocol.HTTPRequestPayload{
		Method:         strings.ToUpper(opts.method),
		RequestHeaders: headers,
		Remote:         remote,
	}

	if opts.data != "" {
		body := opts.data
		if strings.HasPrefix(body, "@") {
			raw, err := os.ReadFile(strings.TrimPrefix(body, "@"))
			if err != nil {
				return nil, errors.Wrap(err, "read body file")
			}
			body = string(raw)
		}
		payload.Body = &body
	}
	return payload, nil
}

func writeHead(out io.Writer, resp *client.Response) {
	fmt.Fprintf(out, "HTTP %d %s\n", resp.Status, resp.StatusText)

	names := make([]string, 0, len(resp.Headers))
	for name := range resp.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.Headers[name] {
			fmt.Fprintf(out, "%s: %s\n", name, v)
		}
	}
	fmt.Fprintln(out)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tunnel-fetch: %v\n", err)
		os.Exit(1)
	}
}
