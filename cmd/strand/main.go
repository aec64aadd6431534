// Command strand runs the HTTP echo / WebSocket chat example server on
// top of the strand runtime.
package main

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/irgordon/strand"
	"github.com/irgordon/strand/internal/config"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

// chatFilter is the shared broadcast channel both WebSocket and SSE
// clients join.
const chatFilter uint64 = 1

func main() {
	app := cli.NewApp()
	app.Name = "strand"
	app.Usage = "HTTP echo example server (WebSocket chat + SSE broadcast)"
	app.Version = VERSION
	app.ArgsUsage = "[listen URL: tcp://host:port | host:port | unix:///path | /path]"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "threads, t", Usage: "number of worker threads for application callbacks"},
		cli.IntFlag{Name: "workers, w", Usage: "number of worker processes (accepted; single-process build)"},
		cli.StringFlag{Name: "public, www", Usage: "public folder for static file service (not served by this build)"},
		cli.IntFlag{Name: "max-line", Usage: "request line limit, in KiB"},
		cli.IntFlag{Name: "max-header", Usage: "total header limit per request, in KiB"},
		cli.IntFlag{Name: "max-body", Usage: "total payload limit per request, in MiB"},
		cli.IntFlag{Name: "keep-alive, k", Usage: "HTTP keep-alive timeout in seconds (0..255)"},
		cli.BoolFlag{Name: "log, v", Usage: "log HTTP requests"},
		cli.IntFlag{Name: "ws-max-msg", Usage: "incoming WebSocket message limit, in KiB"},
		cli.IntFlag{Name: "timeout, ping", Usage: "WebSocket / SSE ping interval, in seconds (0..255)"},
		cli.StringFlag{Name: "tls-cert", Usage: "SSL/TLS certificate .pem file"},
		cli.StringFlag{Name: "tls-key", Usage: "SSL/TLS private key .pem file"},
		cli.StringFlag{Name: "tls-name", Usage: "host name for the SSL/TLS certificate"},
		cli.StringFlag{Name: "tls-password", Usage: "password for the SSL/TLS private key"},
		cli.BoolFlag{Name: "verbose, V", Usage: "print debugging messages"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := config.Load()
	mergeFlags(cfg, c)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.TLSCert != "" {
		// TLS termination rides on a registered stream transform; this
		// build ships none.
		return cli.NewExitError("tls: no stream transform registered for --tls-cert/--tls-key", 1)
	}
	if cfg.Workers > 0 {
		logger.Info("worker processes requested; single-process build runs one", "workers", cfg.Workers)
	}
	if cfg.Public != "" {
		logger.Warn("static file serving is not part of this build", "public", cfg.Public)
	}

	srv, err := strand.Listen(cfg.Listen, strand.ListenConfig{
		Logger:        logger,
		Threads:       cfg.Threads,
		MaxLineLen:    cfg.MaxLineLen,
		MaxHeaderSize: cfg.MaxHeaderSize,
		MaxHeaders:    cfg.MaxHeaders,
		MaxBodySize:   cfg.MaxBodySize,
		KeepAlive:     uint8(cfg.KeepAlive),
		WSMaxMsgSize:  cfg.WSMaxMsgSize,
		WSTimeout:     uint8(cfg.WSTimeout),
		LogRequests:   cfg.LogRequests,

		OnHTTP: echo,
		OnOpen: func(p *strand.Peer) {
			p.SubscribeFilter(chatFilter)
		},
		OnMessage: func(p *strand.Peer, data []byte, isText bool) {
			p.Server().PublishFilter(chatFilter, data)
		},
		OnPeerShutdown: func(p *strand.Peer) {
			_ = p.Write([]byte("Server going away, goodbye!"), true)
		},
	})
	if err != nil {
		logger.Error("FATAL: could not open listening socket", "error", err)
		return cli.NewExitError(err.Error(), 1)
	}

	// Graceful exit on SIGINT/SIGTERM; broken pipes are handled per-IO.
	signal.Ignore(syscall.SIGPIPE)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info("shutdown signal received")
		srv.Shutdown()
	}()

	logger.Info("strand example server active",
		"listen", srv.Addr().String(),
		"threads", cfg.Threads,
	)
	if err := srv.Run(); err != nil {
		logger.Error("CRITICAL: reactor crashed", "error", err)
		return cli.NewExitError(err.Error(), 1)
	}
	logger.Info("shutdown complete")
	return nil
}

// echo answers every request with its own serialized form, the way the
// reference echo server does: request line, headers, then the body.
func echo(h *strand.Handle) {
	var out []byte
	out = append(out, h.RequestLine()...)
	out = append(out, "\r\n"...)
	h.ReqHeaders().Each(func(name, value string) bool {
		out = append(out, name...)
		out = append(out, ": "...)
		out = append(out, value...)
		out = append(out, "\r\n"...)
		return true
	})
	if h.Body().Len() > 0 {
		_, _ = h.Body().Seek(0, 0)
		body, _ := h.Body().Bytes(-1)
		out = append(out, "\r\n"...)
		out = append(out, body...)
		out = append(out, "\r\n"...)
	}

	// A stable etag per path keeps repeated requests cacheable.
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(h.Path))
	_ = h.SetHeader("etag", fmt.Sprintf("%x", hash.Sum64()))
	_ = h.SetHeader("content-length", fmt.Sprintf("%d", len(out)))

	_ = h.Write(out)
	_ = h.Finish()
}

func mergeFlags(cfg *config.Config, c *cli.Context) {
	if c.NArg() > 0 {
		cfg.Listen = c.Args().First()
	}
	if c.IsSet("threads") {
		cfg.Threads = c.Int("threads")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("public") {
		cfg.Public = c.String("public")
	}
	if c.IsSet("max-line") {
		cfg.MaxLineLen = c.Int("max-line") * 1024
	}
	if c.IsSet("max-header") {
		cfg.MaxHeaderSize = c.Int("max-header") * 1024
	}
	if c.IsSet("max-body") {
		cfg.MaxBodySize = int64(c.Int("max-body")) * 1024 * 1024
	}
	if c.IsSet("keep-alive") {
		cfg.KeepAlive = c.Int("keep-alive")
	}
	if c.IsSet("log") {
		cfg.LogRequests = true
	}
	if c.IsSet("ws-max-msg") {
		cfg.WSMaxMsgSize = int64(c.Int("ws-max-msg")) * 1024
	}
	if c.IsSet("timeout") {
		cfg.WSTimeout = c.Int("timeout")
	}
	if c.IsSet("tls-cert") {
		cfg.TLSCert = c.String("tls-cert")
	}
	if c.IsSet("tls-key") {
		cfg.TLSKey = c.String("tls-key")
	}
	if c.IsSet("tls-name") {
		cfg.TLSName = c.String("tls-name")
	}
	if c.IsSet("tls-password") {
		cfg.TLSPassword = c.String("tls-password")
	}
	if c.IsSet("verbose") {
		cfg.Verbose = true
	}
}
