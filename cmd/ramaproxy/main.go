// Command ramaproxy is a thin demonstrator for pkg/server: an HTTPS
// echo/proxy server with dynamically issued per-SNI certificates. It is
// not a configuration system in its own right (CLI packaging stays out of
// scope per the module's non-goals) — flags just populate the same
// server/tlsacceptor Config structs the library exposes.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ramaproxy/rama/pkg/httpconn"
	"github.com/ramaproxy/rama/pkg/httptype"
	"github.com/ramaproxy/rama/pkg/matcher"
	"github.com/ramaproxy/rama/pkg/server"
	"github.com/ramaproxy/rama/pkg/tlsacceptor"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr     string
		plain    bool
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "ramaproxy",
		Short: "Run a demo HTTPS echo/proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr, plain, logLevel)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8443", "listen address")
	cmd.Flags().BoolVar(&plain, "plaintext", false, "serve plain HTTP instead of TLS")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "logrus level (debug, info, warn, error)")
	return cmd
}

func runServe(ctx context.Context, addr string, plain bool, logLevel string) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	log.SetLevel(level)

	cfg := server.DefaultConfig()
	cfg.Logger = log
	cfg.HTTPConn = httpconn.DefaultConfig()

	if !plain {
		source, caCert, err := newDemoIssuer()
		if err != nil {
			return fmt.Errorf("building demo certificate issuer: %w", err)
		}
		log.WithField("ca_subject", caCert.Subject.CommonName).Info("issuing leaf certificates dynamically per SNI host")
		tlsCfg := tlsacceptor.DefaultConfig()
		tlsCfg.CaptureClientHello = true
		cfg.TLS = tlsacceptor.New(source, tlsCfg)
	}

	srv := server.New(cfg)
	registerRoutes(srv)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	log.WithFields(logrus.Fields{"addr": addr, "tls": !plain}).Info("ramaproxy listening")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx, ln)
}

// registerRoutes installs the demo routes: a health check and a request
// echo that reflects method, path, and headers back as the response body.
func registerRoutes(srv *server.Server) {
	srv.Handle(matcher.And(matcher.Method("GET"), matcher.Uri("/healthz")), server.HandlerFunc(healthHandler))
	srv.Handle(matcher.Custom(func(context.Context, *httptype.Request) bool { return true }), server.HandlerFunc(echoHandler))
}
