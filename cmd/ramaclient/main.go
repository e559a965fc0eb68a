// Command ramaclient sends raw HTTP requests through the library's
// Sender, printing the response plus connection and timing metadata. It
// doubles as a manual probe for connection pooling (--repeat N reuses the
// pool across requests) and protocol selection (--protocol http/2 forces
// the HTTP/2 path).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	rama "github.com/ramaproxy/rama"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		scheme   string
		host     string
		port     int
		path     string
		protocol string
		proxyURL string
		insecure bool
		reuse    bool
		repeat   int
		reqFile  string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "ramaclient",
		Short: "Send raw HTTP/1.1 or HTTP/2 requests and print timings",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.New()
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log.SetLevel(level)

			opts := rama.Options{
				Scheme:          scheme,
				Host:            host,
				Port:            port,
				Protocol:        protocol,
				InsecureTLS:     insecure,
				ReuseConnection: reuse || repeat > 1,
				ConnTimeout:     10 * time.Second,
				ReadTimeout:     30 * time.Second,
			}
			if proxyURL != "" {
				opts.Proxy = rama.ParseProxyURL(proxyURL)
				if opts.Proxy == nil {
					return fmt.Errorf("invalid proxy URL %q", proxyURL)
				}
			}

			req, err := buildRequest(reqFile, path, host)
			if err != nil {
				return err
			}

			sender := rama.NewSender()
			for i := 0; i < repeat; i++ {
				if err := sendOnce(cmd.Context(), sender, req, opts, log); err != nil {
					return err
				}
			}

			if repeat > 1 {
				stats := sender.PoolStats()
				log.WithFields(logrus.Fields{
					"active":  stats.ActiveConns,
					"idle":    stats.IdleConns,
					"reused":  stats.TotalReused,
					"created": stats.TotalCreated,
				}).Info("connection pool after run")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scheme, "scheme", "https", "target scheme (http, https)")
	cmd.Flags().StringVar(&host, "host", "", "target host (required)")
	cmd.Flags().IntVar(&port, "port", 443, "target port")
	cmd.Flags().StringVar(&path, "path", "/", "request path for the generated GET")
	cmd.Flags().StringVar(&protocol, "protocol", "", "force protocol (http/1.1, http/2)")
	cmd.Flags().StringVar(&proxyURL, "proxy", "", "upstream proxy URL (http://, socks4://, socks5://)")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().BoolVar(&reuse, "reuse", false, "keep the connection pooled between requests")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "send the request N times over the same pool")
	cmd.Flags().StringVar(&reqFile, "request-file", "", "raw request file to send instead of a generated GET")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "logrus level (debug, info, warn, error)")
	cmd.MarkFlagRequired("host")
	return cmd
}

// buildRequest loads the raw request from file, or generates a minimal
// GET when no file was given.
func buildRequest(reqFile, path, host string) ([]byte, error) {
	if reqFile != "" {
		raw, err := os.ReadFile(reqFile)
		if err != nil {
			return nil, fmt.Errorf("reading request file: %w", err)
		}
		return raw, nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&sb, "Host: %s\r\n", host)
	sb.WriteString("Connection: keep-alive\r\n")
	sb.WriteString("\r\n")
	return []byte(sb.String()), nil
}

func sendOnce(ctx context.Context, sender *rama.Sender, req []byte, opts rama.Options, log *logrus.Logger) error {
	resp, err := sender.Do(ctx, req, opts)
	if err != nil {
		return fmt.Errorf("request failed (%s): %w", rama.GetErrorType(err), err)
	}

	log.WithFields(logrus.Fields{
		"status":    resp.StatusCode,
		"version":   resp.HTTPVersion,
		"reused":    resp.ConnectionReused,
		"ip":        resp.ConnectedIP,
		"tls":       resp.TLSVersion,
		"proxy":     resp.ProxyAddr,
		"dns":       resp.Timings.DNSLookup,
		"tcp":       resp.Timings.TCPConnect,
		"handshake": resp.Timings.TLSHandshake,
		"ttfb":      resp.Timings.TTFB,
		"total":     resp.Timings.TotalTime,
	}).Info("response")

	if log.IsLevelEnabled(logrus.DebugLevel) && resp.Raw != nil {
		fmt.Fprintln(os.Stderr, string(resp.Raw.Bytes()))
	}
	return nil
}
