package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ramaproxy/rama/pkg/buffer"
	"github.com/ramaproxy/rama/pkg/httptype"
)

func healthHandler(_ context.Context, _ *httptype.Request) (*httptype.Response, error) {
	resp := httptype.NewResponse(http.StatusOK)
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Body = textBody("ok\n")
	return resp, nil
}

// echoHandler reflects the request line, headers, and body back as the
// response body, a "show me what arrived" probe for exercising a raw
// connection end to end.
func echoHandler(_ context.Context, req *httptype.Request) (*httptype.Response, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s\r\n", req.Method, req.URL.RequestURI(), req.Proto)
	req.Header.Range(func(name, value string) bool {
		fmt.Fprintf(&sb, "%s: %s\r\n", name, value)
		return true
	})
	sb.WriteString("\r\n")

	if body, err := req.Body.Reader(); err == nil {
		defer body.Close()
		io.Copy(&sb, body)
	}

	resp := httptype.NewResponse(http.StatusOK)
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Body = textBody(sb.String())
	return resp, nil
}

func textBody(s string) *httptype.Body {
	buf := buffer.New(int64(len(s)) + 1)
	buf.Write([]byte(s))
	return httptype.NewBufferedBody(buf)
}
