package http2

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ramaproxy/rama/pkg/constants"
	"github.com/ramaproxy/rama/pkg/errors"
	"github.com/ramaproxy/rama/pkg/transport"
)

// ClientPreface is the 24-byte HTTP/2 client connection preface sent
// before any frame.
const ClientPreface = constants.HTTP2Preface

// Transport establishes and registers HTTP/2 connections. Unlike the
// HTTP/1.1 pool, HTTP/2 connections are multiplexed rather than leased
// exclusively, so the registry is a keyed map of live connections shared
// by concurrent requests, with a background health checker pinging idle
// entries and dropping dead ones.
type Transport struct {
	registry map[string]*Connection
	mu       sync.RWMutex
	options  *Options

	// dialer provides the shared proxy-tunnel dialing (HTTP CONNECT,
	// SOCKS4/5) so the two protocol stacks don't each carry their own.
	dialer *transport.Transport

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTransport returns a Transport using opts as its defaults. Invalid
// options are replaced by defaults rather than failing construction;
// per-request options are validated again at Connect time.
func NewTransport(opts *Options) *Transport {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := ValidateOptions(opts); err != nil {
		opts.logger().WithError(err).Warn("invalid HTTP/2 options, falling back to defaults")
		opts = DefaultOptions()
	}

	t := &Transport{
		registry: make(map[string]*Connection),
		options:  opts,
		dialer:   transport.New(),
		stopCh:   make(chan struct{}),
	}

	t.wg.Add(1)
	go t.healthChecker()

	return t
}

// healthChecker periodically pings idle registered connections and drops
// the ones that stopped answering or sat idle too long.
func (t *Transport) healthChecker() {
	defer t.wg.Done()

	ticker := time.NewTicker(constants.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.checkConnectionHealth()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Transport) checkConnectionHealth() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for addr, conn := range t.registry {
		conn.mu.RLock()
		idleTime := now.Sub(conn.LastActivity)
		closed := conn.Closed
		conn.mu.RUnlock()

		if closed {
			delete(t.registry, addr)
			continue
		}

		if idleTime > constants.MaxConnectionIdleTime {
			conn.Close()
			delete(t.registry, addr)
			continue
		}

		if idleTime > constants.DefaultPingInterval {
			pingData := [8]byte{0, 0, 0, 0, 0, 0, 0, byte(now.Unix())}
			conn.mu.Lock()
			err := conn.Framer.WritePing(false, pingData)
			if err == nil {
				conn.LastActivity = now
			}
			conn.mu.Unlock()
			if err != nil {
				conn.Close()
				delete(t.registry, addr)
			}
		}
	}
}

// Connect returns a ready HTTP/2 connection to host:port, reusing a
// registered one when opts.ReuseConnection is set. The per-request opts
// take precedence over the transport's defaults.
func (t *Transport) Connect(ctx context.Context, host string, port int, scheme string, opts *Options) (*Connection, error) {
	if opts == nil {
		opts = t.options
	}
	if err := ValidateOptions(opts); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	if opts.ReuseConnection {
		if conn := t.lookupReady(addr); conn != nil {
			conn.mu.Lock()
			conn.Reused = true
			conn.mu.Unlock()
			return conn, nil
		}
	}

	rawConn, err := t.dialRaw(ctx, addr, host, scheme, opts)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		Conn:          rawConn,
		Framer:        http2.NewFramer(rawConn, rawConn),
		Streams:       make(map[uint32]*Stream),
		NextStreamID:  1,
		MaxConcurrent: opts.MaxConcurrentStreams,
		WindowSize:    int32(opts.InitialWindowSize),
		Settings:      make(map[http2.SettingID]uint32),
		PeerSettings:  make(map[http2.SettingID]uint32),
		LastActivity:  time.Now(),
		RegistryKey:   addr,
	}

	// HPACK contexts are connection-scoped; a fresh pair per connection.
	conn.EncoderBuf = &bytes.Buffer{}
	conn.Encoder = hpack.NewEncoder(conn.EncoderBuf)
	conn.Encoder.SetMaxDynamicTableSize(opts.HeaderTableSize)
	conn.Decoder = hpack.NewDecoder(opts.HeaderTableSize, nil)

	if err := t.sendInitialSettings(conn, opts); err != nil {
		rawConn.Close()
		return nil, errors.NewProtocolError("HTTP/2 settings handshake", err)
	}
	conn.Ready = true

	if opts.ReuseConnection {
		t.mu.Lock()
		// Another goroutine may have registered a connection for addr
		// while we were handshaking; prefer the established one.
		if existing, exists := t.registry[addr]; exists && existing.Ready && !existing.Closed {
			t.mu.Unlock()
			conn.Close()
			return existing, nil
		}
		t.registry[addr] = conn
		t.mu.Unlock()
	}

	return conn, nil
}

// lookupReady returns the registered connection for addr once it is
// ready, waiting briefly for an in-flight handshake by another caller.
func (t *Transport) lookupReady(addr string) *Connection {
	t.mu.RLock()
	conn, exists := t.registry[addr]
	t.mu.RUnlock()
	if !exists {
		return nil
	}

	for i := 0; i < 100; i++ {
		conn.mu.RLock()
		ready, closed := conn.Ready, conn.Closed
		conn.mu.RUnlock()
		if closed {
			t.mu.Lock()
			if t.registry[addr] == conn {
				delete(t.registry, addr)
			}
			t.mu.Unlock()
			return nil
		}
		if ready {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// dialRaw establishes the byte stream an HTTP/2 connection will run
// over: a TCP leg (direct or through the shared proxy dialer), TLS with
// ALPN for https, and the client preface.
func (t *Transport) dialRaw(ctx context.Context, addr, host, scheme string, opts *Options) (net.Conn, error) {
	var tcpConn net.Conn
	var err error

	if opts.Proxy != nil {
		tcpConn, _, err = t.dialer.DialTunnel(ctx, convertProxyConfig(opts.Proxy), addr, constants.DefaultConnTimeout)
	} else {
		dialer := &net.Dialer{Timeout: constants.DefaultConnTimeout}
		tcpConn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.NewConnectionError(host, 0, err)
	}

	if scheme != "https" {
		return t.establishH2C(tcpConn, addr, opts)
	}

	tlsConn, err := t.establishTLS(ctx, tcpConn, host, opts)
	if err != nil {
		tcpConn.Close()
		return nil, err
	}

	if _, err := tlsConn.Write([]byte(ClientPreface)); err != nil {
		tlsConn.Close()
		return nil, errors.NewIOError("sending HTTP/2 preface", err)
	}
	return tlsConn, nil
}

// establishTLS layers an ALPN-h2 TLS session over tcpConn.
func (t *Transport) establishTLS(ctx context.Context, tcpConn net.Conn, serverName string, opts *Options) (net.Conn, error) {
	var tlsConfig *tls.Config
	if opts.TLSConfig != nil {
		tlsConfig = opts.TLSConfig.Clone()
		if len(tlsConfig.NextProtos) == 0 {
			tlsConfig.NextProtos = []string{"h2", "http/1.1"}
		} else if !containsProto(tlsConfig.NextProtos, "h2") {
			// This transport can only speak h2; without it in the ALPN
			// list the handshake below would be rejected anyway. Callers
			// that mean "no HTTP/2" should select the protocol in their
			// request options instead.
			tlsConfig.NextProtos = append([]string{"h2"}, tlsConfig.NextProtos...)
		}
		if opts.InsecureTLS {
			tlsConfig.InsecureSkipVerify = true
		}
	} else {
		tlsConfig = &tls.Config{
			NextProtos:         []string{"h2", "http/1.1"},
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.InsecureTLS,
		}
	}
	transport.ConfigureSNI(tlsConfig, opts.SNI, opts.DisableSNI, serverName)

	clientCert, err := t.loadClientCertificate(opts)
	if err != nil {
		return nil, errors.NewTLSError(serverName, 0, err)
	}
	if clientCert != nil {
		tlsConfig.Certificates = append(tlsConfig.Certificates, *clientCert)
	}

	// Explicit TLSConfig values win over the option-level version bounds.
	if opts.MinTLSVersion > 0 && (opts.TLSConfig == nil || tlsConfig.MinVersion == 0) {
		tlsConfig.MinVersion = opts.MinTLSVersion
	}
	if opts.MaxTLSVersion > 0 && tlsConfig.MaxVersion == 0 {
		tlsConfig.MaxVersion = opts.MaxTLSVersion
	}
	if len(opts.CipherSuites) > 0 && len(tlsConfig.CipherSuites) == 0 {
		tlsConfig.CipherSuites = opts.CipherSuites
	}
	if opts.TLSRenegotiation != 0 {
		tlsConfig.Renegotiation = opts.TLSRenegotiation
	}

	tlsConn := tls.Client(tcpConn, tlsConfig)

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	tlsConn.SetDeadline(deadline)
	if err := tlsConn.Handshake(); err != nil {
		return nil, errors.NewTLSError(serverName, 0, err)
	}
	tlsConn.SetDeadline(time.Time{})

	state := tlsConn.ConnectionState()
	if state.NegotiatedProtocol != "h2" {
		tlsConn.Close()
		return nil, errors.NewProtocolError(
			fmt.Sprintf("server does not support HTTP/2 (negotiated: %s)", state.NegotiatedProtocol), nil)
	}

	return tlsConn, nil
}

// establishH2C sets up cleartext HTTP/2: either prior knowledge (preface
// straight away) or the HTTP/1.1 Upgrade: h2c dance.
func (t *Transport) establishH2C(conn net.Conn, addr string, opts *Options) (net.Conn, error) {
	if opts.EnableMultiplexing {
		if _, err := conn.Write([]byte(ClientPreface)); err != nil {
			conn.Close()
			return nil, errors.NewIOError("sending h2c preface", err)
		}
		return conn, nil
	}

	upgradeReq := t.buildH2CUpgradeRequest(addr, opts)
	if _, err := conn.Write(upgradeReq); err != nil {
		conn.Close()
		return nil, errors.NewIOError("sending h2c upgrade request", err)
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		conn.Close()
		return nil, errors.NewIOError("reading h2c upgrade response", err)
	}
	response := string(buf[:n])
	if len(response) < 12 || response[:12] != "HTTP/1.1 101" {
		conn.Close()
		return nil, errors.NewProtocolError(fmt.Sprintf("h2c upgrade refused: %s", firstLine(response)), nil)
	}

	if _, err := conn.Write([]byte(ClientPreface)); err != nil {
		conn.Close()
		return nil, errors.NewIOError("sending h2c preface after upgrade", err)
	}
	return conn, nil
}

// buildH2CUpgradeRequest builds the HTTP/1.1 upgrade request carrying our
// SETTINGS payload in the HTTP2-Settings header.
func (t *Transport) buildH2CUpgradeRequest(host string, opts *Options) []byte {
	builder := NewRawFrameBuilder()
	frame := builder.BuildSettingsFrame(t.settingsFor(opts), false)
	// Only the payload goes into the header, not the 9-byte frame header.
	settings := base64.RawURLEncoding.EncodeToString(frame[frameHeaderLen:])

	req := fmt.Sprintf(
		"GET / HTTP/1.1\r\n"+
			"Host: %s\r\n"+
			"Connection: Upgrade, HTTP2-Settings\r\n"+
			"Upgrade: h2c\r\n"+
			"HTTP2-Settings: %s\r\n"+
			"\r\n",
		host, settings)
	return []byte(req)
}

// settingsFor collects the SETTINGS values opts asks for.
func (t *Transport) settingsFor(opts *Options) map[http2.SettingID]uint32 {
	enablePush := uint32(0)
	if !opts.DisableServerPush {
		enablePush = 1
	}
	return map[http2.SettingID]uint32{
		http2.SettingHeaderTableSize:      opts.HeaderTableSize,
		http2.SettingEnablePush:           enablePush,
		http2.SettingMaxConcurrentStreams: opts.MaxConcurrentStreams,
		http2.SettingInitialWindowSize:    opts.InitialWindowSize,
		http2.SettingMaxFrameSize:         opts.MaxFrameSize,
		http2.SettingMaxHeaderListSize:    opts.MaxHeaderListSize,
	}
}

// sendInitialSettings performs the SETTINGS handshake: send ours, ACK the
// server's, wait for the server's ACK of ours, then open up the
// connection-level window.
func (t *Transport) sendInitialSettings(conn *Connection, opts *Options) error {
	enablePush := uint32(0)
	if !opts.DisableServerPush {
		enablePush = 1
	}
	settings := map[http2.SettingID]uint32{
		http2.SettingEnablePush:        enablePush,
		http2.SettingInitialWindowSize: opts.InitialWindowSize,
		http2.SettingMaxFrameSize:      opts.MaxFrameSize,
		http2.SettingMaxHeaderListSize: opts.MaxHeaderListSize,
	}
	for id, value := range settings {
		conn.Settings[id] = value
	}

	if opts.Debug.LogSettings {
		opts.logger().WithField("settings", settings).Debug("http2: sending SETTINGS")
	}

	if err := conn.Framer.WriteSettings(settingsSlice(settings)...); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}

	if err := t.waitForSettingsAck(conn, opts); err != nil {
		return err
	}

	if opts.InitialWindowSize > 65535 {
		increment := opts.InitialWindowSize - 65535
		if err := conn.Framer.WriteWindowUpdate(0, increment); err != nil {
			return fmt.Errorf("writing connection window update: %w", err)
		}
	}
	return nil
}

// waitForSettingsAck consumes frames until the server ACKs our SETTINGS,
// answering its SETTINGS and PINGs along the way. Bounded by a read
// deadline so a silent server can't hang the dial.
func (t *Transport) waitForSettingsAck(conn *Connection, opts *Options) error {
	deadline := time.Now().Add(constants.SettingsAckTimeout)
	if err := conn.Conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}
	defer conn.Conn.SetReadDeadline(time.Time{})

	for {
		frame, err := conn.Framer.ReadFrame()
		if err != nil {
			return fmt.Errorf("reading frame while waiting for SETTINGS ACK: %w", err)
		}

		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				return nil
			}
			if opts.Debug.LogSettings {
				opts.logger().Debug("http2: received server SETTINGS, sending ACK")
			}
			f.ForeachSetting(func(s http2.Setting) error {
				conn.PeerSettings[s.ID] = s.Val
				return nil
			})
			if err := conn.Framer.WriteSettingsAck(); err != nil {
				return fmt.Errorf("acking server settings: %w", err)
			}
		case *http2.WindowUpdateFrame:
			continue
		case *http2.PingFrame:
			if err := conn.Framer.WritePing(true, f.Data); err != nil {
				return fmt.Errorf("answering ping: %w", err)
			}
		case *http2.GoAwayFrame:
			return fmt.Errorf("server sent GOAWAY during handshake: last stream %d, error %v", f.LastStreamID, f.ErrCode)
		default:
			return fmt.Errorf("unexpected %T during SETTINGS handshake", frame)
		}
	}
}

// Close stops the health checker and closes every registered connection.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()

	var lastErr error
	for addr, conn := range t.registry {
		if err := conn.Close(); err != nil {
			lastErr = err
		}
		delete(t.registry, addr)
	}
	return lastErr
}

// CloseConnection closes and deregisters the connection for addr.
func (t *Transport) CloseConnection(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, exists := t.registry[addr]; exists {
		err := conn.Close()
		delete(t.registry, addr)
		return err
	}
	return nil
}

// RegistryStats snapshots the connection registry for observability.
func (t *Transport) RegistryStats() *RegistryStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := &RegistryStats{
		ActiveConnections: len(t.registry),
		Connections:       make(map[string]ConnectionStats),
	}

	for addr, conn := range t.registry {
		conn.mu.RLock()
		activeStreams := 0
		for _, stream := range conn.Streams {
			if !stream.Closed {
				activeStreams++
			}
		}
		stats.TotalStreams += len(conn.Streams)
		stats.Connections[addr] = ConnectionStats{
			Address:       addr,
			StreamsActive: activeStreams,
			StreamsTotal:  len(conn.Streams),
			LastActivity:  conn.LastActivity,
			Ready:         conn.Ready,
		}
		conn.mu.RUnlock()
	}
	return stats
}

// loadClientCertificate loads the mTLS client certificate from opts, from
// PEM bytes or files.
func (t *Transport) loadClientCertificate(opts *Options) (*tls.Certificate, error) {
	hasPEM := len(opts.ClientCertPEM) > 0 && len(opts.ClientKeyPEM) > 0
	hasFile := opts.ClientCertFile != "" && opts.ClientKeyFile != ""
	if !hasPEM && !hasFile {
		return nil, nil
	}

	certPEM, keyPEM := opts.ClientCertPEM, opts.ClientKeyPEM
	if !hasPEM {
		var err error
		certPEM, err = os.ReadFile(opts.ClientCertFile)
		if err != nil {
			return nil, fmt.Errorf("reading client certificate file %s: %w", opts.ClientCertFile, err)
		}
		keyPEM, err = os.ReadFile(opts.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading client key file %s: %w", opts.ClientKeyFile, err)
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client certificate/key: %w", err)
	}
	return &cert, nil
}

// convertProxyConfig maps the package's proxy config onto the shared
// transport's.
func convertProxyConfig(p *ProxyConfig) *transport.ProxyConfig {
	if p == nil {
		return nil
	}
	return &transport.ProxyConfig{
		Type:               p.Type,
		Host:               p.Host,
		Port:               p.Port,
		Username:           p.Username,
		Password:           p.Password,
		ConnTimeout:        p.ConnTimeout,
		ProxyHeaders:       p.ProxyHeaders,
		TLSConfig:          p.TLSConfig,
		ResolveDNSViaProxy: p.ResolveDNSViaProxy,
	}
}

func settingsSlice(settings map[http2.SettingID]uint32) []http2.Setting {
	result := make([]http2.Setting, 0, len(settings))
	for id, val := range settings {
		result = append(result, http2.Setting{ID: id, Val: val})
	}
	return result
}

func containsProto(protos []string, want string) bool {
	for _, p := range protos {
		if p == want {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' || s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
