package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/chatdrop/pkg/protocol"
	"github.com/aeolun/chatdrop/pkg/transport"
)

const (
	defaultTCPPort = "12345"
	defaultWSPort  = "9090"
	dialTimeout    = 10 * time.Second

	// DefaultRequestTimeout bounds Login, ListFiles and Download
	DefaultRequestTimeout = 30 * time.Second

	messageBuffer = 256
)

// Connection is a client session with a chatdrop server. It is used once:
// after the read loop ends (Logout, Close or a lost stream) a new
// Connection is needed.
//
// Login, ListFiles and Download block until the matching response arrives.
// Everything else the server sends (chat lines, pushed file lists, late
// replies) is delivered on Messages.
type Connection struct {
	addr string
	dial func() (net.Conn, error)

	mu                  sync.RWMutex
	ch                  *protocol.Channel
	connected           bool
	username            string
	requestTimeout      time.Duration
	throttleBytesPerSec int
	err                 error

	pending  *pendingRequests
	messages chan *protocol.Envelope

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection creates a client for addr: "host[:port]" or "tcp://host[:port]"
// for the raw TCP transport, "ws://host[:port]" or "wss://host[:port]" for
// WebSocket
func NewConnection(addr string) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	return newConnection(dialConfig.display, dialConfig.dial), nil
}

func newConnection(display string, dial func() (net.Conn, error)) *Connection {
	return &Connection{
		addr:           display,
		dial:           dial,
		requestTimeout: DefaultRequestTimeout,
		pending:        newPendingRequests(),
		messages:       make(chan *protocol.Envelope, messageBuffer),
		closing:        make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// SetRequestTimeout changes how long blocking requests wait for a reply (0 = forever)
func (c *Connection) SetRequestTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestTimeout = d
}

// RequestTimeout returns the current request timeout
func (c *Connection) RequestTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requestTimeout
}

// SetThrottle sets bandwidth throttling in bytes per second (0 = no throttle).
// It applies to connections made after the call.
// Example: SetThrottle(3600) simulates 28.8kbps dial-up modem
func (c *Connection) SetThrottle(bytesPerSec int) {
	c.mu.Lock()
	c.throttleBytesPerSec = bytesPerSec
	c.mu.Unlock()

	if bytesPerSec > 0 {
		c.logf("Bandwidth throttling enabled: %d bytes/sec (~%.1f kbps)", bytesPerSec, float64(bytesPerSec*8)/1000)
	} else {
		c.logf("Bandwidth throttling disabled")
	}
}

// logf logs a message if a logger is set
func (c *Connection) logf(format string, args ...interface{}) {
	c.mu.RLock()
	logger := c.logger
	c.mu.RUnlock()

	if logger != nil {
		logger.Printf(format, args...)
	}
}

// Connect establishes the connection and starts the read loop
func (c *Connection) Connect() error {
	c.mu.RLock()
	started := c.ch != nil
	c.mu.RUnlock()
	if started {
		return fmt.Errorf("already connected")
	}

	c.logf("Connecting to %s...", c.addr)

	if c.dial == nil {
		return fmt.Errorf("no dialer configured")
	}

	conn, err := c.dial()
	if err != nil {
		c.logf("Connection failed: %v", err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.start(conn)
	c.logf("Connected successfully to %s", c.addr)
	return nil
}

// start wires conn into the connection and launches the read loop
func (c *Connection) start(conn net.Conn) {
	c.mu.Lock()
	// Build the chain: conn -> throttle (optional) -> counter
	var r io.Reader = conn
	var w io.Writer = conn
	if c.throttleBytesPerSec > 0 {
		r = newThrottledReader(r, c.throttleBytesPerSec)
		w = newThrottledWriter(w, c.throttleBytesPerSec)
	}
	metered := &meteredConn{
		Conn: conn,
		r:    &countingReader{r: r, counter: &c.bytesReceived},
		w:    &countingWriter{w: w, counter: &c.bytesSent},
	}

	ch := protocol.NewChannel(metered)
	ch.SetWriteTimeout(c.requestTimeout)
	ch.SetMaxFrame(protocol.MaxListFrameSize)
	c.ch = ch
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(ch)
}

// Close ends the session without a Logout and waits for the read loop
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })

	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()
	if ch == nil {
		return nil
	}

	// The read loop may already have closed it
	ch.Close()
	<-c.done
	return nil
}

// Done is closed when the read loop has ended
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the read loop ended: nil after Logout or Close,
// ErrConnectionLost (possibly wrapped) otherwise
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Messages delivers chat lines and any server envelope no request was
// waiting for. It is closed when the read loop ends.
func (c *Connection) Messages() <-chan *protocol.Envelope {
	return c.messages
}

// IsConnected returns whether the read loop is running
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Username returns the name accepted by the last successful Login
func (c *Connection) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// Login sends credentials and waits for the verdict. A rejected login
// returns false with a nil error; the session stays open for a retry.
func (c *Connection) Login(ctx context.Context, username, password string) (bool, error) {
	r, err := c.request(ctx, &protocol.Envelope{
		Kind:   protocol.KindLogin,
		Sender: username,
		Text:   password,
	}, protocol.KindLoginResult)
	if err != nil {
		return false, err
	}

	if r.env.Text != protocol.LoginSuccess {
		c.logf("Login as %s refused: %s", username, r.env.Text)
		return false, nil
	}

	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
	c.logf("Logged in as %s", username)
	return true, nil
}

// ListFiles asks for the names of all stored files
func (c *Connection) ListFiles(ctx context.Context) ([]string, error) {
	r, err := c.request(ctx, &protocol.Envelope{
		Kind:   protocol.KindFileList,
		Sender: c.Username(),
	}, protocol.KindFileList)
	if err != nil {
		return nil, err
	}
	return protocol.ParseFileList(r.env.Text), nil
}

// Download fetches a file's contents. A missing file gives ErrFileNotFound.
func (c *Connection) Download(ctx context.Context, name string) ([]byte, error) {
	r, err := c.request(ctx, &protocol.Envelope{
		Kind:   protocol.KindFileDownload,
		Sender: c.Username(),
		Text:   name,
	}, protocol.KindFileDownload)
	if err != nil {
		if errors.Is(err, ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
		}
		return nil, err
	}
	return r.payload, nil
}

// SendChat sends one chat line; the server relays it to everyone else
func (c *Connection) SendChat(text string) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}

	env := &protocol.Envelope{Kind: protocol.KindChat, Sender: c.Username(), Text: text}
	if err := ch.WriteEnvelope(env); err != nil {
		return fmt.Errorf("failed to send chat: %w", err)
	}
	c.logf("→ SEND: %s len=%d", env.Kind, len(text))
	return nil
}

// Upload streams size bytes from r to the server under name. The server
// sends no acknowledgement; success shows up as a pushed file list.
func (c *Connection) Upload(name string, r io.Reader, size int64) error {
	if size < 0 {
		return fmt.Errorf("invalid upload size %d", size)
	}

	ch, err := c.channel()
	if err != nil {
		return err
	}

	env := &protocol.Envelope{
		Kind:          protocol.KindFileUpload,
		Sender:        c.Username(),
		Text:          name,
		PayloadLength: uint64(size),
	}
	if err := ch.Send(env, r); err != nil {
		if errors.Is(err, protocol.ErrStreamBroken) {
			// The channel hung up so the server drops the partial file
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			return fmt.Errorf("failed to upload %s: %w: %w", name, ErrConnectionLost, err)
		}
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	c.logf("→ SEND: %s %s (%d bytes)", env.Kind, name, size)
	return nil
}

// UploadFile uploads a local file under its base name
func (c *Connection) UploadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	return c.Upload(filepath.Base(path), f, info.Size())
}

// Logout tells the server the session is over, waits for it to hang up
// and closes the connection
func (c *Connection) Logout() error {
	ch, err := c.channel()
	if err != nil {
		return err
	}

	if err := ch.WriteEnvelope(&protocol.Envelope{Kind: protocol.KindLogout, Sender: c.Username()}); err != nil {
		c.Close()
		return fmt.Errorf("failed to send logout: %w", err)
	}

	var timeout <-chan time.Time
	if d := c.RequestTimeout(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-c.done:
	case <-timeout:
		c.logf("Server did not acknowledge logout")
	}
	return c.Close()
}

// channel returns the live channel or why there is none
func (c *Connection) channel() (*protocol.Channel, error) {
	c.mu.RLock()
	ch, connected := c.ch, c.connected
	c.mu.RUnlock()

	if ch == nil {
		return nil, ErrNotConnected
	}
	if !connected {
		return nil, ErrConnectionLost
	}
	select {
	case <-c.done:
		return nil, ErrConnectionLost
	default:
	}
	return ch, nil
}

// request sends env and waits for the next envelope of kind reply
func (c *Connection) request(ctx context.Context, env *protocol.Envelope, reply protocol.Kind) (response, error) {
	ch, err := c.channel()
	if err != nil {
		return response{}, err
	}

	slot, err := c.pending.acquire(reply)
	if err != nil {
		return response{}, err
	}

	if err := ch.WriteEnvelope(env); err != nil {
		c.pending.release(reply, slot)
		return response{}, fmt.Errorf("failed to send %s: %w", env.Kind, err)
	}
	c.logf("→ SEND: %s", env.Kind)

	if d := c.RequestTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	select {
	case r := <-slot:
		return r, r.err
	case <-c.done:
		// The read loop fails every slot before closing done
		select {
		case r := <-slot:
			return r, r.err
		default:
		}
		c.pending.release(reply, slot)
		return response{}, ErrConnectionLost
	case <-ctx.Done():
		c.pending.release(reply, slot)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return response{}, ErrRequestTimeout
		}
		return response{}, ctx.Err()
	}
}

// readLoop routes every envelope from the server until the stream ends
func (c *Connection) readLoop(ch *protocol.Channel) {
	err := c.receive(ch)

	ch.Close()
	c.pending.failAll(ErrConnectionLost)

	c.mu.Lock()
	c.connected = false
	c.err = err
	c.mu.Unlock()

	close(c.messages)
	close(c.done)
}

func (c *Connection) receive(ch *protocol.Channel) error {
	for {
		env, err := ch.ReadEnvelope()
		if err != nil {
			select {
			case <-c.closing:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				c.logf("Connection closed by server (EOF)")
				return ErrConnectionLost
			}
			c.logf("Read error: %v", err)
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}

		c.logf("← RECV: %s sender=%q len=%d payload=%d", env.Kind, env.Sender, len(env.Text), env.PayloadLength)

		switch env.Kind {
		case protocol.KindLoginResult, protocol.KindFileList:
			if !c.pending.resolve(env.Kind, response{env: env}) {
				c.deliver(env)
			}

		case protocol.KindFileDownload:
			if err := c.receiveDownload(ch, env); err != nil {
				return err
			}

		case protocol.KindLogout:
			c.logf("Server ended the session")
			return nil

		default:
			if env.PayloadLength > 0 {
				if _, err := ch.CopyPayload(io.Discard, env.PayloadLength); err != nil {
					return fmt.Errorf("%w: %v", ErrConnectionLost, err)
				}
			}
			c.deliver(env)
		}
	}
}

// receiveDownload reads a download response and its payload. The payload
// is always consumed, even when nobody waits for it any more.
func (c *Connection) receiveDownload(ch *protocol.Channel, env *protocol.Envelope) error {
	if env.IsFileNotFound() {
		if !c.pending.resolve(env.Kind, response{env: env, err: ErrFileNotFound}) {
			c.deliver(env)
		}
		return nil
	}

	if !c.pending.waiting(env.Kind) {
		if _, err := ch.CopyPayload(io.Discard, env.PayloadLength); err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		c.logf("Discarded unrequested download %s (%d bytes)", env.Text, env.PayloadLength)
		return nil
	}

	payload, err := ch.ReadPayload(env.PayloadLength)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	if !c.pending.resolve(env.Kind, response{env: env, payload: payload}) {
		c.logf("Discarded late download %s (%d bytes)", env.Text, len(payload))
	}
	return nil
}

// deliver queues env on Messages unless the connection is being closed
func (c *Connection) deliver(env *protocol.Envelope) {
	select {
	case c.messages <- env:
	case <-c.closing:
	}
}

// meteredConn routes reads and writes through the counting chain while
// keeping the conn's deadlines and Close
type meteredConn struct {
	net.Conn
	r io.Reader
	w io.Writer
}

func (m *meteredConn) Read(p []byte) (int, error) {
	return m.r.Read(p)
}

func (m *meteredConn) Write(p []byte) (int, error) {
	return m.w.Write(p)
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

// throttledReader wraps an io.Reader and limits read rate to bytesPerSec
type throttledReader struct {
	r            io.Reader
	bytesPerSec  int
	lastReadTime time.Time
	mu           sync.Mutex
}

func newThrottledReader(r io.Reader, bytesPerSec int) *throttledReader {
	return &throttledReader{
		r:            r,
		bytesPerSec:  bytesPerSec,
		lastReadTime: time.Now(),
	}
}

func (tr *throttledReader) Read(p []byte) (n int, err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	// Small reads keep the rate smooth
	maxChunkSize := tr.bytesPerSec / 10
	if maxChunkSize < 1 {
		maxChunkSize = 1
	}
	if len(p) > maxChunkSize {
		p = p[:maxChunkSize]
	}

	n, err = tr.r.Read(p)
	if n > 0 {
		elapsed := time.Since(tr.lastReadTime)
		expected := time.Duration(float64(n) / float64(tr.bytesPerSec) * float64(time.Second))
		if expected > elapsed {
			time.Sleep(expected - elapsed)
		}
		tr.lastReadTime = time.Now()
	}

	return n, err
}

// throttledWriter wraps an io.Writer and limits write rate to bytesPerSec
type throttledWriter struct {
	w             io.Writer
	bytesPerSec   int
	lastWriteTime time.Time
	mu            sync.Mutex
}

func newThrottledWriter(w io.Writer, bytesPerSec int) *throttledWriter {
	return &throttledWriter{
		w:             w,
		bytesPerSec:   bytesPerSec,
		lastWriteTime: time.Now(),
	}
}

func (tw *throttledWriter) Write(p []byte) (n int, err error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	chunkSize := tw.bytesPerSec / 10
	if chunkSize < 1 {
		chunkSize = 1
	}

	totalWritten := 0
	for totalWritten < len(p) {
		end := totalWritten + chunkSize
		if end > len(p) {
			end = len(p)
		}

		written, err := tw.w.Write(p[totalWritten:end])
		totalWritten += written
		if err != nil {
			return totalWritten, err
		}

		if totalWritten < len(p) {
			elapsed := time.Since(tw.lastWriteTime)
			expected := time.Duration(float64(written) / float64(tw.bytesPerSec) * float64(time.Second))
			if expected > elapsed {
				time.Sleep(expected - elapsed)
			}
			tw.lastWriteTime = time.Now()
		}
	}

	return totalWritten, nil
}

type dialConfig struct {
	display string
	dial    func() (net.Conn, error)
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			dial: func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, dialTimeout)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultWSPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"
		return &dialConfig{
			display: scheme + "://" + address,
			dial: func() (net.Conn, error) {
				conn, err := transport.Dial(address, useTLS)
				if err != nil {
					return nil, err
				}
				return conn, nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
