package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatdrop/pkg/database"
	"github.com/aeolun/chatdrop/pkg/filestore"
	"github.com/aeolun/chatdrop/pkg/protocol"
	"github.com/aeolun/chatdrop/pkg/transport"
)

const readTimeout = 5 * time.Second

// startTestServer starts a real server on a random port backed by an
// in-memory store and the default static users
func startTestServer(t *testing.T, mutate func(*ServerConfig)) (*Server, string, *filestore.MemStore) {
	t.Helper()

	config := DefaultConfig()
	config.TCPPort = 0
	config.HTTPPort = 0
	config.WriteTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&config)
	}

	files := filestore.NewMemStore()
	srv, err := NewServer(config, database.NewStaticCredentials(database.DefaultUsers()), files)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return srv, srv.Addr().String(), files
}

// rawClient speaks the wire protocol directly
type rawClient struct {
	t    *testing.T
	conn net.Conn
	ch   *protocol.Channel
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ch := protocol.NewChannel(conn)
	ch.SetMaxFrame(protocol.MaxListFrameSize)
	return &rawClient{t: t, conn: conn, ch: ch}
}

func (c *rawClient) send(env *protocol.Envelope) {
	c.t.Helper()
	require.NoError(c.t, c.ch.WriteEnvelope(env))
}

func (c *rawClient) upload(name string, data []byte) {
	c.t.Helper()
	env := &protocol.Envelope{Kind: protocol.KindFileUpload, Sender: "ignored", Text: name, PayloadLength: uint64(len(data))}
	require.NoError(c.t, c.ch.Send(env, bytes.NewReader(data)))
}

func (c *rawClient) read() (*protocol.Envelope, error) {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	defer c.conn.SetReadDeadline(time.Time{})
	return c.ch.ReadEnvelope()
}

func (c *rawClient) expect(kind protocol.Kind) *protocol.Envelope {
	c.t.Helper()
	env, err := c.read()
	require.NoError(c.t, err)
	require.Equal(c.t, kind, env.Kind, "unexpected envelope %+v", env)
	return env
}

// expectChat skips envelopes other than chat lines (list pushes) until text arrives
func (c *rawClient) expectChat(text string) {
	c.t.Helper()
	for {
		env, err := c.read()
		require.NoError(c.t, err, "waiting for chat %q", text)
		require.NotEqual(c.t, protocol.KindFileDownload, env.Kind)
		if env.Kind == protocol.KindChat {
			require.Equal(c.t, text, env.Text)
			return
		}
	}
}

func (c *rawClient) expectClosed() {
	c.t.Helper()
	for {
		env, err := c.read()
		if err != nil {
			// EOF, or a reset when the server closed with unread input
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.t.Fatal("connection still open")
			}
			return
		}
		require.NotEqual(c.t, protocol.KindFileDownload, env.Kind)
	}
}

// login connects, authenticates and returns the client
func login(t *testing.T, addr, user string) *rawClient {
	t.Helper()
	c := dialRaw(t, addr)
	c.send(&protocol.Envelope{Kind: protocol.KindLogin, Sender: user, Text: "1234"})
	res := c.expect(protocol.KindLoginResult)
	require.Equal(t, protocol.LoginSuccess, res.Text)
	return c
}

// syncList performs a FileList round trip; anything broadcast to this client
// before the request was handled is returned first
func (c *rawClient) syncList() []string {
	c.t.Helper()
	c.send(&protocol.Envelope{Kind: protocol.KindFileList})
	env := c.expect(protocol.KindFileList)
	return protocol.ParseFileList(env.Text)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoginScenarioChatUploadDownload(t *testing.T) {
	_, addr, _ := startTestServer(t, nil)

	a := login(t, addr, "user1")
	b := login(t, addr, "user2")
	a.expectChat("user2 joined the chat!")

	a.send(&protocol.Envelope{Kind: protocol.KindChat, Sender: "user1", Text: "hello"})
	b.expectChat("user1: hello")

	a.upload("a.txt", []byte("hello"))
	b.expectChat("user1 uploaded file a.txt")

	// B sees the pushed list, then its own request
	pushed := b.expect(protocol.KindFileList)
	assert.Equal(t, []string{"a.txt"}, protocol.ParseFileList(pushed.Text))
	assert.Contains(t, b.syncList(), "a.txt")

	b.send(&protocol.Envelope{Kind: protocol.KindFileDownload, Text: "a.txt"})
	meta := b.expect(protocol.KindFileDownload)
	assert.Equal(t, "a.txt", meta.Text)
	assert.Equal(t, uint64(5), meta.PayloadLength)

	data, err := b.ch.ReadPayload(meta.PayloadLength)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// Stream is still in sync after the payload
	assert.Equal(t, []string{"a.txt"}, b.syncList())
}

func TestLoginFailureAllowsRetry(t *testing.T) {
	_, addr, _ := startTestServer(t, nil)

	c := dialRaw(t, addr)
	c.send(&protocol.Envelope{Kind: protocol.KindLogin, Sender: "user1", Text: "wrong"})
	assert.Equal(t, protocol.LoginFailure, c.expect(protocol.KindLoginResult).Text)

	c.send(&protocol.Envelope{Kind: protocol.KindLogin, Sender: "nobody", Text: "1234"})
	assert.Equal(t, protocol.LoginFailure, c.expect(protocol.KindLoginResult).Text)

	c.send(&protocol.Envelope{Kind: protocol.KindLogin, Sender: "user1", Text: "1234"})
	assert.Equal(t, protocol.LoginSuccess, c.expect(protocol.KindLoginResult).Text)

	// A second login on the same session is refused
	c.send(&protocol.Envelope{Kind: protocol.KindLogin, Sender: "user2", Text: "1234"})
	assert.Equal(t, protocol.LoginFailure, c.expect(protocol.KindLoginResult).Text)
}

func TestRequestsBeforeLoginAreRejected(t *testing.T) {
	srv, addr, files := startTestServer(t, nil)

	for _, kind := range []protocol.Kind{protocol.KindChat, protocol.KindFileList, protocol.KindFileDownload} {
		t.Run(kind.String(), func(t *testing.T) {
			c := dialRaw(t, addr)
			c.send(&protocol.Envelope{Kind: kind, Text: "x"})
			assert.Equal(t, protocol.LoginUnauthorized, c.expect(protocol.KindLoginResult).Text)
			c.expectClosed()
		})
	}

	t.Run("upload", func(t *testing.T) {
		c := dialRaw(t, addr)
		c.upload("sneaky.txt", []byte("data"))
		assert.Equal(t, protocol.LoginUnauthorized, c.expect(protocol.KindLoginResult).Text)
		c.expectClosed()

		names, err := files.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	waitFor(t, func() bool { return srv.Sessions().Count() == 0 })
}

func TestChatNotEchoedToSender(t *testing.T) {
	_, addr, _ := startTestServer(t, nil)

	a := login(t, addr, "user1")
	b := login(t, addr, "user2")
	a.expectChat("user2 joined the chat!")

	a.send(&protocol.Envelope{Kind: protocol.KindChat, Sender: "user1", Text: "one"})
	b.expectChat("user1: one")

	// If the chat had been echoed it would arrive before this response
	a.send(&protocol.Envelope{Kind: protocol.KindFileList})
	a.expect(protocol.KindFileList)
}

func TestChatUsesLoginName(t *testing.T) {
	_, addr, _ := startTestServer(t, nil)

	a := login(t, addr, "user1")
	b := login(t, addr, "user2")
	a.expectChat("user2 joined the chat!")

	a.send(&protocol.Envelope{Kind: protocol.KindChat, Sender: "user5", Text: "spoof"})
	b.expectChat("user1: spoof")
}

func TestChatTooLong(t *testing.T) {
	_, addr, _ := startTestServer(t, func(c *ServerConfig) { c.MaxMessageLength = 8 })

	a := login(t, addr, "user1")
	b := login(t, addr, "user2")
	a.expectChat("user2 joined the chat!")

	a.send(&protocol.Envelope{Kind: protocol.KindChat, Text: "way too long for the limit"})
	a.expectChat("Message too long")

	a.send(&protocol.Envelope{Kind: protocol.KindChat, Text: "short"})
	b.expectChat("user1: short")
}

func TestUploadDownloadSizes(t *testing.T) {
	_, addr, files := startTestServer(t, nil)
	c := login(t, addr, "user1")

	for _, size := range []int{0, 1, 4096*3 + 17} {
		t.Run(fmt.Sprintf("%d_bytes", size), func(t *testing.T) {
			data := make([]byte, size)
			for i := range data {
				data[i] = byte(i * 7)
			}
			name := fmt.Sprintf("f%d.bin", size)

			c.upload(name, data)
			// The uploader receives the refreshed list
			assert.Contains(t, protocol.ParseFileList(c.expect(protocol.KindFileList).Text), name)

			stored, err := filestore.ReadAll(context.Background(), files, name)
			require.NoError(t, err)
			assert.Equal(t, data, stored)

			c.send(&protocol.Envelope{Kind: protocol.KindFileDownload, Text: name})
			meta := c.expect(protocol.KindFileDownload)
			require.Equal(t, uint64(size), meta.PayloadLength)

			got, err := c.ch.ReadPayload(meta.PayloadLength)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestDownloadNotFoundHasNoPayload(t *testing.T) {
	_, addr, _ := startTestServer(t, nil)
	c := login(t, addr, "user1")

	c.send(&protocol.Envelope{Kind: protocol.KindFileDownload, Text: "missing.txt"})
	resp := c.expect(protocol.KindFileDownload)
	assert.True(t, resp.IsFileNotFound())
	assert.Equal(t, "File not found: missing.txt", resp.Text)
	assert.Zero(t, resp.PayloadLength)

	// The very next bytes are a frame, not payload
	assert.Equal(t, []string{}, c.syncList())
}

func TestUploadInvalidNameKeepsStreamInSync(t *testing.T) {
	_, addr, files := startTestServer(t, nil)
	c := login(t, addr, "user1")

	c.upload("../escape.txt", []byte("payload bytes"))
	env := c.expect(protocol.KindChat)
	assert.True(t, strings.HasPrefix(env.Text, "Upload rejected: "), env.Text)

	assert.Equal(t, []string{}, c.syncList())

	names, err := files.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestUploadTooLargeClosesSession(t *testing.T) {
	_, addr, _ := startTestServer(t, func(c *ServerConfig) { c.MaxUploadBytes = 10 })
	c := login(t, addr, "user1")

	c.send(&protocol.Envelope{Kind: protocol.KindFileUpload, Text: "big.bin", PayloadLength: 11})
	env := c.expect(protocol.KindChat)
	assert.True(t, strings.HasPrefix(env.Text, "Upload rejected: "))
	c.expectClosed()
}

func TestIncompleteUploadClosesSessionAndStoresNothing(t *testing.T) {
	srv, addr, files := startTestServer(t, nil)
	a := login(t, addr, "user1")
	b := login(t, addr, "user2")
	a.expectChat("user2 joined the chat!")

	frame, err := (&protocol.Envelope{Kind: protocol.KindFileUpload, Text: "cut.bin", PayloadLength: 100}).Encode()
	require.NoError(t, err)
	_, err = a.conn.Write(append(frame, []byte("only ten b")...))
	require.NoError(t, err)
	a.conn.(*net.TCPConn).CloseWrite()

	b.expectChat("user1 left the chat.")
	waitFor(t, func() bool { return srv.Sessions().Count() == 1 })

	names, err := files.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestConcurrentUploadsEachStoredOnce(t *testing.T) {
	_, addr, files := startTestServer(t, nil)
	users := []string{"user1", "user2", "user3", "user4", "user5"}

	clients := make([]*rawClient, len(users))
	for i, u := range users {
		clients[i] = login(t, addr, u)
	}

	// Nobody reads until every upload is written; the notices fit in the
	// socket buffers
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *rawClient) {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte('a' + i)}, 5000+i)
			env := &protocol.Envelope{Kind: protocol.KindFileUpload, Text: fmt.Sprintf("upload-%d.bin", i), PayloadLength: uint64(len(data))}
			if err := c.ch.Send(env, bytes.NewReader(data)); err != nil {
				t.Errorf("upload %d: %v", i, err)
			}
		}(i, c)
	}
	wg.Wait()

	for i, c := range clients {
		// Every upload pushes one list to every session, the uploader included
		pushes := 0
		for pushes < len(users) {
			env, err := c.read()
			require.NoError(t, err, "client %d waiting for list pushes", i)
			require.NotEqual(t, protocol.KindFileDownload, env.Kind)
			if env.Kind == protocol.KindFileList {
				pushes++
			}
		}

		// With the pushes consumed, the next list is the answer to this request
		counts := make(map[string]int)
		for _, name := range c.syncList() {
			counts[name]++
		}
		assert.Len(t, counts, len(users), "client %d", i)
		for j := range users {
			assert.Equal(t, 1, counts[fmt.Sprintf("upload-%d.bin", j)], "client %d sees upload-%d.bin", i, j)
		}
	}

	for i := range users {
		data, err := filestore.ReadAll(context.Background(), files, fmt.Sprintf("upload-%d.bin", i))
		require.NoError(t, err)
		assert.Len(t, data, 5000+i)
	}
}

func TestFileListLargerThanChatFrame(t *testing.T) {
	srv, addr, files := startTestServer(t, nil)
	ctx := context.Background()

	var want []string
	for i := 0; i < 300; i++ {
		name := fmt.Sprintf("%s-%03d.txt", strings.Repeat("f", 236), i)
		require.NoError(t, files.Write(ctx, name, strings.NewReader("x"), 1))
		want = append(want, name)
	}

	a := login(t, addr, "user1")
	b := login(t, addr, "user2")
	a.expectChat("user2 joined the chat!")

	assert.Equal(t, want, b.syncList())

	a.upload("one-more.txt", []byte("more"))
	b.expectChat("user1 uploaded file one-more.txt")
	pushed := protocol.ParseFileList(b.expect(protocol.KindFileList).Text)
	assert.Len(t, pushed, len(want)+1)
	assert.Contains(t, pushed, "one-more.txt")

	assert.Equal(t, pushed, protocol.ParseFileList(a.expect(protocol.KindFileList).Text))
	assert.Equal(t, 2, srv.Sessions().Count())
}

func TestLogoutRemovesSessionOnce(t *testing.T) {
	srv, addr, _ := startTestServer(t, nil)

	a := login(t, addr, "user1")
	b := login(t, addr, "user2")
	a.expectChat("user2 joined the chat!")

	a.send(&protocol.Envelope{Kind: protocol.KindLogout, Sender: "user1"})
	a.expect(protocol.KindLogout)
	a.expectClosed()

	b.expectChat("user1 left the chat.")
	waitFor(t, func() bool { return srv.Sessions().Count() == 1 })

	// Exactly one departure notice: the next thing B sees is its own response
	assert.Equal(t, []string{}, b.syncList())
}

func TestDisconnectWithoutLogoutAnnouncesDeparture(t *testing.T) {
	_, addr, _ := startTestServer(t, nil)

	a := login(t, addr, "user1")
	b := login(t, addr, "user2")
	a.expectChat("user2 joined the chat!")

	a.conn.Close()
	b.expectChat("user1 left the chat.")
}

func TestUnauthenticatedDisconnectIsSilent(t *testing.T) {
	srv, addr, _ := startTestServer(t, nil)

	b := login(t, addr, "user2")
	anon := dialRaw(t, addr)
	waitFor(t, func() bool { return srv.Sessions().Count() == 2 })
	anon.conn.Close()
	waitFor(t, func() bool { return srv.Sessions().Count() == 1 })

	assert.Equal(t, []string{}, b.syncList())
}

func TestStopSendsLogout(t *testing.T) {
	srv, addr, _ := startTestServer(t, nil)
	a := login(t, addr, "user1")

	require.NoError(t, srv.Stop())
	a.expect(protocol.KindLogout)
	a.expectClosed()

	// Stop is idempotent
	require.NoError(t, srv.Stop())
}

func TestMalformedFrameClosesSession(t *testing.T) {
	_, addr, _ := startTestServer(t, nil)
	c := dialRaw(t, addr)

	_, err := c.conn.Write([]byte("{not json}\n"))
	require.NoError(t, err)
	c.expectClosed()
}

func TestWebSocketSession(t *testing.T) {
	srv, addr, _ := startTestServer(t, nil)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	tcpClient := login(t, addr, "user2")

	ws, err := transport.Dial(strings.TrimPrefix(httpSrv.URL, "http://"), false)
	require.NoError(t, err)
	defer ws.Close()
	wsCh := protocol.NewChannel(ws)

	require.NoError(t, wsCh.WriteEnvelope(&protocol.Envelope{Kind: protocol.KindLogin, Sender: "user1", Text: "1234"}))
	res, err := wsCh.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, protocol.LoginSuccess, res.Text)

	tcpClient.expectChat("user1 joined the chat!")

	require.NoError(t, wsCh.WriteEnvelope(&protocol.Envelope{Kind: protocol.KindChat, Text: "over websocket"}))
	tcpClient.expectChat("user1: over websocket")
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv, addr, files := startTestServer(t, nil)
	require.NoError(t, files.Write(context.Background(), "x.txt", strings.NewReader("x"), 1))
	login(t, addr, "user1")

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, float64(1), health["files"])
	assert.Equal(t, float64(1), health["authenticated_sessions"])

	mresp, err := http.Get(httpSrv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatdrop_active_sessions 1")
	assert.Contains(t, string(body), `chatdrop_auth_results_total{outcome="success"} 1`)
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(DefaultConfig(), nil, filestore.NewMemStore())
	assert.Error(t, err)

	_, err = NewServer(DefaultConfig(), database.StaticCredentials{}, nil)
	assert.Error(t, err)
}
