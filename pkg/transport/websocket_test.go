package transport

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketStreamRoundTrip(t *testing.T) {
	srv := echoServer(t)

	conn, err := Dial(strings.TrimPrefix(srv.URL, "http://"), false)
	require.NoError(t, err)
	defer conn.Close()

	// Writes of varying sizes must come back as one contiguous stream
	var want bytes.Buffer
	for _, chunk := range []string{"a", "hello\n", strings.Repeat("x", 100000), "", "tail"} {
		_, err := conn.Write([]byte(chunk))
		require.NoError(t, err)
		want.WriteString(chunk)
	}

	got := make([]byte, want.Len())
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got)
}

func TestWebSocketSmallReads(t *testing.T) {
	srv := echoServer(t)

	conn, err := Dial(strings.TrimPrefix(srv.URL, "http://"), false)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("abcdef"))
	require.NoError(t, err)

	buf := make([]byte, 2)
	var got []byte
	for len(got) < 6 {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "abcdef", string(got))
}

func TestWebSocketCloseIsIdempotent(t *testing.T) {
	srv := echoServer(t)

	conn, err := Dial(strings.TrimPrefix(srv.URL, "http://"), false)
	require.NoError(t, err)

	conn.Close()
	conn.Close()

	_, err = conn.Write([]byte("late"))
	assert.Error(t, err)
}

func TestDialFailsWithoutServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")

	_, err := Dial(addr, false)
	assert.Error(t, err)
	srv.Close()
}
