package client

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aeolun/chatdrop/pkg/protocol"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0B"},
		{1023, "1023B"},
		{1024, "1.0KB"},
		{1536, "1.5KB"},
		{1 << 20, "1.0MB"},
		{1 << 30, "1.0GB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}

func TestSplitChatLine(t *testing.T) {
	author, body := SplitChatLine("user1: hello: world")
	assert.Equal(t, "user1", author)
	assert.Equal(t, "hello: world", body)

	author, body = SplitChatLine("user2 joined the chat!")
	assert.Equal(t, "", author)
	assert.Equal(t, "user2 joined the chat!", body)

	author, _ = SplitChatLine("Upload rejected: invalid file name: empty")
	assert.Equal(t, "", author, "a notice with a colon is not a relay")
}

func TestFormatMessage(t *testing.T) {
	chat := FormatMessage(protocol.Chat("user1: hi there"), time.Time{})
	assert.Contains(t, chat, "user1")
	assert.Contains(t, chat, "hi there")

	stamped := FormatMessage(protocol.Chat("user1 left the chat."), time.Date(2024, 1, 2, 15, 4, 0, 0, time.UTC))
	assert.Contains(t, stamped, "15:04")
	assert.Contains(t, stamped, "user1 left the chat.")

	list := FormatMessage(protocol.FileList([]string{"a.txt", "b.txt"}), time.Time{})
	assert.Contains(t, list, "2 file(s)")
	assert.Contains(t, list, "a.txt")

	empty := FormatMessage(protocol.FileList(nil), time.Time{})
	assert.Contains(t, empty, "No files")

	missing := FormatMessage(protocol.FileNotFound("x.txt"), time.Time{})
	assert.Contains(t, missing, "File not found: x.txt")
}

func TestFormatErrorAndSuccess(t *testing.T) {
	assert.True(t, strings.Contains(FormatError(errors.New("boom")), "boom"))
	assert.Contains(t, FormatSuccess("saved"), "saved")
}
