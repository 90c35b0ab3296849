// ABOUTME: Formatting utilities for the terminal client
// ABOUTME: Renders chat lines, notices and file lists with lipgloss
package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aeolun/chatdrop/pkg/protocol"
)

var (
	PrimaryColor = lipgloss.Color("39")  // Blue
	SuccessColor = lipgloss.Color("42")  // Green
	ErrorColor   = lipgloss.Color("196") // Red
	MutedColor   = lipgloss.Color("243") // Gray

	TimestampStyle = lipgloss.NewStyle().Foreground(MutedColor)

	AuthorStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true)

	NoticeStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	SuccessStyle = lipgloss.NewStyle().Foreground(SuccessColor)
	ErrorStyle   = lipgloss.NewStyle().Foreground(ErrorColor).Bold(true)
)

// FormatBytes formats bytes into human-readable form (B, KB, MB, etc.)
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// SplitChatLine separates "<user>: <text>" relays from server notices such
// as "<user> joined the chat!". Notices return an empty author.
func SplitChatLine(text string) (author, body string) {
	name, rest, ok := strings.Cut(text, ": ")
	if !ok || name == "" || strings.ContainsAny(name, " ") {
		return "", text
	}
	return name, rest
}

// FormatMessage renders one envelope from the server for the terminal.
// A zero at omits the timestamp.
func FormatMessage(env *protocol.Envelope, at time.Time) string {
	var line string
	switch env.Kind {
	case protocol.KindChat:
		author, body := SplitChatLine(env.Text)
		if author == "" {
			line = NoticeStyle.Render("* " + body)
		} else {
			line = AuthorStyle.Render(author) + " " + body
		}
	case protocol.KindFileList:
		line = FormatFileList(protocol.ParseFileList(env.Text))
	case protocol.KindFileDownload:
		if env.IsFileNotFound() {
			line = ErrorStyle.Render(env.Text)
		} else {
			line = NoticeStyle.Render(fmt.Sprintf("* %s (%s)", env.Text, FormatBytes(env.PayloadLength)))
		}
	case protocol.KindLoginResult:
		line = ErrorStyle.Render("Login: " + env.Text)
	default:
		line = NoticeStyle.Render(fmt.Sprintf("* %s %s", env.Kind, env.Text))
	}

	if at.IsZero() {
		return line
	}
	return TimestampStyle.Render(at.Format("15:04")) + " " + line
}

// FormatFileList renders the shared file list, one name per line
func FormatFileList(names []string) string {
	if len(names) == 0 {
		return NoticeStyle.Render("* No files on the server")
	}

	var b strings.Builder
	b.WriteString(NoticeStyle.Render(fmt.Sprintf("* %d file(s) on the server:", len(names))))
	for _, name := range names {
		b.WriteString("\n  ")
		b.WriteString(name)
	}
	return b.String()
}

// FormatError renders a local error for the terminal
func FormatError(err error) string {
	return ErrorStyle.Render("! " + err.Error())
}

// FormatSuccess renders a local confirmation for the terminal
func FormatSuccess(text string) string {
	return SuccessStyle.Render(text)
}
