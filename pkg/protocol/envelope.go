package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// Delimiter terminates every frame on the wire
	Delimiter = '\n'

	// MaxFrameSize is the largest encoded envelope accepted, delimiter included (64 KB)
	MaxFrameSize = 64 * 1024

	// MaxListFrameSize is the frame limit for FileList envelopes (16 MB).
	// FileList truncates longer lists so they always fit.
	MaxListFrameSize = 16 << 20

	// listFrameOverhead covers everything in a FileList frame except the names
	listFrameOverhead = 128

	// DefaultMaxPayload caps a single file payload (1 GB)
	DefaultMaxPayload = 1 << 30
)

// Well-known text values
const (
	ServerSender       = "Server"
	LoginSuccess       = "success"
	LoginFailure       = "failure"
	LoginUnauthorized  = "unauthorized"
	NoFiles            = "NO_FILES"
	FileNotFoundPrefix = "File not found:"
)

// Kind discriminates envelopes. Values are part of the wire format.
type Kind uint8

const (
	KindLogin        Kind = 0
	KindChat         Kind = 1
	KindFileList     Kind = 2
	KindFileUpload   Kind = 3
	KindFileDownload Kind = 4
	KindLoginResult  Kind = 5
	KindLogout       Kind = 6
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k <= KindLogout
}

func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "LOGIN"
	case KindChat:
		return "CHAT"
	case KindFileList:
		return "FILE_LIST"
	case KindFileUpload:
		return "FILE_UPLOAD"
	case KindFileDownload:
		return "FILE_DOWNLOAD"
	case KindLoginResult:
		return "LOGIN_RESULT"
	case KindLogout:
		return "LOGOUT"
	default:
		return "UNKNOWN"
	}
}

// Envelope is one protocol message.
// Wire format: a JSON object terminated by '\n', e.g.
//
//	{"type":1,"sender":"user1","content":"hello","fileLength":0}
//
// FileUpload envelopes and FileDownload responses are followed by exactly
// PayloadLength raw bytes.
type Envelope struct {
	Kind          Kind   `json:"type"`
	Sender        string `json:"sender"`
	Text          string `json:"content"`
	PayloadLength uint64 `json:"fileLength"`
}

// IsFileNotFound reports whether e is a FileDownload response for a missing file
func (e *Envelope) IsFileNotFound() bool {
	return e.Kind == KindFileDownload && strings.HasPrefix(e.Text, FileNotFoundPrefix)
}

// Encode serializes the envelope into a single frame, delimiter included.
// encoding/json escapes every control character inside strings, so field
// values may contain '\n'; the check below guards the invariant anyway.
func (e *Envelope) Encode() ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, e.Kind)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	if bytes.IndexByte(data, Delimiter) >= 0 {
		return nil, ErrDelimiterInFrame
	}

	limit := MaxFrameSize
	if e.Kind == KindFileList {
		limit = MaxListFrameSize
	}
	if len(data)+1 > limit {
		return nil, fmt.Errorf("%w: %s frame of %d bytes, limit %d", ErrFrameTooLarge, e.Kind, len(data)+1, limit)
	}

	return append(data, Delimiter), nil
}

// DecodeEnvelope parses one frame. A trailing delimiter is optional.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	frame = bytes.TrimSuffix(frame, []byte{Delimiter})

	if len(frame) == 0 {
		return nil, &ProtocolError{Err: fmt.Errorf("empty frame")}
	}

	var e Envelope
	if err := json.Unmarshal(frame, &e); err != nil {
		return nil, &ProtocolError{Err: err}
	}

	if !e.Kind.Valid() {
		return nil, &ProtocolError{Err: fmt.Errorf("%w: %d", ErrUnknownKind, e.Kind)}
	}

	return &e, nil
}

// Chat builds a server-originated chat line
func Chat(text string) *Envelope {
	return &Envelope{Kind: KindChat, Sender: ServerSender, Text: text}
}

// FileList builds a file list response; an empty list becomes NO_FILES.
// The list stops at the last name that keeps the frame within
// MaxListFrameSize, so names past that point are not announced.
func FileList(names []string) *Envelope {
	var b strings.Builder
	budget := MaxListFrameSize - listFrameOverhead
	for _, name := range names {
		cost := escapedLen(name)
		if b.Len() > 0 {
			cost++
		}
		if cost > budget {
			break
		}
		budget -= cost

		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
	}

	text := b.String()
	if text == "" {
		text = NoFiles
	}
	return &Envelope{Kind: KindFileList, Sender: ServerSender, Text: text}
}

// escapedLen is the length of s once encoded as a JSON string, quotes excluded
func escapedLen(s string) int {
	data, err := json.Marshal(s)
	if err != nil {
		return len(s)
	}
	return len(data) - 2
}

// ParseFileList is the inverse of FileList
func ParseFileList(text string) []string {
	if text == "" || text == NoFiles {
		return []string{}
	}
	return strings.Split(text, ",")
}

// FileNotFound builds the download response for a missing file
func FileNotFound(name string) *Envelope {
	return &Envelope{Kind: KindFileDownload, Sender: ServerSender, Text: FileNotFoundPrefix + " " + name}
}
