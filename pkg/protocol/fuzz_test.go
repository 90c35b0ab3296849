package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// FuzzDecodeEnvelope fuzzes the frame decoder with random bytes
func FuzzDecodeEnvelope(f *testing.F) {
	f.Add([]byte(`{"type":1,"sender":"user1","content":"hello","fileLength":0}`))
	f.Add([]byte(`{"type":3,"content":"a.txt","fileLength":5}` + "\n"))
	f.Add([]byte(`{"type":9}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`[1,2,3]`))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		env, err := DecodeEnvelope(data)
		if err != nil {
			if !IsProtocolError(err) {
				t.Fatalf("decode error is not a ProtocolError: %v", err)
			}
			return
		}

		// Anything that decodes must encode to a frame that decodes the same
		frame, err := env.Encode()
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				return
			}
			t.Fatalf("re-encode failed: %v", err)
		}
		again, err := DecodeEnvelope(frame)
		if err != nil {
			t.Fatalf("re-decode failed: %v", err)
		}
		if *again != *env {
			t.Fatalf("round trip changed envelope: %+v != %+v", again, env)
		}
	})
}

// FuzzReadEnvelope fuzzes the stream reader; it must never panic or hang
func FuzzReadEnvelope(f *testing.F) {
	f.Add([]byte(`{"type":0,"sender":"user1","content":"1234","fileLength":0}` + "\n"))
	f.Add([]byte(`{"type":4,"content":"f","fileLength":3}` + "\nabc"))
	f.Add([]byte("\n\n\n"))
	f.Add([]byte(`{"type":1`))

	f.Fuzz(func(t *testing.T, data []byte) {
		ch := NewChannel(&readOnly{bytes.NewReader(data)})
		ch.SetMaxPayload(1 << 16)

		for {
			env, err := ch.ReadEnvelope()
			if err != nil {
				return
			}
			if env.PayloadLength > 0 {
				if _, err := ch.CopyPayload(io.Discard, env.PayloadLength); err != nil {
					return
				}
			}
		}
	})
}

// readOnly adapts a reader for NewChannel
type readOnly struct {
	io.Reader
}

func (readOnly) Write(p []byte) (int, error) {
	return len(p), nil
}
