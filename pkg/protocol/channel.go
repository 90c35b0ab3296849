package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// copyBufferSize is the chunk size used when streaming payloads
const copyBufferSize = 4096

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Channel frames envelopes and raw payloads over a byte stream.
//
// Writes are serialized by a connection-local mutex so concurrent senders
// (the session loop and broadcasts from other sessions) never split a frame
// or slip a frame between an envelope and its payload. Reads are not locked:
// exactly one goroutine may read from a Channel.
type Channel struct {
	r      *bufio.Reader
	w      io.Writer
	closer io.Closer

	writeMu      sync.Mutex
	writeTimeout time.Duration
	broken       error // set once a write stops partway; guarded by writeMu
	maxPayload   uint64
	maxFrame     int
}

// NewChannel wraps rw. If rw is an io.Closer, Close closes it.
func NewChannel(rw io.ReadWriter) *Channel {
	c := &Channel{
		r:          bufio.NewReaderSize(rw, MaxFrameSize),
		w:          rw,
		maxPayload: DefaultMaxPayload,
		maxFrame:   MaxFrameSize,
	}
	if closer, ok := rw.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// SetMaxPayload sets the largest payload ReadPayload/PayloadReader will accept
func (c *Channel) SetMaxPayload(n uint64) {
	c.maxPayload = n
}

// SetMaxFrame sets the largest frame ReadEnvelope will accept. Clients
// raise it to MaxListFrameSize so long file lists can be read.
func (c *Channel) SetMaxFrame(n int) {
	c.maxFrame = n
}

// SetWriteTimeout bounds every write when the stream supports deadlines (0 = none)
func (c *Channel) SetWriteTimeout(d time.Duration) {
	c.writeMu.Lock()
	c.writeTimeout = d
	c.writeMu.Unlock()
}

// Close closes the underlying stream, unblocking any pending read or write
func (c *Channel) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// WriteEnvelope writes one frame atomically
func (c *Channel) WriteEnvelope(e *Envelope) error {
	frame, err := e.Encode()
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// WriteFrame writes a frame produced by Envelope.Encode. Broadcasts encode
// once and hand the same frame to every recipient.
func (c *Channel) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.write(frame)
}

// WritePayload writes raw bytes with no framing. The caller is responsible
// for sequencing it directly after the matching envelope; prefer Send.
func (c *Channel) WritePayload(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.write(p)
}

// Send writes an envelope followed by exactly e.PayloadLength bytes taken
// from payload, holding the write lock for the whole sequence. payload may be
// nil when PayloadLength is zero.
//
// If the payload cannot be delivered in full the stream is closed: the peer
// sees an incomplete transfer instead of reading later frames as file data.
func (c *Channel) Send(e *Envelope, payload io.Reader) error {
	if e.PayloadLength > 0 && payload == nil {
		return fmt.Errorf("envelope declares %d payload bytes but no payload given", e.PayloadLength)
	}

	frame, err := e.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.write(frame); err != nil {
		return err
	}
	if e.PayloadLength == 0 {
		return nil
	}

	written, err := io.CopyBuffer(deadlineWriter{c}, io.LimitReader(payload, int64(e.PayloadLength)), make([]byte, copyBufferSize))
	if err == nil && uint64(written) != e.PayloadLength {
		err = fmt.Errorf("payload source ended after %d of %d bytes", written, e.PayloadLength)
	}
	if err != nil {
		if c.broken == nil {
			c.abandon(err)
		}
		return c.broken
	}

	return nil
}

// write must be called with writeMu held
func (c *Channel) write(p []byte) error {
	if c.broken != nil {
		return c.broken
	}
	c.armDeadline()
	if _, err := c.w.Write(p); err != nil {
		c.abandon(err)
		return c.broken
	}
	return nil
}

// abandon closes the stream after a write stopped partway through a frame
// or payload. Later writes fail with ErrStreamBroken. Called with writeMu held.
func (c *Channel) abandon(cause error) {
	c.broken = fmt.Errorf("%w: %w", ErrStreamBroken, cause)
	if c.closer != nil {
		c.closer.Close()
	}
}

// armDeadline must be called with writeMu held
func (c *Channel) armDeadline() {
	if c.writeTimeout <= 0 {
		return
	}
	if d, ok := c.w.(writeDeadliner); ok {
		d.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// deadlineWriter re-arms the write deadline per chunk so a long payload is
// bounded by progress, not total size. Used with writeMu held.
type deadlineWriter struct {
	c *Channel
}

func (d deadlineWriter) Write(p []byte) (int, error) {
	d.c.armDeadline()
	n, err := d.c.w.Write(p)
	if err != nil {
		d.c.abandon(err)
	}
	return n, err
}

// ReadEnvelope blocks until a full frame is available. It returns io.EOF
// when the stream ends cleanly between frames.
func (c *Channel) ReadEnvelope() (*Envelope, error) {
	line, err := c.r.ReadSlice(Delimiter)
	if errors.Is(err, bufio.ErrBufferFull) {
		line, err = c.readLongFrame(line)
	}

	switch {
	case err == nil:
		return DecodeEnvelope(line)
	case errors.Is(err, io.EOF):
		if len(line) == 0 {
			return nil, io.EOF
		}
		return nil, &ProtocolError{Err: ErrIncompleteFrame}
	default:
		return nil, err
	}
}

// readLongFrame continues a frame that did not fit in the read buffer
func (c *Channel) readLongFrame(head []byte) ([]byte, error) {
	frame := append([]byte(nil), head...)
	for {
		if len(frame) >= c.maxFrame {
			return nil, &ProtocolError{Err: fmt.Errorf("%w: limit %d bytes", ErrFrameTooLarge, c.maxFrame)}
		}
		chunk, err := c.r.ReadSlice(Delimiter)
		frame = append(frame, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err == nil && len(frame) > c.maxFrame {
			return nil, &ProtocolError{Err: fmt.Errorf("%w: limit %d bytes", ErrFrameTooLarge, c.maxFrame)}
		}
		return frame, err
	}
}

// ReadPayload reads exactly n raw bytes. A stream that ends early yields
// ErrIncompleteTransfer and no data.
func (c *Channel) ReadPayload(n uint64) ([]byte, error) {
	pr, err := c.PayloadReader(n)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(pr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// CopyPayload streams exactly n payload bytes into w
func (c *Channel) CopyPayload(w io.Writer, n uint64) (int64, error) {
	pr, err := c.PayloadReader(n)
	if err != nil {
		return 0, err
	}
	return io.CopyBuffer(w, pr, make([]byte, copyBufferSize))
}

// PayloadReader returns a reader over the next n payload bytes, for
// streaming a payload straight into storage.
func (c *Channel) PayloadReader(n uint64) (*PayloadReader, error) {
	if n > c.maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, c.maxPayload)
	}
	return &PayloadReader{
		lr:   io.LimitedReader{R: c.r, N: int64(n)},
		size: n,
	}, nil
}

// PayloadReader yields exactly the declared number of bytes, or
// ErrIncompleteTransfer if the stream ends first.
type PayloadReader struct {
	lr   io.LimitedReader
	size uint64
}

func (p *PayloadReader) Read(b []byte) (int, error) {
	n, err := p.lr.Read(b)
	if errors.Is(err, io.EOF) && p.lr.N > 0 {
		return n, fmt.Errorf("%w: got %d of %d bytes", ErrIncompleteTransfer, p.size-uint64(p.lr.N), p.size)
	}
	return n, err
}

// Remaining returns the number of payload bytes not yet consumed
func (p *PayloadReader) Remaining() uint64 {
	return uint64(p.lr.N)
}

// Drain discards whatever is left of the payload so the next envelope can be read
func (p *PayloadReader) Drain() error {
	if p.lr.N <= 0 {
		return nil
	}
	_, err := io.CopyBuffer(io.Discard, p, make([]byte, copyBufferSize))
	return err
}
