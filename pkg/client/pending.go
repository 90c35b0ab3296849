package client

import (
	"errors"
	"sync"

	"github.com/aeolun/chatdrop/pkg/protocol"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrConnectionLost = errors.New("connection lost")
	ErrRequestTimeout = errors.New("request timed out")
	ErrRequestPending = errors.New("a request of this kind is already pending")
	ErrFileNotFound   = errors.New("file not found")
)

// response is what the read loop hands to a waiting request
type response struct {
	env     *protocol.Envelope
	payload []byte
	err     error
}

// pendingRequests holds at most one outstanding request per response kind.
// The protocol has no request IDs, so a response can only be matched by kind.
type pendingRequests struct {
	mu    sync.Mutex
	slots map[protocol.Kind]chan response
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{slots: make(map[protocol.Kind]chan response)}
}

// acquire reserves the slot for kind
func (p *pendingRequests) acquire(kind protocol.Kind) (chan response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, busy := p.slots[kind]; busy {
		return nil, ErrRequestPending
	}
	ch := make(chan response, 1)
	p.slots[kind] = ch
	return ch, nil
}

// release frees the slot if it still belongs to ch
func (p *pendingRequests) release(kind protocol.Kind, ch chan response) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slots[kind] == ch {
		delete(p.slots, kind)
	}
}

// waiting reports whether a request is waiting on kind
func (p *pendingRequests) waiting(kind protocol.Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.slots[kind]
	return ok
}

// resolve hands r to the request waiting on kind. It returns false when
// nobody is waiting.
func (p *pendingRequests) resolve(kind protocol.Kind, r response) bool {
	p.mu.Lock()
	ch, ok := p.slots[kind]
	delete(p.slots, kind)
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- r
	return true
}

// failAll resolves every waiting request with err
func (p *pendingRequests) failAll(err error) {
	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[protocol.Kind]chan response)
	p.mu.Unlock()

	for _, ch := range slots {
		ch <- response{err: err}
	}
}
