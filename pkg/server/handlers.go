package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aeolun/chatdrop/pkg/filestore"
	"github.com/aeolun/chatdrop/pkg/protocol"
)

// authTimeout bounds a single credential check
const authTimeout = 10 * time.Second

// handleMessage dispatches an envelope to the appropriate handler. A non-nil
// error ends the session.
func (s *Server) handleMessage(sess *Session, env *protocol.Envelope) error {
	if !sess.IsAuthenticated() {
		switch env.Kind {
		case protocol.KindLogin:
			return s.handleLogin(sess, env)
		case protocol.KindLogout:
			return errCloseSession
		default:
			log.Printf("Session %d: %s before login, closing", sess.ID, env.Kind)
			s.send(sess, loginResult(protocol.LoginUnauthorized))
			return errCloseSession
		}
	}

	switch env.Kind {
	case protocol.KindLogin:
		// Already logged in
		return s.send(sess, loginResult(protocol.LoginFailure))
	case protocol.KindChat:
		return s.handleChat(sess, env)
	case protocol.KindFileList:
		return s.handleFileList(sess)
	case protocol.KindFileUpload:
		return s.handleFileUpload(sess, env)
	case protocol.KindFileDownload:
		return s.handleFileDownload(sess, env)
	case protocol.KindLogout:
		return s.handleLogout(sess)
	default:
		// Server-to-client kinds carry no request
		debugLog.Printf("Session %d: ignoring %s from client", sess.ID, env.Kind)
		return nil
	}
}

func loginResult(text string) *protocol.Envelope {
	return &protocol.Envelope{Kind: protocol.KindLoginResult, Sender: protocol.ServerSender, Text: text}
}

// handleLogin checks the credentials in Sender (name) and Text (password).
// A failed attempt leaves the session open so the client can retry.
func (s *Server) handleLogin(sess *Session, env *protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	ok, err := s.auth.Authenticate(ctx, env.Sender, env.Text)
	cancel()

	if err != nil {
		errorLog.Printf("Session %d: credential check for %q failed: %v", sess.ID, env.Sender, err)
		s.metrics.RecordAuthResult("error")
		return s.send(sess, loginResult(protocol.LoginFailure))
	}
	if !ok {
		log.Printf("Session %d: login failed for %q", sess.ID, env.Sender)
		s.metrics.RecordAuthResult("failure")
		return s.send(sess, loginResult(protocol.LoginFailure))
	}

	if !sess.Authenticate(env.Sender) {
		return errCloseSession
	}
	s.metrics.RecordAuthResult("success")
	log.Printf("Session %d: %s logged in", sess.ID, env.Sender)

	if err := s.send(sess, loginResult(protocol.LoginSuccess)); err != nil {
		return err
	}

	sess.MarkJoined()
	s.broadcast(protocol.Chat(env.Sender+" joined the chat!"), sess.ID)
	return nil
}

// handleChat relays a chat line to everyone else, attributed to the
// session's login name rather than the Sender the client claims
func (s *Server) handleChat(sess *Session, env *protocol.Envelope) error {
	if s.config.MaxMessageLength > 0 && len(env.Text) > s.config.MaxMessageLength {
		return s.send(sess, protocol.Chat("Message too long"))
	}

	s.broadcast(protocol.Chat(sess.Username()+": "+env.Text), sess.ID)
	return nil
}

func (s *Server) handleFileList(sess *Session) error {
	names, err := s.files.List(context.Background())
	if err != nil {
		errorLog.Printf("Session %d: failed to list files: %v", sess.ID, err)
		names = nil
	}
	return s.send(sess, fileList(names))
}

// fileList builds the list envelope, noting when the list had to be cut short
func fileList(names []string) *protocol.Envelope {
	env := protocol.FileList(names)
	if sent := len(protocol.ParseFileList(env.Text)); sent < len(names) {
		errorLog.Printf("File list truncated to %d of %d names", sent, len(names))
	}
	return env
}

// handleFileUpload stores the payload that follows the envelope. Whatever
// happens to the store, the payload is consumed in full so the next
// envelope starts on a frame boundary; only a stream that ends early (or a
// payload over the limit) ends the session.
func (s *Server) handleFileUpload(sess *Session, env *protocol.Envelope) error {
	name, size := env.Text, env.PayloadLength

	pr, err := sess.Conn.PayloadReader(size)
	if err != nil {
		// Not worth draining; the client is told and disconnected
		s.send(sess, protocol.Chat(fmt.Sprintf("Upload rejected: %s is larger than %d bytes", name, s.config.MaxUploadBytes)))
		return err
	}

	if err := filestore.ValidateName(name); err != nil {
		if err := pr.Drain(); err != nil {
			return err
		}
		return s.send(sess, protocol.Chat("Upload rejected: "+err.Error()))
	}

	writeErr := s.files.Write(context.Background(), name, pr, int64(size))
	if errors.Is(writeErr, protocol.ErrIncompleteTransfer) {
		return writeErr
	}
	if err := pr.Drain(); err != nil {
		return err
	}
	if writeErr != nil {
		errorLog.Printf("Session %d: failed to store %s: %v", sess.ID, name, writeErr)
		return s.send(sess, protocol.Chat("Upload failed: "+name))
	}

	user := sess.Username()
	s.metrics.RecordUpload(int64(size))
	log.Printf("Session %d: %s uploaded %s (%d bytes)", sess.ID, user, name, size)

	s.broadcast(protocol.Chat(user+" uploaded file "+name), sess.ID)
	s.pushFileList()
	return nil
}

// pushFileList sends the current list to every authenticated session,
// the uploader included
func (s *Server) pushFileList() {
	names, err := s.files.List(context.Background())
	if err != nil {
		errorLog.Printf("Failed to list files for refresh: %v", err)
		return
	}
	s.broadcast(fileList(names), 0)
}

// handleFileDownload answers with the file and its bytes, or a
// "File not found:" notice with no payload
func (s *Server) handleFileDownload(sess *Session, env *protocol.Envelope) error {
	name := env.Text

	rc, size, err := s.files.Open(context.Background(), name)
	if err != nil {
		if !errors.Is(err, filestore.ErrNotFound) {
			errorLog.Printf("Session %d: failed to open %s: %v", sess.ID, name, err)
		}
		return s.send(sess, protocol.FileNotFound(name))
	}
	defer rc.Close()

	resp := &protocol.Envelope{
		Kind:          protocol.KindFileDownload,
		Sender:        protocol.ServerSender,
		Text:          name,
		PayloadLength: uint64(size),
	}
	if err := sess.Conn.Send(resp, rc); err != nil {
		return fmt.Errorf("failed to send %s: %w", name, err)
	}

	s.metrics.RecordEnvelopesSent(protocol.KindFileDownload, 1)
	s.metrics.RecordDownload(size)
	log.Printf("Session %d: %s downloaded %s (%d bytes)", sess.ID, sess.Username(), name, size)
	return nil
}

// handleLogout acknowledges and ends the session; the departure notice is
// sent by teardown
func (s *Server) handleLogout(sess *Session) error {
	if err := s.send(sess, &protocol.Envelope{Kind: protocol.KindLogout, Sender: protocol.ServerSender}); err != nil {
		debugLog.Printf("Session %d: logout ack failed: %v", sess.ID, err)
	}
	return errCloseSession
}
