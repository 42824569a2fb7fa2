package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/shineum/smtp-capture-lite/internal/email"
	"github.com/shineum/smtp-capture-lite/internal/metrics"
)

// phase is the position of a session in the SMTP dialogue.
type phase int

const (
	phaseFresh phase = iota
	phaseGreeted
	phaseMail
	phaseRcpt
	phaseData
	phaseClosed
)

// transaction is the envelope and data of one message. It exists from a
// successful MAIL until the DATA terminator, RSET, HELO/EHLO or QUIT.
type transaction struct {
	from string
	to   []string
	data *RawMessageBuffer
}

// sessionState is everything a command may read or change.
type sessionState struct {
	phase         phase
	helo          string
	authenticated bool
	tlsActive     bool
	authFailures  int
	tx            *transaction

	// auth is the SASL exchange awaiting the client's next response.
	auth sasl.Server
}

// maxLineLength bounds a command line and the part of a DATA line held in
// memory, CRLF included.
const maxLineLength = 1000

var errLineTooLong = errors.New("line too long")

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	id   string
	conn net.Conn

	// netConn is the accepted socket, kept across the TLS upgrade.
	netConn net.Conn

	reader *bufio.Reader
	writer *bufio.Writer
	server *Server
	logger *slog.Logger
	state  sessionState
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, server *Server, id string) *Session {
	s := &Session{
		id:      id,
		conn:    conn,
		netConn: conn,
		server:  server,
		logger:  slog.With("session_id", id),
	}
	if conn != nil {
		s.reader = bufio.NewReader(conn)
		s.writer = bufio.NewWriter(conn)
		s.logger = s.logger.With("remote_addr", conn.RemoteAddr().String())
	}
	return s
}

// close tears down the underlying socket from any goroutine.
func (s *Session) close() error {
	return s.netConn.Close()
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Handle runs the SMTP session, processing commands until the client
// disconnects, quits or an error occurs. An unfinished transaction is
// discarded without reaching the listeners.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.logger.Debug("session opened")
	defer s.logger.Debug("session closed")

	cfg := s.server.config
	s.writeLines("220 " + cfg.Hostname + " ESMTP " + cfg.SoftwareName)

	for {
		select {
		case <-ctx.Done():
			s.writeLines("421 4.3.2 Service shutting down")
			return
		default:
		}

		var spill func([]byte, bool)
		if s.state.phase == phaseData {
			spill = s.spillData
		}
		line, split, err := s.readLine(maxLineLength, spill)
		if errors.Is(err, errLineTooLong) {
			s.state.auth = nil
			if !s.respond(replyf("500 5.5.2 Line too long")) {
				return
			}
			continue
		}
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				s.logger.Info("session timed out", "phase", s.state.phase)
				s.writeLines("421 4.4.2 " + cfg.Hostname + " Error: timeout exceeded")
			case errors.Is(err, io.EOF):
			default:
				s.logger.Debug("connection read error", "error", err)
			}
			if s.state.phase == phaseData {
				metrics.Transactions.WithLabelValues("aborted").Inc()
			}
			return
		}

		r, ok := s.handleLine(ctx, line, split)
		if !ok {
			continue
		}
		if !s.respond(r) {
			return
		}
	}
}

// handleLine routes a client line by session state: DATA content, an AUTH
// response or a command. It returns false when the line produces no reply.
// split marks the tail of a DATA line whose head was already spilled.
func (s *Session) handleLine(ctx context.Context, line string, split bool) (reply, bool) {
	switch {
	case s.state.phase == phaseData:
		return s.receiveDataLine(ctx, line, split)
	case s.state.auth != nil:
		return s.continueAuth(line), true
	case strings.TrimSpace(line) == "":
		return reply{}, false
	}

	s.logger.Debug("command received", "line", redact(line))
	r := s.dispatch(line)
	verb, _ := parseCommand(line)
	if _, known := commands[verb]; !known {
		verb = "unknown"
	}
	metrics.Commands.WithLabelValues(verb, r.code()).Inc()
	return r, true
}

// respond writes r and runs its follow-up action. It returns false when
// the session is over.
func (s *Session) respond(r reply) bool {
	if err := s.writeLines(r.lines...); err != nil {
		return false
	}

	switch r.action {
	case actionClose:
		return false
	case actionStartTLS:
		if err := s.startTLS(); err != nil {
			s.logger.Error("TLS handshake failed", "error", err)
			return false
		}
	}
	return true
}

// receiveDataLine appends one DATA line, undoing dot-stuffing. The lone
// "." terminator completes the transaction.
func (s *Session) receiveDataLine(ctx context.Context, line string, split bool) (reply, bool) {
	if !split {
		if line == "." {
			return s.completeTransaction(ctx), true
		}
		line = strings.TrimPrefix(line, ".")
	}
	s.writeData([]byte(line + "\r\n"))
	return reply{}, false
}

// spillData appends the head of an over-long DATA line. first is set for
// the fragment that starts the line.
func (s *Session) spillData(fragment []byte, first bool) {
	if first && len(fragment) > 0 && fragment[0] == '.' {
		fragment = fragment[1:]
	}
	s.writeData(fragment)
}

func (s *Session) writeData(p []byte) {
	data := s.state.tx.data
	wasExceeded := data.Exceeded()
	if _, err := data.Write(p); err != nil && !wasExceeded {
		s.logger.Warn("message exceeds maximum size, discarding",
			"max_message_size", s.server.config.MaxMessageSize,
		)
	}
}

// completeTransaction materializes the collected message and hands it to
// the listeners before the client sees the 250 reply.
func (s *Session) completeTransaction(ctx context.Context) reply {
	tx := s.state.tx
	s.resetTransaction()

	if tx.data.Exceeded() {
		metrics.Transactions.WithLabelValues("toolarge").Inc()
		return replyf("552 5.3.4 Error: message size exceeds fixed maximum message size")
	}

	raw := &email.RawData{
		From:    tx.from,
		To:      tx.to,
		Content: tx.data.Bytes(),
	}
	msg := s.server.factory.Convert(raw)
	result := s.server.deliver(ctx, msg)

	metrics.Transactions.WithLabelValues(result).Inc()
	s.logger.Info("message "+result,
		"email_id", msg.ID,
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject,
		"size", tx.data.Size(),
	)
	return replyf("250 Ok: message queued")
}

// greet records the client's hostname and abandons any transaction.
func (s *Session) greet(hostname string) {
	s.resetTransaction()
	s.state.helo = hostname
	s.state.phase = phaseGreeted
}

// resetTransaction clears the current mail transaction state without
// affecting the greeting, authentication or TLS.
func (s *Session) resetTransaction() {
	s.state.tx = nil
	if s.state.phase > phaseGreeted && s.state.phase != phaseClosed {
		s.state.phase = phaseGreeted
	}
}

// startTLS upgrades the connection in place. The client has to greet
// again afterwards; authentication is forgotten.
func (s *Session) startTLS() error {
	tlsConn := tls.Server(s.conn, s.server.config.TLSConfig)
	if err := tlsConn.SetDeadline(time.Now().Add(s.server.config.ReadTimeout)); err != nil {
		return err
	}
	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.state = sessionState{
		phase:        phaseFresh,
		tlsActive:    true,
		authFailures: s.state.authFailures,
	}
	s.logger.Debug("connection upgraded to TLS")
	return nil
}

// readLine reads one CRLF terminated line with the idle timeout armed. At
// most limit bytes of a line are held in memory. Past that, with spill set,
// the head of the line is handed to spill and the tail is returned with
// split set; without spill the rest of the line is discarded and
// errLineTooLong returned.
func (s *Session) readLine(limit int, spill func(fragment []byte, first bool)) (line string, split bool, err error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.server.config.ReadTimeout)); err != nil {
		return "", false, err
	}

	var buf []byte
	tooLong := false
	for {
		frag, err := s.reader.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return "", false, err
		}
		if !tooLong {
			buf = append(buf, frag...)
		}

		if len(buf) > limit {
			switch {
			case spill == nil:
				tooLong = true
				buf = buf[:0]
			case err != nil:
				// A trailing CR stays with the line end.
				n := len(buf)
				if buf[n-1] == '\r' {
					n--
				}
				spill(buf[:n], !split)
				split = true
				buf = append(buf[:0], buf[n:]...)
			}
		}
		if err == nil {
			break
		}
	}

	if tooLong {
		return "", false, errLineTooLong
	}
	return strings.TrimRight(string(buf), "\r\n"), split, nil
}

// writeLines writes each line followed by CRLF and flushes once.
func (s *Session) writeLines(lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.server.config.ReadTimeout)); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
			s.logger.Error("failed to write to client", "error", err)
			return err
		}
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Error("failed to flush to client", "error", err)
		return err
	}
	return nil
}

// redact hides AUTH initial responses from debug logs.
func redact(line string) string {
	if hasPrefixFold(line, "AUTH ") {
		if fields := strings.Fields(line); len(fields) > 2 {
			return fields[0] + " " + fields[1] + " ***"
		}
	}
	return line
}
