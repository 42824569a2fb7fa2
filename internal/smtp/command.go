package smtp

import (
	"encoding/base64"
	"fmt"
	"net/mail"
	"sort"
	"strconv"
	"strings"
)

// action is the follow-up the read loop performs after writing a reply.
type action int

const (
	actionNone action = iota
	actionData
	actionStartTLS
	actionClose
)

// reply is the outcome of one command.
type reply struct {
	lines  []string
	action action
}

func replyf(format string, args ...interface{}) reply {
	return reply{lines: []string{fmt.Sprintf(format, args...)}}
}

// code returns the status code of the reply, or "" for no reply.
func (r reply) code() string {
	if len(r.lines) == 0 || len(r.lines[0]) < 3 {
		return ""
	}
	return r.lines[0][:3]
}

// command is one verb of the command table.
type command struct {
	syntax string
	help   string
	// transactional commands are subject to the require-TLS and
	// require-auth policies.
	transactional bool
	run           func(s *Session, arg string) reply
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"HELO":     {syntax: "<hostname>", help: "Introduce yourself.", run: cmdHelo},
		"EHLO":     {syntax: "<hostname>", help: "Introduce yourself.", run: cmdEhlo},
		"MAIL":     {syntax: "FROM: <sender> [ <parameters> ]", help: "Specifies the sender.", transactional: true, run: cmdMail},
		"RCPT":     {syntax: "TO: <recipient> [ <parameters> ]", help: "Specifies the recipient. Can be used any number of times.", transactional: true, run: cmdRcpt},
		"DATA":     {help: "Following text is collected as the message. End data with <CR><LF>.<CR><LF>", transactional: true, run: cmdData},
		"RSET":     {help: "Resets the system.", run: cmdRset},
		"NOOP":     {help: "Do nothing.", run: cmdNoop},
		"QUIT":     {help: "Exit the SMTP session.", run: cmdQuit},
		"AUTH":     {syntax: "<mechanism> [ <initial-response> ]", help: "Authentication.", run: cmdAuth},
		"STARTTLS": {help: "Upgrade the connection to TLS.", run: cmdStartTLS},
		"HELP":     {syntax: "[ <topic> ]", help: "Displays help information.", run: cmdHelp},
		"VRFY":     {help: "Verify an address (disabled).", run: cmdDisabled("VRFY")},
		"EXPN":     {help: "Expand a mailing list (disabled).", run: cmdDisabled("EXPN")},
	}
}

// dispatch parses line and runs the matching command.
func (s *Session) dispatch(line string) reply {
	verb, arg := parseCommand(line)
	cmd, ok := commands[verb]
	if !ok {
		return replyf("500 5.5.1 Error: command not recognized")
	}
	if cmd.transactional {
		if r, denied := s.checkPolicy(); denied {
			return r
		}
	}
	return cmd.run(s, arg)
}

// checkPolicy enforces require-TLS before require-auth.
func (s *Session) checkPolicy() (reply, bool) {
	if s.server.config.RequireTLS && !s.state.tlsActive {
		return replyf("530 5.7.0 Must issue a STARTTLS command first"), true
	}
	if s.server.requireAuth() && !s.state.authenticated {
		return replyf("530 5.7.0 Authentication required"), true
	}
	return reply{}, false
}

func cmdHelo(s *Session, arg string) reply {
	args := strings.Fields(arg)
	if len(args) == 0 {
		return replyf("501 Syntax: HELO <hostname>")
	}
	s.greet(args[0])
	return replyf("250 %s", s.server.config.Hostname)
}

func cmdEhlo(s *Session, arg string) reply {
	args := strings.Fields(arg)
	if len(args) == 0 {
		return replyf("501 Syntax: EHLO hostname")
	}
	s.greet(args[0])

	lines := []string{
		"250-" + s.server.config.Hostname,
		"250-8BITMIME",
	}
	if size := s.server.config.MaxMessageSize; size > 0 {
		lines = append(lines, fmt.Sprintf("250-SIZE %d", size))
	}
	if s.server.config.TLSConfig != nil && !s.state.tlsActive {
		lines = append(lines, "250-STARTTLS")
	}
	if s.server.validator.Enabled() {
		lines = append(lines, "250-AUTH "+strings.Join(s.server.validator.Mechanisms(), " "))
	}
	lines = append(lines, "250 Ok")
	return reply{lines: lines}
}

func cmdMail(s *Session, arg string) reply {
	if s.state.phase < phaseGreeted {
		return replyf("503 5.5.1 Error: send HELO/EHLO first")
	}
	if s.state.tx != nil {
		return replyf("503 5.5.1 Sender already specified.")
	}
	if !hasPrefixFold(arg, "FROM:") {
		return replyf("501 Syntax: MAIL FROM: <address>  Error in parameters: %q", arg)
	}

	addr, params, ok := extractAddress(arg[len("FROM:"):])
	if !ok {
		return replyf("501 Syntax: MAIL FROM: <address>")
	}
	if addr != "" && !validAddress(addr) {
		return replyf("553 <%s> Invalid email address.", addr)
	}
	if size, ok := sizeParameter(params); ok && s.server.config.MaxMessageSize > 0 && size > s.server.config.MaxMessageSize {
		return replyf("552 5.3.4 Message size exceeds fixed limit")
	}

	s.state.tx = &transaction{
		from: addr,
		data: NewRawMessageBuffer(s.server.config.MaxMessageSize),
	}
	s.state.phase = phaseMail
	return replyf("250 Ok")
}

func cmdRcpt(s *Session, arg string) reply {
	if s.state.tx == nil {
		return replyf("503 5.5.1 Error: need MAIL command")
	}
	if !hasPrefixFold(arg, "TO:") {
		return replyf("501 Syntax: RCPT TO: <address>")
	}

	addr, _, ok := extractAddress(arg[len("TO:"):])
	if !ok {
		return replyf("501 Syntax: RCPT TO: <address>")
	}
	if addr == "" || !validAddress(addr) {
		return replyf("553 <%s> Invalid email address.", addr)
	}
	if max := s.server.config.MaxRecipients; max > 0 && len(s.state.tx.to) >= max {
		return replyf("452 Error: too many recipients")
	}
	if s.server.blocked(addr) {
		return replyf("553 <%s> Recipient address rejected", addr)
	}

	s.state.tx.to = append(s.state.tx.to, addr)
	s.state.phase = phaseRcpt
	return replyf("250 Ok")
}

func cmdData(s *Session, _ string) reply {
	if s.state.tx == nil {
		return replyf("503 5.5.1 Error: need MAIL command")
	}
	if len(s.state.tx.to) == 0 {
		return replyf("503 5.5.1 Error: need RCPT command")
	}
	s.state.phase = phaseData
	return reply{
		lines:  []string{"354 End data with <CR><LF>.<CR><LF>"},
		action: actionData,
	}
}

func cmdRset(s *Session, _ string) reply {
	s.resetTransaction()
	return replyf("250 Ok")
}

func cmdNoop(_ *Session, _ string) reply {
	return replyf("250 Ok")
}

func cmdQuit(s *Session, _ string) reply {
	s.state.tx = nil
	s.state.phase = phaseClosed
	return reply{lines: []string{"221 Bye"}, action: actionClose}
}

func cmdAuth(s *Session, arg string) reply {
	validator := s.server.validator
	if !validator.Enabled() {
		return replyf("502 5.5.1 AUTH command is not supported")
	}
	if s.state.phase < phaseGreeted {
		return replyf("503 5.5.1 Error: send HELO/EHLO first")
	}
	if s.state.authenticated {
		return replyf("503 Refusing any other AUTH command.")
	}
	if s.state.tx != nil {
		return replyf("503 5.5.1 AUTH not permitted during a mail transaction")
	}

	args := strings.Fields(arg)
	if len(args) == 0 {
		return replyf("501 Syntax: AUTH mechanism")
	}
	server := validator.newSASLServer(strings.ToUpper(args[0]))
	if server == nil {
		return replyf("504 5.5.4 The requested authentication mechanism is not supported")
	}

	var initial []byte
	if len(args) > 1 {
		if args[1] == "=" {
			initial = []byte{}
		} else {
			decoded, err := base64.StdEncoding.DecodeString(args[1])
			if err != nil {
				return replyf("501 5.5.2 Invalid base64 data")
			}
			initial = decoded
		}
	}

	s.state.auth = server
	return s.stepAuth(initial)
}

// continueAuth feeds one client line into the pending AUTH exchange.
func (s *Session) continueAuth(line string) reply {
	if strings.TrimSpace(line) == "*" {
		s.state.auth = nil
		return replyf("501 Authentication canceled by client.")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
	if err != nil {
		s.state.auth = nil
		return replyf("501 5.5.2 Invalid base64 data")
	}
	return s.stepAuth(decoded)
}

func (s *Session) stepAuth(response []byte) reply {
	challenge, done, err := s.state.auth.Next(response)
	if err != nil {
		return s.authFailed(err)
	}
	if !done {
		return replyf("334 %s", base64.StdEncoding.EncodeToString(challenge))
	}

	s.state.auth = nil
	s.state.authenticated = true
	s.logger.Info("client authenticated")
	return replyf("235 Authentication successful.")
}

func (s *Session) authFailed(err error) reply {
	s.state.auth = nil
	s.state.authFailures++
	s.logger.Warn("authentication failed", "attempt", s.state.authFailures, "error", err)
	s.server.recordAuthFailure()

	if s.state.authFailures >= maxAuthFailures {
		s.state.phase = phaseClosed
		return reply{
			lines:  []string{"421 4.7.0 Too many failed authentication attempts"},
			action: actionClose,
		}
	}
	return replyf("535 5.7.8 Authentication failure.")
}

func cmdStartTLS(s *Session, arg string) reply {
	if s.server.config.TLSConfig == nil {
		return replyf("454 TLS not supported")
	}
	if strings.TrimSpace(arg) != "" {
		return replyf("501 Syntax error (no parameters allowed)")
	}
	if s.state.tlsActive {
		return replyf("503 5.5.1 TLS already active")
	}
	if s.state.tx != nil {
		return replyf("503 5.5.1 STARTTLS not permitted during a mail transaction")
	}
	return reply{lines: []string{"220 Ready to start TLS"}, action: actionStartTLS}
}

func cmdHelp(s *Session, arg string) reply {
	topic := strings.ToUpper(strings.TrimSpace(arg))
	if topic == "" {
		verbs := make([]string, 0, len(commands))
		for verb := range commands {
			verbs = append(verbs, verb)
		}
		sort.Strings(verbs)
		return reply{lines: []string{
			"214-" + s.server.config.SoftwareName + " on " + s.server.config.Hostname,
			"214-Topics:",
			"214-    " + strings.Join(verbs, " "),
			"214-For more info use \"HELP <topic>\".",
			"214 End of HELP info",
		}}
	}

	cmd, ok := commands[topic]
	if !ok {
		return replyf("504 HELP topic \"%s\" unknown.", topic)
	}
	return reply{lines: []string{
		strings.TrimSpace("214-" + topic + " " + cmd.syntax),
		"214-    " + cmd.help,
		"214 End of " + topic + " info",
	}}
}

func cmdDisabled(verb string) func(*Session, string) reply {
	return func(_ *Session, _ string) reply {
		return replyf("502 5.5.1 %s command is disabled", verb)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// extractAddress splits a MAIL/RCPT path argument into the address and the
// trailing ESMTP parameters. The null path "<>" yields an empty address;
// a missing path yields ok == false.
func extractAddress(s string) (addr, params string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", false
	}

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return s[1:], "", true
		}
		return s[1:end], strings.TrimSpace(s[end+1:]), true
	}

	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:]), true
	}
	return s, "", true
}

// validAddress reports whether addr is a bare RFC 5322 addr-spec.
func validAddress(addr string) bool {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return false
	}
	return parsed.Name == "" && parsed.Address == addr
}

// sizeParameter returns the value of a SIZE= ESMTP parameter.
func sizeParameter(params string) (int64, bool) {
	for _, p := range strings.Fields(params) {
		if !hasPrefixFold(p, "SIZE=") {
			continue
		}
		size, err := strconv.ParseInt(p[len("SIZE="):], 10, 64)
		if err != nil {
			return 0, false
		}
		return size, true
	}
	return 0, false
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
