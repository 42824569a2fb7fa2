// Package parser materializes raw RFC 5322 messages captured by the SMTP
// server into structured email records.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/shineum/smtp-capture-lite/internal/email"
	"github.com/shineum/smtp-capture-lite/internal/metrics"
)

// ErrUnsupportedContentType is returned for a top-level content type the
// capture server cannot decompose.
var ErrUnsupportedContentType = errors.New("unsupported content type")

// Factory converts raw transaction data into Email records.
type Factory struct {
	now     func() time.Time
	decoder *mime.WordDecoder
}

// NewFactory creates a Factory stamping emails with the time returned by now.
// A nil now uses time.Now.
func NewFactory(now func() time.Time) *Factory {
	if now == nil {
		now = time.Now
	}
	return &Factory{
		now:     now,
		decoder: &mime.WordDecoder{CharsetReader: charsetReader},
	}
}

// Convert materializes raw into an Email. It never fails: a message that
// cannot be decomposed is captured as a fallback Email whose only content
// is the whole raw payload as plain text.
func (f *Factory) Convert(raw *email.RawData) *email.Email {
	result, err := f.convert(raw)
	if err != nil {
		slog.Warn("failed to materialize message, storing raw content",
			"from", raw.From,
			"error", err,
		)
		metrics.MaterializeFallbacks.Inc()
		return f.fallback(raw)
	}
	return result
}

func (f *Factory) convert(raw *email.RawData) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw.Content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := f.newEmail(raw)
	result.Subject = f.subject(msg.Header)
	result.MessageID = strings.TrimSpace(msg.Header.Get("Message-Id"))

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = string(email.ContentTypePlain)
	}
	mediaType, params, err := parseMediaType(contentType)
	if err != nil {
		return nil, err
	}

	kind := email.ParseContentType(mediaType)
	switch {
	case kind == email.ContentTypePlain || kind == email.ContentTypeHTML || kind == email.ContentTypeOctetStream:
		header := textproto.MIMEHeader(msg.Header)
		data, err := f.readContent(msg.Body, header, kind, params)
		if err != nil {
			return nil, err
		}
		if content, ok := normalize(data); ok {
			result.AddContent(email.EmailContent{ContentType: kind, Data: content})
		}
	case kind.IsMultipart():
		if err := f.appendMultipart(result, msg.Body, params["boundary"]); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContentType, mediaType)
	}

	return result, nil
}

// appendMultipart walks every part of a multipart body in order.
func (f *Factory) appendMultipart(result *email.Email, body io.Reader, boundary string) error {
	if boundary == "" {
		return fmt.Errorf("multipart body missing boundary")
	}

	reader := multipart.NewReader(body, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		disposition, dispositionParams, err := parseDisposition(part.Header.Get("Content-Disposition"))
		if err != nil {
			return err
		}

		switch disposition {
		case "", "inline":
			err = f.appendPart(result, part)
		case "attachment":
			err = f.appendAttachment(result, part, dispositionParams)
		default:
			slog.Debug("skipping part with unknown disposition", "disposition", disposition)
		}
		if err != nil {
			return err
		}
	}
}

// appendPart handles an inline part: text bodies, nested multiparts and
// inline images. Anything else is skipped.
func (f *Factory) appendPart(result *email.Email, part *multipart.Part) error {
	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		contentType = string(email.ContentTypePlain)
	}
	mediaType, params, err := parseMediaType(contentType)
	if err != nil {
		return err
	}

	kind := email.ParseContentType(mediaType)
	switch {
	case kind == email.ContentTypePlain || kind == email.ContentTypeHTML:
		data, err := f.readContent(part, part.Header, kind, params)
		if err != nil {
			return err
		}
		if content, ok := normalize(data); ok {
			result.AddContent(email.EmailContent{ContentType: kind, Data: content})
		}
	case kind.IsMultipart():
		return f.appendMultipart(result, part, params["boundary"])
	case kind == email.ContentTypeImage:
		contentID := part.Header.Get("Content-Id")
		if contentID == "" {
			slog.Debug("skipping inline image without content id", "content_type", mediaType)
			return nil
		}
		data, err := f.readContent(part, part.Header, kind, params)
		if err != nil {
			return err
		}
		result.AddInlineImage(email.InlineImage{
			ContentID:   stripAngleBrackets(contentID),
			ContentType: mediaType,
			Data:        data,
		})
	default:
		slog.Debug("skipping inline part", "content_type", mediaType)
	}
	return nil
}

// appendAttachment stores the decoded bytes of an attachment part.
func (f *Factory) appendAttachment(result *email.Email, part *multipart.Part, dispositionParams map[string]string) error {
	data, err := io.ReadAll(decodeTransfer(part, part.Header))
	if err != nil {
		return fmt.Errorf("failed to read attachment: %w", err)
	}

	result.AddAttachment(email.EmailAttachment{
		Filename: f.filename(part, dispositionParams),
		Data:     data,
	})
	return nil
}

// readContent decodes a body to text. Text types are transfer-decoded and
// converted to UTF-8; base64 encoded binary bodies are re-encoded as
// unwrapped base64 so they stay printable.
func (f *Factory) readContent(body io.Reader, header textproto.MIMEHeader, kind email.ContentType, params map[string]string) (string, error) {
	encoding := strings.ToLower(strings.TrimSpace(header.Get("Content-Transfer-Encoding")))

	decoded, err := io.ReadAll(decodeTransfer(body, header))
	if err != nil {
		return "", fmt.Errorf("failed to read %s content: %w", kind, err)
	}

	if kind == email.ContentTypePlain || kind == email.ContentTypeHTML {
		return decodeCharset(decoded, params["charset"]), nil
	}
	if encoding == "base64" {
		return base64.StdEncoding.EncodeToString(decoded), nil
	}
	return string(decoded), nil
}

func (f *Factory) subject(header mail.Header) string {
	if _, ok := header["Subject"]; !ok {
		return email.Undefined
	}
	raw := header.Get("Subject")
	decoded, err := f.decoder.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func (f *Factory) filename(part *multipart.Part, dispositionParams map[string]string) string {
	name := dispositionParams["filename"]
	if name == "" {
		if _, params, err := mime.ParseMediaType(part.Header.Get("Content-Type")); err == nil {
			name = params["name"]
		}
	}
	if decoded, err := f.decoder.DecodeHeader(name); err == nil {
		name = decoded
	}
	return name
}

func (f *Factory) newEmail(raw *email.RawData) *email.Email {
	to := make([]string, len(raw.To))
	copy(to, raw.To)
	return &email.Email{
		ID:         uuid.NewString(),
		From:       raw.From,
		To:         to,
		ReceivedOn: f.now(),
		RawData:    raw.ContentAsString(),
	}
}

func (f *Factory) fallback(raw *email.RawData) *email.Email {
	result := f.newEmail(raw)
	result.Subject = email.Undefined
	result.AddContent(email.EmailContent{
		ContentType: email.ContentTypePlain,
		Data:        raw.ContentAsString(),
	})
	return result
}

// decodeTransfer wraps body with the decoder for its transfer encoding.
// multipart.Reader already removes quoted-printable encoding from parts and
// drops the header, so the quoted-printable case only fires for top-level
// bodies.
func decodeTransfer(body io.Reader, header textproto.MIMEHeader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(header.Get("Content-Transfer-Encoding"))) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, body)
	case "quoted-printable":
		return quotedprintable.NewReader(body)
	default:
		return body
	}
}

// parseMediaType parses a Content-Type value. A malformed parameter keeps
// the media type with whatever parameters could be read.
func parseMediaType(value string) (string, map[string]string, error) {
	mediaType, params, err := mime.ParseMediaType(value)
	if errors.Is(err, mime.ErrInvalidMediaParameter) {
		slog.Debug("ignoring invalid content type parameter", "content_type", value)
		return mediaType, params, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse content type %q: %w", value, err)
	}
	return mediaType, params, nil
}

func parseDisposition(value string) (string, map[string]string, error) {
	if strings.TrimSpace(value) == "" {
		return "", nil, nil
	}
	disposition, params, err := mime.ParseMediaType(value)
	if err != nil && !errors.Is(err, mime.ErrInvalidMediaParameter) {
		return "", nil, fmt.Errorf("failed to parse content disposition %q: %w", value, err)
	}
	return strings.ToLower(disposition), params, nil
}

// charsetReader resolves charsets through the WHATWG encoding index.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", charset, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

// decodeCharset converts data to UTF-8. Unknown charsets are kept as-is.
func decodeCharset(data []byte, charset string) string {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return string(data)
	}
	r, err := charsetReader(charset, bytes.NewReader(data))
	if err != nil {
		slog.Debug("keeping undecoded content", "charset", charset, "error", err)
		return string(data)
	}
	converted, err := io.ReadAll(r)
	if err != nil {
		return string(data)
	}
	return string(converted)
}

// normalize trims s and reports false when nothing is left.
func normalize(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, s != ""
}

func stripAngleBrackets(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	return strings.TrimSuffix(s, ">")
}
