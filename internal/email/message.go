// Package email defines the captured email data model shared by the SMTP
// engine, the materializer and every listener.
package email

import (
	"strings"
	"time"
)

// Undefined is the subject stored when a message has no usable subject.
const Undefined = "<undefined>"

// ContentType classifies the MIME type of a message or one of its parts.
type ContentType string

const (
	ContentTypePlain                ContentType = "text/plain"
	ContentTypeHTML                 ContentType = "text/html"
	ContentTypeOctetStream          ContentType = "application/octet-stream"
	ContentTypeMultipartAlternative ContentType = "multipart/alternative"
	ContentTypeMultipartMixed       ContentType = "multipart/mixed"
	ContentTypeMultipartRelated     ContentType = "multipart/related"
	ContentTypeImage                ContentType = "image/*"
	ContentTypeUndefined            ContentType = ""
)

// ParseContentType maps a media type (without parameters) to a ContentType.
// Types the capture server does not understand map to ContentTypeUndefined.
func ParseContentType(mediaType string) ContentType {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	switch ContentType(mediaType) {
	case ContentTypePlain, ContentTypeHTML, ContentTypeOctetStream,
		ContentTypeMultipartAlternative, ContentTypeMultipartMixed, ContentTypeMultipartRelated:
		return ContentType(mediaType)
	}
	if strings.HasPrefix(mediaType, "image/") {
		return ContentTypeImage
	}
	return ContentTypeUndefined
}

// IsMultipart reports whether c is one of the multipart kinds.
func (c ContentType) IsMultipart() bool {
	switch c {
	case ContentTypeMultipartAlternative, ContentTypeMultipartMixed, ContentTypeMultipartRelated:
		return true
	}
	return false
}

// Email is a captured message together with its decomposed parts.
type Email struct {
	ID           string            `json:"id"`
	Subject      string            `json:"subject"`
	From         string            `json:"fromAddress"`
	To           []string          `json:"toAddress"`
	MessageID    string            `json:"messageId,omitempty"`
	RawData      string            `json:"rawData"`
	ReceivedOn   time.Time         `json:"receivedOn"`
	Contents     []EmailContent    `json:"contents"`
	Attachments  []EmailAttachment `json:"attachments"`
	InlineImages []InlineImage     `json:"inlineImages"`
}

// EmailContent is one textual body of a message.
type EmailContent struct {
	ContentType ContentType `json:"contentType"`
	Data        string      `json:"data"`
}

// EmailAttachment is a part delivered with disposition "attachment".
type EmailAttachment struct {
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"data"`
}

// InlineImage is an image part referenced from HTML content by Content-ID.
type InlineImage struct {
	ContentID   string `json:"contentId"`
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

// AddContent appends c.
func (e *Email) AddContent(c EmailContent) {
	e.Contents = append(e.Contents, c)
}

// AddAttachment appends a.
func (e *Email) AddAttachment(a EmailAttachment) {
	e.Attachments = append(e.Attachments, a)
}

// AddInlineImage appends img.
func (e *Email) AddInlineImage(img InlineImage) {
	e.InlineImages = append(e.InlineImages, img)
}

// PlainContent returns the first text/plain content, if any.
func (e *Email) PlainContent() (EmailContent, bool) {
	return e.contentOf(ContentTypePlain)
}

// HTMLContent returns the first text/html content, if any.
func (e *Email) HTMLContent() (EmailContent, bool) {
	return e.contentOf(ContentTypeHTML)
}

// InlineImage returns the inline image with the given content id.
func (e *Email) InlineImage(contentID string) (InlineImage, bool) {
	for _, img := range e.InlineImages {
		if img.ContentID == contentID {
			return img, true
		}
	}
	return InlineImage{}, false
}

func (e *Email) contentOf(ct ContentType) (EmailContent, bool) {
	for _, c := range e.Contents {
		if c.ContentType == ct {
			return c, true
		}
	}
	return EmailContent{}, false
}

// RawData is the payload of one completed SMTP transaction plus its envelope.
type RawData struct {
	From    string
	To      []string
	Content []byte
}

// ContentAsString returns the payload as text.
func (r *RawData) ContentAsString() string {
	return string(r.Content)
}

// Summary is the short form of an Email pushed to notification consumers.
type Summary struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"messageId,omitempty"`
	From         string    `json:"fromAddress"`
	To           []string  `json:"toAddress"`
	Subject      string    `json:"subject"`
	ReceivedOn   time.Time `json:"receivedOn"`
	Size         int       `json:"size"`
	Attachments  []string  `json:"attachments"`
	InlineImages int       `json:"inlineImages"`
}

// Summary returns the short form of e. Attachments are listed by filename.
func (e *Email) Summary() Summary {
	attachments := make([]string, 0, len(e.Attachments))
	for _, att := range e.Attachments {
		attachments = append(attachments, att.Filename)
	}
	return Summary{
		ID:           e.ID,
		MessageID:    e.MessageID,
		From:         e.From,
		To:           e.To,
		Subject:      e.Subject,
		ReceivedOn:   e.ReceivedOn,
		Size:         len(e.RawData),
		Attachments:  attachments,
		InlineImages: len(e.InlineImages),
	}
}
