package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/shineum/smtp-capture-lite/internal/email"
)

var receivedOn = time.Date(2024, time.March, 1, 12, 30, 0, 0, time.UTC)

func newTestFactory() *Factory {
	return NewFactory(func() time.Time { return receivedOn })
}

// convert materializes the CRLF-joined lines with a fixed envelope.
func convert(t *testing.T, lines ...string) (*email.Email, *email.RawData) {
	t.Helper()
	raw := &email.RawData{
		From:    "sender@example.com",
		To:      []string{"receiver@example.com"},
		Content: []byte(strings.Join(lines, "\r\n")),
	}
	msg := newTestFactory().Convert(raw)
	if msg == nil {
		t.Fatal("Convert returned nil")
	}
	return msg, raw
}

func assertFallback(t *testing.T, msg *email.Email, raw *email.RawData) {
	t.Helper()
	if msg.Subject != email.Undefined {
		t.Errorf("Subject: got %q, want %q", msg.Subject, email.Undefined)
	}
	if len(msg.Contents) != 1 {
		t.Fatalf("Contents: got %d, want 1", len(msg.Contents))
	}
	if msg.Contents[0].ContentType != email.ContentTypePlain {
		t.Errorf("ContentType: got %q, want %q", msg.Contents[0].ContentType, email.ContentTypePlain)
	}
	if msg.Contents[0].Data != raw.ContentAsString() {
		t.Errorf("Data: got %q, want full raw content", msg.Contents[0].Data)
	}
	if len(msg.Attachments) != 0 {
		t.Errorf("Attachments: got %d, want 0", len(msg.Attachments))
	}
	if len(msg.InlineImages) != 0 {
		t.Errorf("InlineImages: got %d, want 0", len(msg.InlineImages))
	}
	if msg.RawData != raw.ContentAsString() {
		t.Error("RawData should hold the original payload")
	}
}

func TestConvertPlainTextEmail(t *testing.T) {
	t.Parallel()

	msg, raw := convert(t,
		"From: sender@example.com",
		"To: receiver@example.com",
		"Subject: subject integration test",
		"Message-ID: <test123@example.com>",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		"  content plain text integration test  ",
		"",
	)

	if msg.Subject != "subject integration test" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "subject integration test")
	}
	if msg.MessageID != "<test123@example.com>" {
		t.Errorf("MessageID: got %q, want %q", msg.MessageID, "<test123@example.com>")
	}
	if msg.From != "sender@example.com" {
		t.Errorf("From: got %q, want %q", msg.From, "sender@example.com")
	}
	if len(msg.To) != 1 || msg.To[0] != "receiver@example.com" {
		t.Errorf("To: got %v, want [receiver@example.com]", msg.To)
	}
	if !msg.ReceivedOn.Equal(receivedOn) {
		t.Errorf("ReceivedOn: got %v, want %v", msg.ReceivedOn, receivedOn)
	}
	if msg.RawData != raw.ContentAsString() {
		t.Error("RawData should hold the original payload")
	}
	if len(msg.Contents) != 1 {
		t.Fatalf("Contents: got %d, want 1", len(msg.Contents))
	}
	if msg.Contents[0].ContentType != email.ContentTypePlain {
		t.Errorf("ContentType: got %q, want %q", msg.Contents[0].ContentType, email.ContentTypePlain)
	}
	if msg.Contents[0].Data != "content plain text integration test" {
		t.Errorf("Data: got %q, want %q", msg.Contents[0].Data, "content plain text integration test")
	}
}

func TestConvertSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header []string
		want   string
	}{
		{name: "missing", header: nil, want: email.Undefined},
		{name: "plain", header: []string{"Subject: Hello"}, want: "Hello"},
		{name: "empty", header: []string{"Subject:"}, want: ""},
		{name: "q encoded", header: []string{"Subject: =?UTF-8?Q?Gr=C3=BC=C3=9Fe?="}, want: "Grüße"},
		{name: "b encoded", header: []string{"Subject: =?UTF-8?B?SGVsbG8gV29ybGQ=?="}, want: "Hello World"},
		{name: "latin1", header: []string{"Subject: =?ISO-8859-1?Q?caf=E9?="}, want: "café"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			lines := append([]string{"From: sender@example.com"}, tt.header...)
			lines = append(lines, "Content-Type: text/plain", "", "body")
			msg, _ := convert(t, lines...)
			if msg.Subject != tt.want {
				t.Errorf("Subject: got %q, want %q", msg.Subject, tt.want)
			}
		})
	}
}

func TestConvertMissingContentTypeDefaultsToPlain(t *testing.T) {
	t.Parallel()

	msg, _ := convert(t,
		"From: sender@example.com",
		"Subject: No Content Type",
		"",
		"Body without content type header",
	)

	content, ok := msg.PlainContent()
	if !ok {
		t.Fatal("expected plain content")
	}
	if content.Data != "Body without content type header" {
		t.Errorf("Data: got %q, want %q", content.Data, "Body without content type header")
	}
}

func TestConvertInvalidContentTypeParameter(t *testing.T) {
	t.Parallel()

	msg, _ := convert(t,
		"Subject: Flowed",
		"Content-Type: text/plain; format=flowed; delsp",
		"",
		"Body with a broken parameter",
	)

	if msg.Subject != "Flowed" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Flowed")
	}
	content, ok := msg.PlainContent()
	if !ok {
		t.Fatal("expected plain content")
	}
	if content.Data != "Body with a broken parameter" {
		t.Errorf("Data: got %q, want %q", content.Data, "Body with a broken parameter")
	}
}

func TestConvertInvalidPartParameters(t *testing.T) {
	t.Parallel()

	msg, _ := convert(t,
		"Subject: Parts",
		"Content-Type: multipart/mixed; boundary=b",
		"",
		"--b",
		"Content-Type: text/html; charset",
		"",
		"<p>html</p>",
		"--b",
		"Content-Type: text/plain",
		"Content-Disposition: attachment; filename=\"notes.txt\"; size",
		"",
		"notes",
		"--b--",
	)

	if msg.Subject != "Parts" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Parts")
	}
	if content, ok := msg.HTMLContent(); !ok || content.Data != "<p>html</p>" {
		t.Errorf("html content: got %+v, %v", content, ok)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}
}

func TestConvertBlankBodyOmitsContent(t *testing.T) {
	t.Parallel()

	msg, _ := convert(t,
		"Subject: Blank",
		"Content-Type: text/plain",
		"",
		"   ",
		"\t",
	)

	if len(msg.Contents) != 0 {
		t.Errorf("Contents: got %d, want 0", len(msg.Contents))
	}
	if msg.Subject != "Blank" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Blank")
	}
}

func TestConvertHTMLEmail(t *testing.T) {
	t.Parallel()

	msg, _ := convert(t,
		"Subject: HTML",
		"Content-Type: text/html; charset=UTF-8",
		"",
		"<html><body><p>Hi</p></body></html>",
	)

	content, ok := msg.HTMLContent()
	if !ok {
		t.Fatal("expected html content")
	}
	if content.Data != "<html><body><p>Hi</p></body></html>" {
		t.Errorf("Data: got %q", content.Data)
	}
	if _, ok := msg.PlainContent(); ok {
		t.Error("unexpected plain content")
	}
}

func TestConvertQuotedPrintableAndCharset(t *testing.T) {
	t.Parallel()

	t.Run("quoted printable body", func(t *testing.T) {
		t.Parallel()
		msg, _ := convert(t,
			"Subject: QP",
			"Content-Type: text/plain; charset=UTF-8",
			"Content-Transfer-Encoding: quoted-printable",
			"",
			"caf=C3=A9 au lait",
		)
		content, ok := msg.PlainContent()
		if !ok {
			t.Fatal("expected plain content")
		}
		if content.Data != "café au lait" {
			t.Errorf("Data: got %q, want %q", content.Data, "café au lait")
		}
	})

	t.Run("latin1 body", func(t *testing.T) {
		t.Parallel()
		msg, _ := convert(t,
			"Subject: Latin1",
			"Content-Type: text/plain; charset=ISO-8859-1",
			"",
			"caf\xe9",
		)
		content, ok := msg.PlainContent()
		if !ok {
			t.Fatal("expected plain content")
		}
		if content.Data != "café" {
			t.Errorf("Data: got %q, want %q", content.Data, "café")
		}
	})

	t.Run("base64 text body is decoded", func(t *testing.T) {
		t.Parallel()
		msg, _ := convert(t,
			"Subject: B64",
			"Content-Type: text/plain",
			"Content-Transfer-Encoding: base64",
			"",
			"SGVsbG8g",
			"V29ybGQ=",
		)
		content, ok := msg.PlainContent()
		if !ok {
			t.Fatal("expected plain content")
		}
		if content.Data != "Hello World" {
			t.Errorf("Data: got %q, want %q", content.Data, "Hello World")
		}
	})
}

func TestConvertOctetStreamIsReencoded(t *testing.T) {
	t.Parallel()

	msg, _ := convert(t,
		"Subject: Binary",
		"Content-Type: application/octet-stream",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVs",
		"bG8g",
		"V29y",
		"bGQ=",
	)

	if len(msg.Contents) != 1 {
		t.Fatalf("Contents: got %d, want 1", len(msg.Contents))
	}
	if msg.Contents[0].ContentType != email.ContentTypeOctetStream {
		t.Errorf("ContentType: got %q, want %q", msg.Contents[0].ContentType, email.ContentTypeOctetStream)
	}
	if msg.Contents[0].Data != "SGVsbG8gV29ybGQ=" {
		t.Errorf("Data: got %q, want %q", msg.Contents[0].Data, "SGVsbG8gV29ybGQ=")
	}
}

func TestConvertMultipartMixedWithAttachment(t *testing.T) {
	t.Parallel()

	msg, _ := convert(t,
		"Subject: With Attachment",
		"Content-Type: multipart/mixed; boundary=mixedboundary",
		"",
		"--mixedboundary",
		"Content-Type: text/html",
		"Content-Disposition: inline",
		"",
		"<p>See attached</p>",
		"--mixedboundary",
		"Content-Type: application/pdf; name=\"report.pdf\"",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8gV29ybGQ=",
		"--mixedboundary--",
	)

	if len(msg.Contents) != 1 {
		t.Fatalf("Contents: got %d, want 1", len(msg.Contents))
	}
	if msg.Contents[0].ContentType != email.ContentTypeHTML {
		t.Errorf("ContentType: got %q, want %q", msg.Contents[0].ContentType, email.ContentTypeHTML)
	}
	if msg.Contents[0].Data != "<p>See attached</p>" {
		t.Errorf("Data: got %q", msg.Contents[0].Data)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Filename != "report.pdf" {
		t.Errorf("Filename: got %q, want %q", att.Filename, "report.pdf")
	}
	if string(att.Data) != "Hello World" {
		t.Errorf("Data: got %q, want %q", string(att.Data), "Hello World")
	}
}

func TestConvertAttachmentOrderAndNames(t *testing.T) {
	t.Parallel()

	msg, _ := convert(t,
		"Subject: Attachments",
		"Content-Type: multipart/mixed; boundary=bound",
		"",
		"--bound",
		"Content-Type: text/plain",
		"",
		"body",
		"--bound",
		"Content-Type: text/csv; name=\"first.csv\"",
		"Content-Disposition: attachment",
		"",
		"a,b,c",
		"--bound",
		"Content-Type: application/octet-stream",
		"Content-Disposition: attachment",
		"",
		"second",
		"--bound",
		"Content-Type: application/zip",
		"Content-Disposition: attachment; filename=\"=?UTF-8?Q?d=C3=A9j=C3=A0.zip?=\"",
		"",
		"third",
		"--bound--",
	)

	if len(msg.Attachments) != 3 {
		t.Fatalf("Attachments: got %d, want 3", len(msg.Attachments))
	}
	wantNames := []string{"first.csv", "", "déjà.zip"}
	wantData := []string{"a,b,c", "second", "third"}
	for i, att := range msg.Attachments {
		if att.Filename != wantNames[i] {
			t.Errorf("Attachments[%d].Filename: got %q, want %q", i, att.Filename, wantNames[i])
		}
		if string(att.Data) != wantData[i] {
			t.Errorf("Attachments[%d].Data: got %q, want %q", i, string(att.Data), wantData[i])
		}
	}
}

func TestConvertNestedMultipartIsFlattened(t *testing.T) {
	t.Parallel()

	msg, _ := convert(t,
		"Subject: Nested Multipart",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/related; boundary=related",
		"",
		"--related",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"Plain text part",
		"--inner",
		"Content-Type: text/html",
		"",
		"<p>HTML part <img src=\"cid:abc123\"></p>",
		"--inner--",
		"--related",
		"Content-Type: image/png",
		"Content-ID: <abc123>",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVs",
		"bG8=",
		"--related",
		"Content-Type: image/gif",
		"",
		"R0lGODlh",
		"--related--",
		"--outer",
		"Content-Type: application/octet-stream; name=\"data.bin\"",
		"Content-Disposition: attachment; filename=\"data.bin\"",
		"",
		"binarydata",
		"--outer--",
	)

	if len(msg.Contents) != 2 {
		t.Fatalf("Contents: got %d, want 2", len(msg.Contents))
	}
	if msg.Contents[0].ContentType != email.ContentTypePlain || msg.Contents[0].Data != "Plain text part" {
		t.Errorf("Contents[0]: got %+v", msg.Contents[0])
	}
	if msg.Contents[1].ContentType != email.ContentTypeHTML {
		t.Errorf("Contents[1].ContentType: got %q, want %q", msg.Contents[1].ContentType, email.ContentTypeHTML)
	}

	if len(msg.InlineImages) != 1 {
		t.Fatalf("InlineImages: got %d, want 1", len(msg.InlineImages))
	}
	img := msg.InlineImages[0]
	if img.ContentID != "abc123" {
		t.Errorf("ContentID: got %q, want %q", img.ContentID, "abc123")
	}
	if img.ContentType != "image/png" {
		t.Errorf("ContentType: got %q, want %q", img.ContentType, "image/png")
	}
	if img.Data != "SGVsbG8=" {
		t.Errorf("Data: got %q, want %q", img.Data, "SGVsbG8=")
	}

	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "data.bin" {
		t.Fatalf("Attachments: got %+v", msg.Attachments)
	}
	if string(msg.Attachments[0].Data) != "binarydata" {
		t.Errorf("Attachment Data: got %q, want %q", string(msg.Attachments[0].Data), "binarydata")
	}
}

func TestConvertInlineImageWithoutDisposition(t *testing.T) {
	t.Parallel()

	msg, _ := convert(t,
		"Subject: Image",
		"Content-Type: multipart/related; boundary=rel",
		"",
		"--rel",
		"Content-Type: image/svg+xml",
		"Content-ID: <abc123>",
		"",
		"<svg/>",
		"--rel--",
	)

	img, ok := msg.InlineImage("abc123")
	if !ok {
		t.Fatalf("InlineImages: got %+v, want content id abc123", msg.InlineImages)
	}
	if img.Data != "<svg/>" {
		t.Errorf("Data: got %q, want %q", img.Data, "<svg/>")
	}
	if len(msg.Contents) != 0 {
		t.Errorf("Contents: got %d, want 0", len(msg.Contents))
	}
}

func TestConvertFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		lines []string
	}{
		{
			name:  "invalid header block",
			lines: []string{"not a valid email at all\x00\x01\x02"},
		},
		{
			name: "multipart missing boundary",
			lines: []string{
				"Subject: Broken",
				"Content-Type: multipart/mixed",
				"",
				"some body",
			},
		},
		{
			name: "multipart without any delimiter",
			lines: []string{
				"Subject: Broken",
				"Content-Type: multipart/alternative; boundary=nothere",
				"",
				"some body",
			},
		},
		{
			name: "unsupported top-level type",
			lines: []string{
				"Subject: PDF",
				"Content-Type: application/pdf",
				"",
				"%PDF-1.4",
			},
		},
		{
			name: "unparseable content type",
			lines: []string{
				"Subject: Bad",
				"Content-Type: /plain",
				"",
				"body",
			},
		},
		{
			name: "corrupt base64 after valid parts",
			lines: []string{
				"Subject: Partial",
				"Content-Type: multipart/mixed; boundary=b",
				"",
				"--b",
				"Content-Type: text/plain",
				"",
				"this part is fine",
				"--b",
				"Content-Type: application/pdf",
				"Content-Disposition: attachment; filename=\"x.pdf\"",
				"Content-Transfer-Encoding: base64",
				"",
				"!!!not base64!!!",
				"--b--",
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, raw := convert(t, tt.lines...)
			assertFallback(t, msg, raw)
			if msg.From != "sender@example.com" {
				t.Errorf("From: got %q, want envelope sender", msg.From)
			}
			if len(msg.To) != 1 || msg.To[0] != "receiver@example.com" {
				t.Errorf("To: got %v, want envelope recipients", msg.To)
			}
		})
	}
}

func TestConvertDoesNotShareEnvelope(t *testing.T) {
	t.Parallel()

	raw := &email.RawData{
		From:    "a@example.com",
		To:      []string{"b@example.com"},
		Content: []byte("Subject: x\r\n\r\nbody"),
	}
	msg := newTestFactory().Convert(raw)
	raw.To[0] = "changed@example.com"

	if msg.To[0] != "b@example.com" {
		t.Errorf("To: got %q, want %q", msg.To[0], "b@example.com")
	}
}
