package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmailPlainText(t *testing.T) {
	raw := []byte("From: Alice <alice@example.com>\r\n" +
		"To: bob@drift.example\r\n" +
		"Subject: Hello\r\n" +
		"Message-ID: <abc123@example.com>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hello Bob\r\n")

	parsed, err := ParseEmail(raw)
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", parsed.From)
	assert.Equal(t, []string{"bob@drift.example"}, parsed.To)
	assert.Equal(t, "Hello", parsed.Subject)
	assert.Equal(t, "<abc123@example.com>", parsed.MessageID)
	assert.Contains(t, parsed.Text, "Hello Bob")
	assert.Empty(t, parsed.HTML)
	assert.Empty(t, parsed.Attachments)
}

func TestParseEmailMissingSubject(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"To: bob@drift.example\r\n" +
		"\r\n" +
		"body\r\n")

	parsed, err := ParseEmail(raw)
	require.NoError(t, err)
	assert.Equal(t, DefaultSubject, parsed.Subject)
}

func TestParseEmailDeliveredToFallback(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"Delivered-To: <carol@drift.example>\r\n" +
		"Subject: no to header\r\n" +
		"\r\n" +
		"body\r\n")

	parsed, err := ParseEmail(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol@drift.example"}, parsed.To)
}

func TestParseEmailMultipartWithAttachment(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"To: bob@drift.example\r\n" +
		"Subject: With attachment\r\n" +
		"Content-Type: multipart/mixed; boundary=BOUNDARY\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: application/pdf; name=report.pdf\r\n" +
		"Content-Disposition: attachment; filename=report.pdf\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"aGVsbG8gd29ybGQ=\r\n" +
		"--BOUNDARY--\r\n")

	parsed, err := ParseEmail(raw)
	require.NoError(t, err)

	assert.Contains(t, parsed.Text, "see attached")
	require.Len(t, parsed.Attachments, 1)
	att := parsed.Attachments[0]
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, []byte("hello world"), att.Content)
	assert.Equal(t, int64(11), att.Size)
}

func TestParseEmailAttachmentWithoutFilename(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"To: bob@drift.example\r\n" +
		"Subject: anon attachment\r\n" +
		"Content-Type: multipart/mixed; boundary=BOUNDARY\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Disposition: attachment\r\n" +
		"\r\n" +
		"payload\r\n" +
		"--BOUNDARY--\r\n")

	parsed, err := ParseEmail(raw)
	require.NoError(t, err)

	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "unnamed", parsed.Attachments[0].Filename)
	assert.Equal(t, "application/octet-stream", parsed.Attachments[0].ContentType)
}

func TestParseEmailMultipartAlternative(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"To: bob@drift.example\r\n" +
		"Subject: alt\r\n" +
		"Content-Type: multipart/alternative; boundary=ALT\r\n" +
		"\r\n" +
		"--ALT\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"plain version\r\n" +
		"--ALT\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>html version</p>\r\n" +
		"--ALT--\r\n")

	parsed, err := ParseEmail(raw)
	require.NoError(t, err)
	assert.Contains(t, parsed.Text, "plain version")
	assert.Contains(t, parsed.HTML, "html version")
}

func TestParseEmailQuotedPrintable(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"To: bob@drift.example\r\n" +
		"Subject: qp\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"caf=C3=A9\r\n")

	parsed, err := ParseEmail(raw)
	require.NoError(t, err)
	assert.Contains(t, parsed.Text, "café")
}

func TestParseEmailEncodedSubject(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"To: bob@drift.example\r\n" +
		"Subject: =?utf-8?B?5L2g5aW9?=\r\n" +
		"\r\n" +
		"body\r\n")

	parsed, err := ParseEmail(raw)
	require.NoError(t, err)
	assert.Equal(t, "你好", parsed.Subject)
}

func TestParseEmailGarbage(t *testing.T) {
	_, err := ParseEmail([]byte("not an email at all"))
	assert.Error(t, err)
}

func TestDedupKeyPrefersMessageID(t *testing.T) {
	parsed := &ParsedEmail{MessageID: "<id@example.com>"}
	assert.Equal(t, "<id@example.com>", parsed.DedupKey())
}

func TestDedupKeyFallbackIsRandom(t *testing.T) {
	parsed := &ParsedEmail{}
	first := parsed.DedupKey()
	second := parsed.DedupKey()
	assert.True(t, strings.HasPrefix(first, "generated-"))
	assert.NotEqual(t, first, second)
}

func TestSeenCacheEviction(t *testing.T) {
	cache := NewSeenCache(2)
	cache.Add("a")
	cache.Add("b")
	cache.Add("c")

	assert.False(t, cache.Contains("a"))
	assert.True(t, cache.Contains("b"))
	assert.True(t, cache.Contains("c"))
	assert.Equal(t, 2, cache.Len())
}

func TestSeenCacheDuplicateAdd(t *testing.T) {
	cache := NewSeenCache(2)
	cache.Add("a")
	cache.Add("a")
	cache.Add("b")
	cache.Add("c")

	assert.False(t, cache.Contains("a"))
	assert.True(t, cache.Contains("b"))
}
