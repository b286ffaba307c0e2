package utils

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUniqueEmails(t *testing.T) {
	got := UniqueEmails([]string{" Alice@Example.org", "alice@example.org", "", "bob@example.org "})

	assert.Equal(t, []string{"Alice@Example.org", "bob@example.org"}, got)
}

func TestExtractDomainFromEmail(t *testing.T) {
	tests := map[string]string{
		"bob@Example.COM":            "example.com",
		"Bob <bob@mail.example.com>": "mail.example.com",
		"no-at-sign":                 "",
		"":                           "",
	}
	for input, want := range tests {
		assert.Equal(t, want, ExtractDomainFromEmail(input), input)
	}
}

func TestGenerateMessageID(t *testing.T) {
	pattern := regexp.MustCompile(`^<\d+\.[a-z0-9]{12}(\.[0-9a-f]{8})?@example\.com>$`)

	plain := GenerateMessageID("example.com", "")
	tagged := GenerateMessageID("example.com", "uuid-1")

	assert.Regexp(t, pattern, plain)
	assert.Regexp(t, pattern, tagged)
	assert.NotEqual(t, plain, GenerateMessageID("example.com", ""))
}

func TestGetFileExtensionFromContentType(t *testing.T) {
	assert.Equal(t, "txt", GetFileExtensionFromContentType("text/plain; charset=utf-8"))
	assert.Equal(t, "html", GetFileExtensionFromContentType("TEXT/HTML"))
	assert.Equal(t, "eml", GetFileExtensionFromContentType("message/rfc822"))
	assert.Equal(t, "pdf", GetFileExtensionFromContentType("application/pdf"))
	assert.Equal(t, "bin", GetFileExtensionFromContentType("application/x-unknown"))
}

func TestNormalizeMessageIDAndTruncate(t *testing.T) {
	assert.Equal(t, "abc@example.org", NormalizeMessageID(" <abc@example.org> "))
	assert.Equal(t, "grü", Truncate("grüße", 3))
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "abc", Truncate("abc", 10))
}

func TestCustomContext(t *testing.T) {
	ctx := WithCustomContext(context.Background(), &CustomContext{AccountId: "acct-1", UserId: "user-1", RequestId: "req-1"})

	assert.Equal(t, "acct-1", GetAccountIdFromContext(ctx))
	assert.Equal(t, "user-1", GetUserIdFromContext(ctx))
	assert.Equal(t, "req-1", GetRequestIdFromContext(ctx))
	assert.Empty(t, GetAccountIdFromContext(context.Background()))
}
