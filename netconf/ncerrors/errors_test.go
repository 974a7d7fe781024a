package ncerrors

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCarriesOperationAndKind(t *testing.T) {
	err := New(Timeout, "executeRpc", "deadline exceeded after %dms", 1000)
	assert.Contains(t, err.Error(), "executeRpc")
	assert.Contains(t, err.Error(), "TIMEOUT")
	assert.Contains(t, err.Error(), "1000")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := assert.AnError
	err := Wrap(Transport, "connect", cause, "ssh dial failed")
	assert.ErrorIs(t, err, cause)
}

func TestWithReplyTruncates(t *testing.T) {
	err := New(Load, "loadXmlConfiguration", "rejected")
	long := strings.Repeat("x", maxReplySnippet+500)
	err = err.WithReply(long)
	assert.True(t, len(err.ReplySnippet) <= maxReplySnippet+len("…"))
	assert.Contains(t, err.Error(), "reply:")
}

func TestIsMatchesKind(t *testing.T) {
	err := New(NotConnected, "getConfig", "session closed")
	assert.True(t, Is(err, NotConnected))
	assert.False(t, Is(err, Timeout))
}

func TestIsFalseForNonNcError(t *testing.T) {
	assert.False(t, Is(assert.AnError, Timeout))
}
