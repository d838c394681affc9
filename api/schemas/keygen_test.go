package schemas

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityAddress(t *testing.T) {
	t.Parallel()
	id := Identity{LocalPart: "abc123", Domain: "example.test", Password: "x"}
	assert.Equal(t, "abc123@example.test", id.Address())
}

func TestStageTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, StageDone.Terminal())
	assert.True(t, StageFailed.Terminal())
	for _, s := range []Stage{
		StageInit, StageIdentityReady, StageMailboxReady, StageSignupSubmitted,
		StageAwaitingVerification, StageLinkObtained, StageConfirmed,
	} {
		assert.False(t, s.Terminal(), "stage %s must not be terminal", s)
	}
}

func TestProxyEndpointRendering(t *testing.T) {
	t.Parallel()
	ep := ProxyEndpoint{Host: "10.0.0.1", Port: 8080, Protocol: ProxyHTTP}
	assert.Equal(t, "10.0.0.1:8080", ep.Addr())
	assert.Equal(t, "http://10.0.0.1:8080", ep.URL())

	socks := ProxyEndpoint{Host: "proxy.example", Port: 1080, Protocol: ProxySOCKS5}
	assert.Equal(t, "socks5://proxy.example:1080", socks.URL())
}

func TestFailureKindTransient(t *testing.T) {
	t.Parallel()
	transient := []FailureKind{KindProviderUnavailable, KindVerificationTimeout, KindProxyError}
	fatal := []FailureKind{KindAutomationError, KindSignupRejected, KindMessageFormatError, KindKeyNotFound}

	for _, k := range transient {
		assert.True(t, k.Transient(), "kind %s should be transient", k)
	}
	for _, k := range fatal {
		assert.False(t, k.Transient(), "kind %s should be fatal", k)
	}
}

func TestFailureErrorChain(t *testing.T) {
	t.Parallel()

	t.Run("wraps an underlying cause", func(t *testing.T) {
		t.Parallel()
		cause := errors.New("connection refused")
		f := NewFailure(StageMailboxReady, KindProviderUnavailable, "create inbox", cause)

		assert.ErrorIs(t, f, cause)
		assert.Contains(t, f.Error(), string(KindProviderUnavailable))
		assert.Contains(t, f.Error(), string(StageMailboxReady))
		assert.Contains(t, f.Error(), "connection refused")
	})

	t.Run("recoverable via errors.As", func(t *testing.T) {
		t.Parallel()
		wrapped := fmt.Errorf("run aborted: %w",
			NewFailure(StageAwaitingVerification, KindVerificationTimeout, "poll exhausted", nil))

		var f *Failure
		require.True(t, errors.As(wrapped, &f))
		assert.Equal(t, StageAwaitingVerification, f.Stage)
		assert.Equal(t, KindVerificationTimeout, f.Kind)
	})

	t.Run("renders without a cause", func(t *testing.T) {
		t.Parallel()
		f := NewFailure(StageConfirmed, KindKeyNotFound, "no key pattern on page", nil)
		assert.Equal(t, "KEY_NOT_FOUND at CONFIRMED: no key pattern on page", f.Error())
	})
}
