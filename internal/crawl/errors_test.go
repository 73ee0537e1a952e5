package crawl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindRecoverable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind        Kind
		recoverable bool
	}{
		{KindNetworkTimeout, true},
		{KindNetworkConnection, true},
		{KindRateLimited, true},
		{KindDatabase, true},
		{KindTimeout, true},
		{KindParse, false},
		{KindValidation, false},
		{KindConfiguration, false},
		{KindCancelled, false},
		{KindUnknown, false},
		{Kind("future_kind"), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.recoverable, tc.kind.Recoverable(), string(tc.kind))
	}
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	require.Equal(t, "parse_error: missing title", NewError(KindParse, "missing title").Error())

	cause := errors.New("connection refused")
	wrapped := WrapError(KindNetworkConnection, "fetch page 3", cause)
	require.Equal(t, "network_connection: fetch page 3: connection refused", wrapped.Error())
	require.ErrorIs(t, wrapped, cause)
}

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net failure" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

var _ net.Error = timeoutErr{}

func TestKindOfClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"typed error keeps kind", NewError(KindDatabase, "save"), KindDatabase},
		{"wrapped typed error", fmt.Errorf("outer: %w", NewError(KindRateLimited, "429")), KindRateLimited},
		{"context canceled", context.Canceled, KindCancelled},
		{"wrapped cancellation", fmt.Errorf("fetch: %w", context.Canceled), KindCancelled},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"net timeout", timeoutErr{timeout: true}, KindNetworkTimeout},
		{"net non-timeout", timeoutErr{timeout: false}, KindNetworkConnection},
		{"plain error", errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}
