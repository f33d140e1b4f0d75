package testutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/status"
)

// RequireEqualStatus asserts that two errors carry the same grpc status
// code and message.
func RequireEqualStatus(t *testing.T, want, got error) {
	t.Helper()
	wantStatus := status.Convert(want)
	gotStatus := status.Convert(got)
	require.Equal(t, wantStatus.Code(), gotStatus.Code(), "status code mismatch")
	require.Equal(t, wantStatus.Message(), gotStatus.Message(), "status message mismatch")
}

// RequirePrefixedStatus asserts that got carries the same code as want,
// and that its message starts with want's message (allowing trailing
// detail, such as an underlying wrapped error).
func RequirePrefixedStatus(t *testing.T, want, got error) {
	t.Helper()
	wantStatus := status.Convert(want)
	gotStatus := status.Convert(got)
	require.Equal(t, wantStatus.Code(), gotStatus.Code(), "status code mismatch")
	require.True(
		t,
		strings.HasPrefix(gotStatus.Message(), wantStatus.Message()),
		"Want message of status\n%#v\nto have prefix\n%#v", gotStatus.Message(), wantStatus.Message())
}
