package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ErrorFormat(t *testing.T) {
	err := New("SESSION_001", "Payment unavailable", "Commerce session cs_1 was not found.")
	assert.Equal(t, "[SESSION_001] Commerce session cs_1 was not found.", err.Error())

	wrapped := Wrap("SYS_001", "Something went wrong", "An unexpected error occurred.", errors.New("boom"))
	assert.Contains(t, wrapped.Error(), "SYS_001")
	assert.Contains(t, wrapped.Error(), "boom")
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrSessionCreateFailed(cause)

	assert.ErrorIs(t, err, cause)

	var appErr *AppError
	require.ErrorAs(t, fmt.Errorf("creating session: %w", err), &appErr)
	assert.Equal(t, "SESSION_002", appErr.Code)
}

func TestAppError_UserFacing(t *testing.T) {
	err := ErrSigningFailed(errors.New("rejected by wallet"))
	title, message := err.UserFacing()
	assert.Equal(t, "Transaction failed", title)
	assert.NotContains(t, message, "rejected by wallet", "internal cause must not leak to the user")
}

func TestAppError_RecoverableClasses(t *testing.T) {
	assert.True(t, ErrAssetNotEligible("btc", errors.New("409")).Recoverable)
	assert.True(t, ErrStreamClosed(errors.New("eof")).Recoverable)
	assert.False(t, ErrSigningFailed(errors.New("x")).Recoverable)
	assert.False(t, ErrUnauthorized(errors.New("401")).Recoverable)
}
