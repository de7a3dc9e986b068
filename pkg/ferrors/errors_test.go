package ferrors_test

import (
	"testing"

	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndIs(t *testing.T) {
	err := ferrors.New(ferrors.NotFound, "worker missing")
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.NotFound))
	assert.False(t, ferrors.Is(err, ferrors.Conflict))
	assert.Equal(t, ferrors.NotFound, ferrors.KindOf(err))
}

func TestWrapPreservesKind(t *testing.T) {
	base := ferrors.New(ferrors.Unauthorized, "bad token")
	wrapped := ferrors.Wrap(ferrors.Unauthorized, base, "register failed")
	assert.True(t, ferrors.Is(wrapped, ferrors.Unauthorized))
	assert.Contains(t, wrapped.Error(), "register failed")
}

func TestKindOfUnknownIsInternal(t *testing.T) {
	assert.Equal(t, ferrors.Internal, ferrors.KindOf(assertPlainError()))
}

func assertPlainError() error {
	return plainErr{}
}

type plainErr struct{}

func (plainErr) Error() string { return "plain" }

func TestHTTPStatus(t *testing.T) {
	cases := map[ferrors.Kind]int{
		ferrors.Validation:   400,
		ferrors.Unauthorized: 401,
		ferrors.NotFound:     404,
		ferrors.Conflict:     409,
		ferrors.Transient:    503,
		ferrors.Superseded:   409,
		ferrors.Internal:     500,
	}
	for kind, status := range cases {
		assert.Equal(t, status, ferrors.HTTPStatus(kind))
	}
}
