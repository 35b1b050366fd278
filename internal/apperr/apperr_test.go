package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_NilCausePassesThrough(t *testing.T) {
	assert.NoError(t, Wrap(Internal, nil, "should not happen"))
}

func TestKindOf(t *testing.T) {
	err := Wrap(NotFound, errors.New("missing row"), "subscription not found")
	assert.Equal(t, NotFound, KindOf(err))

	assert.Equal(t, Internal, KindOf(errors.New("unclassified")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 400, HTTPStatus(Validation))
	assert.Equal(t, 404, HTTPStatus(NotFound))
	assert.Equal(t, 429, HTTPStatus(RateLimited))
	assert.Equal(t, 500, HTTPStatus(Internal))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Conflict, cause, "position already closed")
	assert.ErrorIs(t, err, cause)
}
