package fiberloop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapBeamWrapsOnce(t *testing.T) {
	assert.Nil(t, wrapBeam(nil))

	cause := errors.New("cause")
	wrapped := wrapBeam(cause)
	var be *BeamError
	require.ErrorAs(t, wrapped, &be)
	assert.Same(t, cause, be.Cause)

	// Wrapping an already-wrapped error is the identity.
	assert.Same(t, wrapped, wrapBeam(wrapped))
}

func TestBeamErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	be := &BeamError{Cause: cause}
	assert.ErrorIs(t, be, cause)
	assert.Equal(t, "fiberloop: beam error: cause", be.Error())
	assert.Equal(t, "fiberloop: beam error", (&BeamError{}).Error())
}

func TestTimeoutErrorMessages(t *testing.T) {
	assert.Equal(t, "fiberloop: operation timed out", (&TimeoutError{}).Error())
	assert.Equal(t, "custom", (&TimeoutError{Message: "custom"}).Error())

	cause := errors.New("cause")
	te := &TimeoutError{Cause: cause}
	assert.ErrorIs(t, te, cause)
}

func TestIOErrorMessages(t *testing.T) {
	assert.Equal(t, "fiberloop: i/o error", (&IOError{}).Error())
	assert.Equal(t, "fiberloop: closed stream", (&IOError{Message: "closed stream"}).Error())
}

func TestCrossThreadAndSchedulerErrorMessages(t *testing.T) {
	assert.Equal(t, "fiberloop: cross-loop access", (&CrossThreadError{}).Error())
	assert.Equal(t, "fiberloop: nope", (&CrossThreadError{Message: "nope"}).Error())
	assert.Equal(t, "fiberloop: scheduler error", (&SchedulerError{}).Error())
	assert.Equal(t, "fiberloop: nope", (&SchedulerError{Message: "nope"}).Error())
}

func TestPanicErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	pe := PanicError{Value: cause}
	assert.ErrorIs(t, pe, cause)

	// Non-error panic values have no cause chain.
	assert.Nil(t, PanicError{Value: "oops"}.Unwrap())
	assert.Contains(t, PanicError{Value: "oops"}.Error(), "oops")
}
