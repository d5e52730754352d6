package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	original := New("disk full")
	wrapped := Wrapf(original, "insert job %s", "SJ_1")

	assert.Contains(t, wrapped.Error(), "insert job SJ_1")
	assert.Contains(t, wrapped.Error(), "disk full")
	assert.True(t, Is(wrapped, original))
}

type jobError struct {
	id string
}

func (e *jobError) Error() string {
	return "job " + e.id
}

func TestAsThroughWrapping(t *testing.T) {
	wrapped := Wrap(&jobError{id: "SJ_2"}, "sweep")

	var target *jobError
	require.True(t, As(wrapped, &target))
	assert.Equal(t, "SJ_2", target.id)

	// Standard library wrapping is understood too
	stdWrapped := fmt.Errorf("outer: %w", wrapped)
	require.True(t, As(stdWrapped, &target))
}

func TestHintsAndDetails(t *testing.T) {
	err := WithDetail(WithHint(New("send failed"), "check dispatch.webhook.url"), "recipient=+620000")

	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Equal(t, "check dispatch.webhook.url", hints[0])

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "recipient=+620000", details[0])
}

func TestSentinelHelpers(t *testing.T) {
	notFound := NewNotFoundError("workflow %s", "wf-1")
	assert.True(t, IsNotFoundError(notFound))
	assert.Contains(t, notFound.Error(), "workflow wf-1")
	assert.False(t, IsInvalidRequestError(notFound))

	invalid := NewInvalidRequestError("reason is required")
	assert.True(t, IsInvalidRequestError(invalid))
	assert.False(t, IsNotFoundError(invalid))

	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsInvalidRequestError(nil))
}
