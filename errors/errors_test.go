package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "window %s", "20261019T141500Z")

	assert.Contains(t, wrapped.Error(), "window 20261019T141500Z")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestMarkTransient(t *testing.T) {
	err := MarkTransient(New("ollama returned 503"))

	assert.True(t, Is(err, ErrTransient))
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
	assert.Equal(t, "ollama returned 503", err.Error(), "marking must not change the message")
}

func TestMarkPermanent(t *testing.T) {
	err := Wrap(MarkPermanent(New("model not found")), "summarize")

	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))
}

func TestInvariantViolationIsPermanent(t *testing.T) {
	err := NewInvariantViolation("window %s overlaps %s", "a", "b")

	assert.True(t, Is(err, ErrInvariantViolation))
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "window a overlaps b")
}

func TestUnclassifiedErrorsAreTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("connection reset")))
	assert.True(t, IsTransient(Wrap(context.DeadlineExceeded, "embed")))
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, MarkTransient(nil))
	assert.Nil(t, MarkPermanent(nil))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsPermanent(nil))
	assert.Nil(t, Wrap(nil, "context"))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("persist failed"), "Window: w1")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Window: w1", details[0])
}

func TestNotFound(t *testing.T) {
	err := NewNotFoundError("window %s", "w1")
	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsNotFoundError(New("other")))
}

func ExampleMarkTransient() {
	err := MarkTransient(New("backend timeout"))
	fmt.Println(IsTransient(err), IsPermanent(err))
	// Output: true false
}
