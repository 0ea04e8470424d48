package testutil

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// AssertErrorType asserts that actual wraps expected.
func AssertErrorType(t *testing.T, expected, actual error) {
	t.Helper()

	if expected == nil {
		assert.NoError(t, actual, "expected no error")
		return
	}

	assert.Error(t, actual, "expected an error")
	assert.True(t, errors.Is(actual, expected), "expected error %v, got %v", expected, actual)
}

// AssertSameBytes compares large payloads without dumping them on failure.
func AssertSameBytes(t *testing.T, expected, actual []byte) bool {
	t.Helper()

	if bytes.Equal(expected, actual) {
		return true
	}

	first := -1
	for i := 0; i < len(expected) && i < len(actual); i++ {
		if expected[i] != actual[i] {
			first = i
			break
		}
	}

	return assert.Fail(t, "payload mismatch",
		"expected %d bytes, got %d bytes, first difference at offset %d",
		len(expected), len(actual), first)
}
