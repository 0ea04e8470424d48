// Package testutil provides testing utilities shared by the rdmalink
// packages.
//
// This package centralizes common testing infrastructure to:
// - Build fake sysfs trees so device discovery runs without hardware
// - Standardize on testify assertions
// - Provide deterministic payloads for transfer tests
//
// Usage:
//
//	import (
//		"github.com/piwi3910/rdmalink/internal/testutil"
//		"github.com/stretchr/testify/require"
//	)
//
//	func TestSomething(t *testing.T) {
//		root := testutil.WriteSysfsTree(t, testutil.MLX5Device("mlx5_0", "10.0.0.1"))
//
//		// Run test against root...
//		require.NoError(t, err)
//	}
package testutil

import (
	"os"
	"strings"
	"testing"
	"time"
)

// ContainsString checks if the string s contains the substring substr.
// This is a convenience wrapper around strings.Contains for test assertions.
func ContainsString(s, substr string) bool {
	return strings.Contains(s, substr)
}

// GetEnvOrDefault returns the environment variable value or a default if not set.
// This is useful for configurable test parameters like test timeouts.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// TestTimeout is how long asynchronous assertions wait. Override with
// RDMALINK_TEST_TIMEOUT (a Go duration).
func TestTimeout() time.Duration {
	d, err := time.ParseDuration(GetEnvOrDefault("RDMALINK_TEST_TIMEOUT", "5s"))
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// WaitFor receives one value from ch or fails the test after TestTimeout.
func WaitFor[T any](t testing.TB, ch <-chan T, what string) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(TestTimeout()):
		t.Fatalf("timed out waiting for %s", what)
	}

	var zero T
	return zero
}
