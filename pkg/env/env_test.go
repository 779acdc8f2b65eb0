package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvString(t *testing.T) {
	t.Setenv("PULSE_TEST_STRING", "hello")

	assert.Equal(t, "hello", GetEnvString("PULSE_TEST_STRING", "fallback"))
	assert.Equal(t, "fallback", GetEnvString("PULSE_TEST_MISSING", "fallback"))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("PULSE_TEST_BOOL", "true")
	t.Setenv("PULSE_TEST_BOOL_BAD", "not-a-bool")

	assert.True(t, GetEnvBool("PULSE_TEST_BOOL", false))
	assert.False(t, GetEnvBool("PULSE_TEST_BOOL_BAD", false))
	assert.True(t, GetEnvBool("PULSE_TEST_MISSING", true))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("PULSE_TEST_INT", "42")
	t.Setenv("PULSE_TEST_INT_BAD", "forty-two")

	assert.Equal(t, 42, GetEnvInt("PULSE_TEST_INT", 7))
	assert.Equal(t, 7, GetEnvInt("PULSE_TEST_INT_BAD", 7))
	assert.Equal(t, 7, GetEnvInt("PULSE_TEST_MISSING", 7))
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("PULSE_TEST_FLOAT", "80.5")
	t.Setenv("PULSE_TEST_FLOAT_BAD", "eighty")

	assert.Equal(t, 80.5, GetEnvFloat("PULSE_TEST_FLOAT", 1.0))
	assert.Equal(t, 1.0, GetEnvFloat("PULSE_TEST_FLOAT_BAD", 1.0))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("PULSE_TEST_DURATION", "150ms")
	t.Setenv("PULSE_TEST_DURATION_BAD", "soon")

	assert.Equal(t, 150*time.Millisecond, GetEnvDuration("PULSE_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("PULSE_TEST_DURATION_BAD", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("PULSE_TEST_MISSING", time.Second))
}
