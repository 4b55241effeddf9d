package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	t.Setenv("EL_TEST_STRING", "  value ")
	assert.Equal(t, "value", String("EL_TEST_STRING", "fallback"))
	assert.Equal(t, "fallback", String("EL_TEST_UNSET", "fallback"))

	_, err := RequiredString("EL_TEST_UNSET")
	assert.EqualError(t, err, "EL_TEST_UNSET is required")
}

func TestPort(t *testing.T) {
	t.Setenv("EL_TEST_PORT", "70000")
	_, err := Port("EL_TEST_PORT", "8080")
	assert.Error(t, err)

	p, err := Port("EL_TEST_UNSET", "8080")
	require.NoError(t, err)
	assert.Equal(t, "8080", p)
}

func TestInt(t *testing.T) {
	t.Setenv("EL_TEST_INT", "25")
	n, err := Int("EL_TEST_INT", 50)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	t.Setenv("EL_TEST_INT", "-1")
	_, err = Int("EL_TEST_INT", 50)
	assert.Error(t, err)

	n, err = Int("EL_TEST_UNSET", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}

func TestDuration(t *testing.T) {
	t.Setenv("EL_TEST_DUR", "90")
	d, err := Duration("EL_TEST_DUR", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	t.Setenv("EL_TEST_DUR", "1500ms")
	d, err = Duration("EL_TEST_DUR", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	t.Setenv("EL_TEST_DUR", "soon")
	_, err = Duration("EL_TEST_DUR", time.Minute)
	assert.Error(t, err)
}

func TestFloatAndBool(t *testing.T) {
	t.Setenv("EL_TEST_FLOAT", "2.5")
	f, err := Float("EL_TEST_FLOAT", 2)
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)

	t.Setenv("EL_TEST_BOOL", "off")
	assert.False(t, Bool("EL_TEST_BOOL", true))
	assert.True(t, Bool("EL_TEST_UNSET", true))
}
