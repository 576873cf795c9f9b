package ulid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAt_Monotonic(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	a := At(ts)
	b := At(ts)
	assert.Less(t, a, b)

	got, err := Time(a)
	require.NoError(t, err)
	assert.Equal(t, ts.UnixMilli(), got.UnixMilli())
}

func TestTime_Invalid(t *testing.T) {
	_, err := Time("not-a-ulid")
	assert.Error(t, err)
}
