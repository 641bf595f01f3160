package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftloom/draftloom-be/internal/jobs"
)

func TestJobCursorRoundTrip(t *testing.T) {
	original := &jobs.ListCursor{
		CreatedAt: time.Date(2026, 3, 14, 9, 30, 0, 123456789, time.UTC),
		JobID:     "5f4c9e1a-7a0a-4f3e-9d6b-2c1f8e7a6b5c",
	}

	encoded, err := EncodeJobCursor(original)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := DecodeJobCursor(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded)

	assert.Equal(t, original.JobID, decoded.JobID)
	assert.Equal(t, original.CreatedAt.UnixNano(), decoded.CreatedAt.UnixNano())
}

func TestDecodeJobCursor(t *testing.T) {
	t.Run("empty cursor means first page", func(t *testing.T) {
		cursor, err := DecodeJobCursor("")
		require.NoError(t, err)
		assert.Nil(t, cursor)
	})

	t.Run("not base64", func(t *testing.T) {
		_, err := DecodeJobCursor("!!not-base64!!")
		assert.Error(t, err)
	})

	t.Run("missing separator", func(t *testing.T) {
		raw := base64.StdEncoding.EncodeToString([]byte("1234567890"))
		_, err := DecodeJobCursor(raw)
		assert.ErrorContains(t, err, "invalid cursor format")
	})

	t.Run("non-numeric timestamp", func(t *testing.T) {
		raw := base64.StdEncoding.EncodeToString([]byte("yesterday|job-1"))
		_, err := DecodeJobCursor(raw)
		assert.ErrorContains(t, err, "invalid createdAt")
	})
}
