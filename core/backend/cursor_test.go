package backend

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorEncoding(t *testing.T) {
	original := PaginationCursor{
		Timestamp: time.Date(2025, 6, 17, 10, 30, 0, 123, time.UTC),
		ID:        uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
	}

	encoded := original.Encode()
	require.NotEmpty(t, encoded)

	decoded, err := DecodePaginationCursor(encoded)
	require.NoError(t, err)
	assert.True(t, decoded.Timestamp.Equal(original.Timestamp), "nanoseconds survive the round trip")
	assert.Equal(t, original.ID, decoded.ID)
}

func TestCursorInvalidFormats(t *testing.T) {
	testCases := []string{
		"invalid_format",
		"123",
		"123.invalid_uuid",
		"invalid_timestamp.550e8400-e29b-41d4-a716-446655440000",
		"",
	}

	for _, tc := range testCases {
		_, err := DecodePaginationCursor(tc)
		assert.Error(t, err, "cursor %q", tc)
	}
}

func TestParsePageRequest(t *testing.T) {
	p, err := parsePageRequest("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultPageLimit, p.Limit)
	assert.Nil(t, p.Cursor)

	p, err = parsePageRequest("100000", "")
	require.NoError(t, err)
	assert.Equal(t, MaxPageLimit, p.Limit)

	cursor := PaginationCursor{Timestamp: testNow, ID: uuid.New()}
	p, err = parsePageRequest("10", cursor.Encode())
	require.NoError(t, err)
	assert.Equal(t, 10, p.Limit)
	require.NotNil(t, p.Cursor)
	assert.Equal(t, cursor.ID, p.Cursor.ID)

	for _, limit := range []string{"0", "-3", "ten"} {
		_, err = parsePageRequest(limit, "")
		assert.ErrorIs(t, err, errBadRequest, limit)
	}
	_, err = parsePageRequest("", "garbage")
	assert.ErrorIs(t, err, errBadRequest)
}
