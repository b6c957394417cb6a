package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers, err := parseHeaders([]string{"X-Api-Key: secret", "Accept:application/x-protobuf"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"X-Api-Key": "secret",
		"Accept":    "application/x-protobuf",
	}, headers)

	headers, err = parseHeaders(nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{}, headers)

	_, err = parseHeaders([]string{"no-colon"})
	assert.Error(t, err)
}
