package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCutoff(t *testing.T) {
	got, err := parseCutoff("2025-06-30")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), got)

	got, err = parseCutoff("2025-06-30T12:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 30, 10, 0, 0, 0, time.UTC), got)

	_, err = parseCutoff("last june")
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range []interface{ Name() string }{serveCmd(), migrateCmd(), archiveCmd()} {
		names[c.Name()] = true
	}
	assert.Equal(t, map[string]bool{"serve": true, "migrate": true, "archive": true}, names)

	var subs []string
	for _, c := range migrateCmd().Commands() {
		subs = append(subs, c.Name())
	}
	assert.ElementsMatch(t, []string{"up", "status"}, subs)

	assert.NotNil(t, archiveCmd().Flags().Lookup("before"))
}
