package main

import (
	"MarginWatch/internal/persistence"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRenderStatus(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	renderStatus(&buf, []persistence.MigrationStatus{
		{Version: "000001", Filename: "000001_ledger.up.sql", AppliedAt: &at},
		{Version: "000002", Filename: "000002_next.up.sql"},
		{Version: "000003"},
	})

	out := buf.String()
	assert.Contains(t, out, "MIGRATIONS")
	assert.Contains(t, out, "000001_ledger.up.sql")
	assert.Contains(t, out, "2024-03-01 12:00:00")
	assert.Contains(t, out, "(missing)")
	assert.Contains(t, out, "pending")
}
