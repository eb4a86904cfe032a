package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const importJSON = `{
  "sessions": [
    {"id": "s1", "student_id": "st1", "started_at": "2024-04-01T18:00:00Z", "duration_seconds": 1200,
     "blocks": [{"skill_tag": "tecnica", "self_rating": 4}]},
    {"id": "s2", "student_id": "st1", "started_at": "2024-04-02T18:00:00Z", "duration_seconds": 600,
     "blocks": [{"skill_tag": "tecnica", "self_rating": 5}, {"skill_tag": "lectura"}]}
  ],
  "backpack": {
    "st1": [{"id": "b1", "kind": "technique", "skills": ["tecnica"]}]
  },
  "adjustments": {
    "st1": [{"id": "a1", "kind": "evaluation", "amount": 50, "occurred_at": "2024-04-02T20:00:00Z"}]
  }
}`

func execute(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_SQLITE_PATH", dbPath)
	t.Setenv("DB_LISTEN", "false")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "absent.env"), "--sqlite", dbPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestImportThenReport(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "progress.db")
	input := filepath.Join(dir, "import.json")
	require.NoError(t, os.WriteFile(input, []byte(importJSON), 0o600))

	out, err := execute(t, db, "import", input)
	require.NoError(t, err)
	assert.Equal(t, "imported 2 sessions, 1 backpacks, 1 adjustments\n", out)

	out, err = execute(t, db, "report", "st1", "--as-of", "2024-04-02")
	require.NoError(t, err)

	var report struct {
		StudentID     string    `json:"student_id"`
		AsOf          time.Time `json:"as_of"`
		PolicyVersion string    `json:"policy_version"`
		Sessions      int       `json:"sessions"`
		Practice      int64     `json:"practice_seconds"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "st1", report.StudentID)
	assert.Equal(t, "builtin-1", report.PolicyVersion)
	assert.Equal(t, 2, report.Sessions)
	assert.Equal(t, int64(1800), report.Practice)
	assert.Equal(t, 2, report.AsOf.Day())
}

func TestCohortAndSeries(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "progress.db")
	input := filepath.Join(dir, "import.json")
	require.NoError(t, os.WriteFile(input, []byte(importJSON), 0o600))
	_, err := execute(t, db, "import", input)
	require.NoError(t, err)

	out, err := execute(t, db, "cohort", "st1", "nobody", "--as-of", "2024-04-02")
	require.NoError(t, err)
	var cohort struct {
		Reports []struct {
			StudentID string `json:"student_id"`
		} `json:"reports"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &cohort))
	require.Len(t, cohort.Reports, 2)
	assert.Equal(t, "nobody", cohort.Reports[0].StudentID)
	assert.Equal(t, "st1", cohort.Reports[1].StudentID)

	out, err = execute(t, db, "series", "st1", "--from", "2024-04-01", "--to", "2024-04-07", "--granularity", "day")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, `"granularity": "day"`), out)
}

func TestImportRejectsMalformedSession(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(input, []byte(`{"sessions":[{"id":"s1","student_id":"st1"}]}`), 0o600))

	_, err := execute(t, filepath.Join(dir, "progress.db"), "import", input)
	assert.ErrorContains(t, err, "session 0")
}

func TestParseAsOf(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)

	zero, err := parseAsOf("", loc)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	endOfDay, err := parseAsOf("2024-04-02", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 2, 23, 59, 59, 999999999, loc), endOfDay)

	exact, err := parseAsOf("2024-04-02T10:00:00Z", loc)
	require.NoError(t, err)
	assert.Equal(t, 10, exact.Hour())

	_, err = parseAsOf("yesterday", loc)
	assert.Error(t, err)
}
