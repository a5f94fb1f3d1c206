package policyfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/proctor/core/proctor"
)

const sample = `
default:
  max_violations: 5
  snapshot_interval_seconds: 60
exams:
  exam-101:
    max_violations: 3
    notify_emails: [invigilator@school.cd]
  exam-102:
    max_violations: null
    camera_required: false
`

func TestDecode(t *testing.T) {
	policies, err := Decode(strings.NewReader(sample))
	require.NoError(t, err)
	ctx := context.Background()

	pol, err := policies.Policy(ctx, "exam-101")
	require.NoError(t, err)
	require.NotNil(t, pol.MaxViolations)
	assert.Equal(t, uint(3), *pol.MaxViolations)
	assert.True(t, pol.CameraRequired, "inherited from the built-in default")
	assert.Equal(t, uint(60), pol.SnapshotIntervalSeconds)
	assert.Equal(t, []string{"invigilator@school.cd"}, pol.NotifyEmails)

	pol, err = policies.Policy(ctx, "exam-102")
	require.NoError(t, err)
	assert.Nil(t, pol.MaxViolations)
	assert.False(t, pol.CameraRequired)

	pol, err = policies.Policy(ctx, "unlisted")
	require.NoError(t, err)
	require.NotNil(t, pol.MaxViolations)
	assert.Equal(t, uint(5), *pol.MaxViolations)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "unknown field", doc: "default:\n  max_violation: 3\n"},
		{name: "zero limit", doc: "default:\n  max_violations: 0\n"},
		{name: "bad email", doc: "exams:\n  e1:\n    notify_emails: [nope]\n"},
		{name: "bad exam id", doc: "exams:\n  \"../e1\":\n    max_violations: 2\n"},
		{name: "not yaml", doc: "default: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tt.doc)); err == nil {
				t.Errorf("Decode() error = nil, want an error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	policies, err := Load("")
	require.NoError(t, err)
	pol, _ := policies.Policy(context.Background(), "any")
	assert.Equal(t, proctor.DefaultPolicy(), pol)

	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	_, err = Load(path)
	assert.NoError(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
