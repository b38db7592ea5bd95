package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/txevents/internal/sideeffect"
)

const sample = `
strict: true
families:
  user: [user.created, user.deleted, user.profile]
  user.profile: [user.profile.updated]
policies:
  user.created:
    mode: before_commit
    max_retries: 2
    timeout: 2s
    fail_on_error: true
  user.profile:
    mode: async
    jitter: 0.5
`

func TestParseBuildsCatalogAndPolicies(t *testing.T) {
	f, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	c, err := f.Catalog()
	require.NoError(t, err)
	assert.True(t, c.Strict())
	assert.Equal(t, []string{"user.created", "user.deleted", "user.profile.updated"}, c.Leaves("user"))

	reg, err := f.Registry(sideeffect.DefaultPolicy(), c)
	require.NoError(t, err)

	created := reg.Resolve("user.created")
	assert.Equal(t, sideeffect.BeforeCommit, created.Mode)
	assert.Equal(t, 2, created.MaxRetries)
	assert.Equal(t, 2*time.Second, created.Timeout)
	assert.True(t, created.FailOnError)
	assert.Equal(t, sideeffect.DefaultPolicy().InitialDelay, created.InitialDelay)

	updated := reg.Resolve("user.profile.updated")
	assert.Equal(t, sideeffect.AfterCommit, updated.Mode)
	assert.InDelta(t, 0.5, updated.Jitter, 0.0001)

	assert.Equal(t, sideeffect.DefaultPolicy(), reg.Resolve("user.deleted"))
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"unknown field": "famlies: {}\n",
		"bad mode":      "policies:\n  a: {mode: later}\n",
		"bad duration":  "policies:\n  a: {timeout: soon}\n",
		"bad jitter":    "policies:\n  a: {jitter: 3}\n",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			f, err := Parse(strings.NewReader(doc))
			if err == nil {
				_, err = f.Registry(sideeffect.DefaultPolicy(), nil)
			}
			require.Error(t, err)
		})
	}
}

func TestCatalogRejectsCycles(t *testing.T) {
	f, err := Parse(strings.NewReader("families:\n  a: [b]\n  b: [a]\n"))
	require.NoError(t, err)

	_, err = f.Catalog()
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	empty, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, empty.Families)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Families, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEmptyDocument(t *testing.T) {
	f, err := Parse(strings.NewReader(""))
	require.NoError(t, err)

	c, err := f.Catalog()
	require.NoError(t, err)
	assert.False(t, c.Strict())
}
