package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/partner-gateway/internal/model"
)

func TestSplitStatements(t *testing.T) {
	src := `
-- header comment
CREATE TABLE a (x String) ENGINE = Memory;

-- second
CREATE TABLE b (y String)
ENGINE = Memory;
;
`
	got := splitStatements(src)
	require.Len(t, got, 2)
	assert.Equal(t, "CREATE TABLE a (x String) ENGINE = Memory", got[0])
	assert.Equal(t, "CREATE TABLE b (y String)\nENGINE = Memory", got[1])
}

func TestClickHouseMigrationIsOneStatement(t *testing.T) {
	b, err := os.ReadFile(filepath.Join("..", "migrations", "clickhouse", "001_usage.sql"))
	require.NoError(t, err)

	stmts := splitStatements(string(b))
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], "ReplacingMergeTree")
}

func TestDemoPartners(t *testing.T) {
	seen := map[string]bool{}
	active := 0
	for _, p := range demoPartners() {
		assert.False(t, seen[p.ID], "duplicate id %s", p.ID)
		seen[p.ID] = true
		assert.True(t, p.Status.Valid())
		if p.Status == model.PartnerActive {
			active++
			assert.Positive(t, p.UsageLimits.V.MaxKeys)
		}
	}
	assert.Equal(t, 2, active)
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"serve"}, {"migrate"}, {"seed"},
		{"keys", "issue"}, {"keys", "revoke"}, {"keys", "rotate"},
		{"worker", "usage"}, {"worker", "outbox"},
	} {
		c, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], c.Name())
	}
}
