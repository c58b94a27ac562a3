package sim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMapFromYAML(t *testing.T) {
	dir := t.TempDir()
	mapYAML := `
name: duel_pit
spawn_points:
  - [1, 0, 2]
  - [-1, 0, -2]
bounds:
  min: [-20, -5, -20]
  max: [20, 20, 20]
pickups:
  - position: [0, 0, 0]
    value: 25
contact_damage: 12.5
modes:
  score_limit: 50
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "duel_pit.yaml"), []byte(mapYAML), 0644))

	cfg := LoadMap(dir, "duel_pit")
	assert.Equal(t, "duel_pit", cfg.Name)
	require.Len(t, cfg.SpawnPoints, 2)
	assert.Equal(t, Vec3{1, 0, 2}, cfg.SpawnPoints[0])
	assert.Equal(t, 25, cfg.Pickups[0].Value)
	assert.Equal(t, 12.5, cfg.ContactDamage)
	assert.Equal(t, 50, cfg.Modes.ScoreLimit)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMapFallsBackToDefault(t *testing.T) {
	cfg := LoadMap(t.TempDir(), "no_such_map")
	assert.Equal(t, "no_such_map", cfg.Name)
	assert.NotEmpty(t, cfg.SpawnPoints)
	assert.Zero(t, cfg.ContactDamage, "damage model defaults to zero")
	assert.NoError(t, cfg.Validate())
}

func TestSpawnPointAssignmentWraps(t *testing.T) {
	cfg := DefaultMap("m")
	n := len(cfg.SpawnPoints)
	assert.Equal(t, cfg.SpawnPoints[0], cfg.SpawnPointFor(0))
	assert.Equal(t, cfg.SpawnPoints[0], cfg.SpawnPointFor(n))
	assert.Equal(t, cfg.SpawnPoints[1], cfg.SpawnPointFor(n+1))
}

func TestMapValidation(t *testing.T) {
	cfg := DefaultMap("m")
	cfg.Bounds.Min[0] = cfg.Bounds.Max[0]
	assert.Error(t, cfg.Validate())

	cfg = DefaultMap("m")
	cfg.ContactDamage = -1
	assert.Error(t, cfg.Validate())
}
