package sim

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"arena1/logging"
)

// MapConfig is the YAML map description loaded from the maps directory.
// Spawn layout, obstacles, pickups, and the damage model are data, not code.
type MapConfig struct {
	Name        string       `yaml:"name"`
	SpawnPoints []Vec3       `yaml:"spawn_points"`
	Bounds      MapBounds    `yaml:"bounds"`
	Pickups     []MapPickup  `yaml:"pickups"`
	Obstacles   []MapBox     `yaml:"obstacles"`
	Enemies     []MapEnemy   `yaml:"enemies"`
	Modes       MapModeRules `yaml:"modes"`

	// ContactDamage is the enemy-vs-player damage applied per contact tick.
	// Zero unless the map opts in.
	ContactDamage float64 `yaml:"contact_damage"`
}

// MapBounds is the playable AABB; entities leaving it are clamped
type MapBounds struct {
	Min Vec3 `yaml:"min"`
	Max Vec3 `yaml:"max"`
}

// MapPickup places one collectible
type MapPickup struct {
	Position Vec3 `yaml:"position"`
	Value    int  `yaml:"value"`
}

// MapBox places one static obstacle as center + half extents
type MapBox struct {
	Position    Vec3 `yaml:"position"`
	HalfExtents Vec3 `yaml:"half_extents"`
}

// MapEnemy places one enemy
type MapEnemy struct {
	Position Vec3 `yaml:"position"`
}

// MapModeRules carries per-mode win condition tuning
type MapModeRules struct {
	ScoreLimit       int     `yaml:"score_limit"`
	TimeLimitSeconds float64 `yaml:"time_limit_seconds"`
	HillRadius       float64 `yaml:"hill_radius"`
	HillCenter       Vec3    `yaml:"hill_center"`
}

// LoadMap reads <dir>/<name>.yaml. A missing file falls back to the built-in
// default layout so rooms can always start.
func LoadMap(dir, name string) *MapConfig {
	path := filepath.Join(dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Debug("map file not found, using default layout", map[string]interface{}{
			"map":  name,
			"path": path,
		})
		return DefaultMap(name)
	}

	cfg := &MapConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		logging.Warn("map file unparseable, using default layout", map[string]interface{}{
			"map":   name,
			"error": err.Error(),
		})
		return DefaultMap(name)
	}
	if cfg.Name == "" {
		cfg.Name = name
	}
	cfg.fillDefaults()
	return cfg
}

// DefaultMap returns the built-in fallback layout
func DefaultMap(name string) *MapConfig {
	cfg := &MapConfig{
		Name: name,
		SpawnPoints: []Vec3{
			{-10, 0, -10},
			{10, 0, -10},
			{-10, 0, 10},
			{10, 0, 10},
			{0, 0, -15},
			{0, 0, 15},
			{-15, 0, 0},
			{15, 0, 0},
		},
		Bounds: MapBounds{
			Min: Vec3{-100, -10, -100},
			Max: Vec3{100, 50, 100},
		},
		Pickups: []MapPickup{
			{Position: Vec3{0, 0, 0}, Value: 10},
			{Position: Vec3{5, 0, 5}, Value: 5},
			{Position: Vec3{-5, 0, -5}, Value: 5},
		},
	}
	cfg.fillDefaults()
	return cfg
}

func (c *MapConfig) fillDefaults() {
	if len(c.SpawnPoints) == 0 {
		c.SpawnPoints = []Vec3{{0, 0, 0}}
	}
	if c.Bounds.Max == (Vec3{}) && c.Bounds.Min == (Vec3{}) {
		c.Bounds = MapBounds{Min: Vec3{-100, -10, -100}, Max: Vec3{100, 50, 100}}
	}
	if c.Modes.ScoreLimit == 0 {
		c.Modes.ScoreLimit = 30
	}
	if c.Modes.TimeLimitSeconds == 0 {
		c.Modes.TimeLimitSeconds = 600
	}
	if c.Modes.HillRadius == 0 {
		c.Modes.HillRadius = 8
	}
}

// SpawnPointFor deterministically assigns a spawn slot by join order
func (c *MapConfig) SpawnPointFor(index int) Vec3 {
	if len(c.SpawnPoints) == 0 {
		return Vec3{}
	}
	return c.SpawnPoints[index%len(c.SpawnPoints)]
}

// Validate rejects structurally broken maps
func (c *MapConfig) Validate() error {
	for i := 0; i < 3; i++ {
		if c.Bounds.Min[i] >= c.Bounds.Max[i] {
			return fmt.Errorf("map %s: bounds min >= max on axis %d", c.Name, i)
		}
	}
	if c.ContactDamage < 0 {
		return fmt.Errorf("map %s: negative contact damage", c.Name)
	}
	return nil
}
