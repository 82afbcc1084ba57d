// Package config loads the replay driver settings from config.yaml.
package config

import (
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"tickreplay.dev/internal/timeline"
)

type Config struct {
	Timeline Timeline `yaml:"timeline"`
	Net      Net      `yaml:"net"`
	Predict  Predict  `yaml:"predict"`
	Storage  Storage  `yaml:"storage"`
	Snapshot Snapshot `yaml:"snapshot"`
}

type Timeline struct {
	MaxEntries  int    `yaml:"max_entries"`
	BackupEvery int    `yaml:"backup_every_ticks"`
	Watermark   string `yaml:"watermark_policy"`
}

type Net struct {
	URL           string `yaml:"url"`
	SendDelayTick int    `yaml:"send_delay_ticks"`
	PacketLog     string `yaml:"packet_log_dir"`
}

type Predict struct {
	MaxTicks int `yaml:"max_ticks"`
}

type Storage struct {
	ReplayDir string `yaml:"replay_dir"`
	IndexDB   string `yaml:"index_db"`
	Mirror    Mirror `yaml:"mirror"`
}

// Mirror uploads saved replays to an S3-compatible bucket. Credentials come
// from REPLAY_MIRROR_ACCESS_KEY_ID and REPLAY_MIRROR_SECRET_ACCESS_KEY.
type Mirror struct {
	Endpoint string `yaml:"endpoint"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Workers  int    `yaml:"workers"`
}

func (m Mirror) Enabled() bool { return m.Endpoint != "" && m.Bucket != "" }

type Snapshot struct {
	// Level is the zstd encoder level: 1 fastest .. 4 best.
	Level int `yaml:"zstd_level"`
}

func Defaults() Config {
	return Config{
		Timeline: Timeline{MaxEntries: 100, BackupEvery: 10, Watermark: timeline.Inclusive.String()},
		Net:      Net{SendDelayTick: 180, PacketLog: "data/packets"},
		Predict:  Predict{MaxTicks: 60},
		Storage:  Storage{ReplayDir: "data/replays", IndexDB: "data/index.sqlite", Mirror: Mirror{Prefix: "replays", Workers: 2}},
		Snapshot: Snapshot{Level: 1},
	}
}

// Load reads path over Defaults. Keys missing from the file keep their default.
func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("config.yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("config.yaml: %w", err)
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.Timeline.MaxEntries < 0 {
		return fmt.Errorf("timeline.max_entries must be >= 0")
	}
	if c.Timeline.BackupEvery <= 0 {
		return fmt.Errorf("timeline.backup_every_ticks must be > 0")
	}
	if _, err := timeline.ParsePolicy(c.Timeline.Watermark); err != nil {
		return fmt.Errorf("timeline.watermark_policy: %w", err)
	}
	if c.Net.SendDelayTick < 0 {
		return fmt.Errorf("net.send_delay_ticks must be >= 0")
	}
	if c.Predict.MaxTicks <= 0 {
		return fmt.Errorf("predict.max_ticks must be > 0")
	}
	if c.Storage.Mirror.Enabled() && c.Storage.Mirror.Workers <= 0 {
		return fmt.Errorf("storage.mirror.workers must be > 0")
	}
	if c.Snapshot.Level < 1 || c.Snapshot.Level > 4 {
		return fmt.Errorf("snapshot.zstd_level must be in 1..4")
	}
	return nil
}

// WatermarkPolicy returns the parsed policy; Validate has already checked it.
func (c Config) WatermarkPolicy() timeline.Policy {
	p, _ := timeline.ParsePolicy(c.Timeline.Watermark)
	return p
}

func (c Config) ZstdLevel() zstd.EncoderLevel { return zstd.EncoderLevel(c.Snapshot.Level) }
