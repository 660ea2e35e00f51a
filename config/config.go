// Package config loads the engine configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shrtyk/statelog/api"
)

// duration parses YAML scalars like "500ms" or "2s".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

type logSection struct {
	Name              string `yaml:"name"`
	Directory         string `yaml:"directory"`
	SegmentSize       int64  `yaml:"segmentSize"`
	Retention         int    `yaml:"retention"`
	SnapshotThreshold int64  `yaml:"snapshotThreshold"`
	SyncChunkSize     int    `yaml:"syncChunkSize"`
}

type file struct {
	Local             string     `yaml:"local"`
	Members           []string   `yaml:"members"`
	Listeners         []string   `yaml:"listeners"`
	ElectionTimeout   duration   `yaml:"electionTimeout"`
	HeartbeatInterval duration   `yaml:"heartbeatInterval"`
	Log               logSection `yaml:"log"`
}

// Load reads and validates a YAML config file. Omitted fields keep the
// package defaults.
func Load(path string) (api.ClusterConfig, api.LogConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.ClusterConfig{}, api.LogConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML config document.
func Parse(data []byte) (api.ClusterConfig, api.LogConfig, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return api.ClusterConfig{}, api.LogConfig{}, fmt.Errorf("parse config: %w", err)
	}

	cluster := api.DefaultClusterConfig()
	cluster.LocalMember = f.Local
	cluster.Members = f.Members
	cluster.Listeners = f.Listeners
	if f.ElectionTimeout != 0 {
		cluster.ElectionTimeout = time.Duration(f.ElectionTimeout)
	}
	if f.HeartbeatInterval != 0 {
		cluster.HeartbeatInterval = time.Duration(f.HeartbeatInterval)
	}

	logCfg := api.DefaultLogConfig()
	if f.Log.Name != "" {
		logCfg.Name = f.Log.Name
	}
	if f.Log.Directory != "" {
		logCfg.Directory = f.Log.Directory
	}
	if f.Log.SegmentSize > 0 {
		logCfg.SegmentSize = f.Log.SegmentSize
	}
	if f.Log.Retention > 0 {
		logCfg.Retention = f.Log.Retention
	}
	if f.Log.SnapshotThreshold > 0 {
		logCfg.SnapshotThreshold = f.Log.SnapshotThreshold
	}
	if f.Log.SyncChunkSize > 0 {
		logCfg.SyncChunkSize = f.Log.SyncChunkSize
	}

	if err := cluster.Validate(); err != nil {
		return api.ClusterConfig{}, api.LogConfig{}, err
	}
	return cluster, logCfg, nil
}
