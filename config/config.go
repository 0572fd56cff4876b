package config

import (
	_ "embed"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
)

//go:embed example-config.yaml
var ExampleConfig string

type ResolutionConfig struct {
	EventCacheSize int `yaml:"event_cache_size"`
}

type Config struct {
	SynapseDB  dbutil.Config     `yaml:"synapse_db"`
	Resolution ResolutionConfig  `yaml:"resolution"`
	Logging    zeroconfig.Config `yaml:"logging"`
}
