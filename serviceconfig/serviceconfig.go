// Package serviceconfig loads the external collaborator named in spec §1 and
// §6: the table telling the report aggregator which metrics are DELTA,
// GAUGE, or CUMULATIVE. Production deployments fetch this from the Service
// Control API's service config; this package instead loads it from a local
// TOML file, the same way the teacher loads its own relay configuration
// with github.com/BurntSushi/toml.
package serviceconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/google/servicecontrol-agg-go/servicecontrol"
)

// MetricKind is one row of the known-metric table.
type MetricKind struct {
	Name string `toml:"name"`
	Kind string `toml:"kind"` // "DELTA", "GAUGE", or "CUMULATIVE"
}

// Config is the on-disk shape: a service name and its known metrics. Any
// metric not listed here defaults to DELTA (spec §4.2).
type Config struct {
	ServiceName string       `toml:"service_name"`
	Metrics     []MetricKind `toml:"metrics"`
}

// Load parses path as TOML into a Config.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("serviceconfig: decode %s: %w", path, err)
	}
	return &cfg, nil
}

// KindOf builds the function reportcache.Options.MetricKind expects:
// metric name -> merge Kind, with an unknown-metric fallback of Delta.
func (c *Config) KindOf() func(name string) servicecontrol.Kind {
	table := make(map[string]servicecontrol.Kind, len(c.Metrics))
	for _, m := range c.Metrics {
		table[m.Name] = parseKind(m.Kind)
	}
	return func(name string) servicecontrol.Kind {
		if k, ok := table[name]; ok {
			return k
		}
		return servicecontrol.Delta
	}
}

func parseKind(s string) servicecontrol.Kind {
	switch s {
	case "GAUGE":
		return servicecontrol.Gauge
	case "CUMULATIVE":
		return servicecontrol.Cumulative
	default:
		return servicecontrol.Delta
	}
}
