// Package config loads controller and collector settings from an optional YAML file
// with SENTINEL_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SENTINEL"

type Portal struct {
	URL       string `mapstructure:"url"`
	AccessID  string `mapstructure:"access_id"`
	AccessKey string `mapstructure:"access_key"`
}

type Snippets struct {
	Language      string `mapstructure:"language"`
	CatalogScript string `mapstructure:"catalog_script"`
	SourceScript  string `mapstructure:"source_script"`
}

type Maintenance struct {
	Schedule         string        `mapstructure:"schedule"`
	TrackerTTL       time.Duration `mapstructure:"tracker_ttl"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

type Controller struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	DBPath      string `mapstructure:"db_path"`
	ConsulAddr  string `mapstructure:"consul_addr"`
	AdvertiseIP string `mapstructure:"advertise_ip"`
	Verbose     bool   `mapstructure:"verbose"`
	// Portals and Collectors are keyed by id. Keys are lower-cased by the loader.
	Portals     map[string]Portal `mapstructure:"portals"`
	Collectors  map[string]string `mapstructure:"collectors"`
	Snippets    Snippets          `mapstructure:"snippets"`
	Maintenance Maintenance       `mapstructure:"maintenance"`
}

type Collector struct {
	ID           string              `mapstructure:"id"`
	ListenAddr   string              `mapstructure:"listen_addr"`
	ConsulAddr   string              `mapstructure:"consul_addr"`
	AdvertiseIP  string              `mapstructure:"advertise_ip"`
	Verbose      bool                `mapstructure:"verbose"`
	Interpreters map[string][]string `mapstructure:"interpreters"`
	RunRetention time.Duration       `mapstructure:"run_retention"`
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

func LoadController(path string) (Controller, error) {
	v, err := newViper(path)
	if err != nil {
		return Controller{}, err
	}

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("db_path", "/data/sentinel.db")
	v.SetDefault("consul_addr", "")
	v.SetDefault("advertise_ip", "")
	v.SetDefault("verbose", false)
	v.SetDefault("snippets.language", "groovy")
	v.SetDefault("snippets.catalog_script", DefaultCatalogScript)
	v.SetDefault("snippets.source_script", DefaultSourceScript)
	v.SetDefault("maintenance.schedule", "@every 5m")
	v.SetDefault("maintenance.tracker_ttl", 30*time.Minute)
	v.SetDefault("maintenance.history_retention", 7*24*time.Hour)

	var cfg Controller
	if err := v.Unmarshal(&cfg); err != nil {
		return Controller{}, fmt.Errorf("decode controller config: %w", err)
	}
	return cfg, nil
}

func LoadCollector(path string) (Collector, error) {
	v, err := newViper(path)
	if err != nil {
		return Collector{}, err
	}

	v.SetDefault("id", "")
	v.SetDefault("listen_addr", ":9091")
	v.SetDefault("consul_addr", "")
	v.SetDefault("advertise_ip", "")
	v.SetDefault("verbose", false)
	v.SetDefault("interpreters", map[string][]string{
		"groovy":     {"groovy"},
		"powershell": {"pwsh", "-NoProfile", "-NonInteractive", "-File"},
	})
	v.SetDefault("run_retention", 15*time.Minute)

	var cfg Collector
	if err := v.Unmarshal(&cfg); err != nil {
		return Collector{}, fmt.Errorf("decode collector config: %w", err)
	}
	if cfg.ID == "" {
		return Collector{}, fmt.Errorf("collector id is required")
	}
	return cfg, nil
}

// DefaultCatalogScript asks the collector's snippet library for every published
// fragment and prints the list as JSON.
const DefaultCatalogScript = `import groovy.json.JsonOutput

def library = new File(System.getenv("SNIPPET_LIBRARY") ?: "snippets")
def entries = []
library.eachFileRecurse { f ->
    if (f.name == "snippet.json") {
        entries << new groovy.json.JsonSlurper().parse(f)
    }
}
println JsonOutput.toJson(entries)
`

// DefaultSourceScript prints the body of one fragment. Rendered with .Name and .Version.
const DefaultSourceScript = `def library = new File(System.getenv("SNIPPET_LIBRARY") ?: "snippets")
print new File(library, "{{.Name}}/{{.Version}}/source.groovy").text
`
