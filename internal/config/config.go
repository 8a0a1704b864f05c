// Package config loads the tabulator YAML configuration and builds the
// pipeline components it describes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/turbolytics/tabulator/internal/retry"
	"github.com/turbolytics/tabulator/internal/schema"
)

const EnvPrefix = "TABULATOR"

type Logger struct {
	Level string `yaml:"level"`
}

type Global struct {
	Logger Logger `yaml:"logger"`
}

type Source struct {
	Endpoint  string        `yaml:"endpoint"`
	AppID     string        `yaml:"app_id"`
	Timeout   time.Duration `yaml:"timeout"`
	PageLimit int           `yaml:"page_limit"`
}

type Repository struct {
	Type           string `yaml:"type"`
	Path           string `yaml:"path"`
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Prefix         string `yaml:"prefix"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

type Catalog struct {
	Type             string        `yaml:"type"`
	Path             string        `yaml:"path"`
	Region           string        `yaml:"region"`
	Database         string        `yaml:"database"`
	TableLocation    string        `yaml:"table_location"`
	WorkGroup        string        `yaml:"work_group"`
	QueryOutput      string        `yaml:"query_output"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ConnectionString string        `yaml:"connection_string"`
}

type State struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
	URI  string `yaml:"uri"`
}

type Events struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Tabulator struct {
	Global     Global          `yaml:"global"`
	Source     Source          `yaml:"source"`
	Retry      retry.Policy    `yaml:"retry"`
	Repository Repository      `yaml:"repository"`
	Catalog    Catalog         `yaml:"catalog"`
	State      State           `yaml:"state"`
	Events     Events          `yaml:"events"`
	Server     Server          `yaml:"server"`
	Domains    []schema.Domain `yaml:"domains"`
}

func NewFromFile(fpath string) (*Tabulator, error) {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}
	return New(bs)
}

func New(bs []byte) (*Tabulator, error) {
	var t Tabulator
	if err := yaml.Unmarshal(bs, &t); err != nil {
		return nil, err
	}
	t.applyEnv()
	t.setDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// applyEnv lets TABULATOR_<SECTION>_<KEY> variables override file values.
func (t *Tabulator) applyEnv() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	overrides := map[string]*string{
		"global.logger.level":       &t.Global.Logger.Level,
		"source.endpoint":           &t.Source.Endpoint,
		"source.app_id":             &t.Source.AppID,
		"repository.type":           &t.Repository.Type,
		"repository.path":           &t.Repository.Path,
		"repository.bucket":         &t.Repository.Bucket,
		"repository.region":         &t.Repository.Region,
		"repository.endpoint":       &t.Repository.Endpoint,
		"catalog.type":              &t.Catalog.Type,
		"catalog.path":              &t.Catalog.Path,
		"catalog.database":          &t.Catalog.Database,
		"catalog.connection_string": &t.Catalog.ConnectionString,
		"state.type":                &t.State.Type,
		"state.path":                &t.State.Path,
		"state.uri":                 &t.State.URI,
		"events.type":               &t.Events.Type,
		"events.uri":                &t.Events.URI,
		"server.addr":               &t.Server.Addr,
	}
	for key, dst := range overrides {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
}

func (t *Tabulator) setDefaults() {
	if t.Global.Logger.Level == "" {
		t.Global.Logger.Level = "info"
	}
	if t.Repository.Type == "" {
		t.Repository.Type = "local"
	}
	if t.Repository.Type == "local" && t.Repository.Path == "" {
		t.Repository.Path = "data/artifacts"
	}
	if t.Catalog.Type == "" {
		t.Catalog.Type = "local"
	}
	if t.Catalog.Type == "local" && t.Catalog.Path == "" {
		t.Catalog.Path = "data/catalog.json"
	}
	if t.State.Type == "" {
		t.State.Type = "filesystem"
	}
	if t.State.Type == "filesystem" && t.State.Path == "" {
		t.State.Path = "data/state"
	}
	if t.Events.Type == "" {
		t.Events.Type = "none"
	}
	if t.Server.Addr == "" {
		t.Server.Addr = ":8080"
	}
}

func (t *Tabulator) Validate() error {
	switch t.Repository.Type {
	case "local":
	case "s3":
		if t.Repository.Bucket == "" {
			return fmt.Errorf("repository: s3 requires a bucket")
		}
	default:
		return fmt.Errorf("repository: unsupported type %q", t.Repository.Type)
	}

	switch t.Catalog.Type {
	case "local":
	case "glue":
		if t.Catalog.Database == "" {
			return fmt.Errorf("catalog: glue requires a database")
		}
	case "postgres":
		if t.Catalog.ConnectionString == "" {
			return fmt.Errorf("catalog: postgres requires a connection_string")
		}
	default:
		return fmt.Errorf("catalog: unsupported type %q", t.Catalog.Type)
	}

	switch t.State.Type {
	case "filesystem":
	case "mongo":
		if t.State.URI == "" {
			return fmt.Errorf("state: mongo requires a uri")
		}
	default:
		return fmt.Errorf("state: unsupported type %q", t.State.Type)
	}

	switch t.Events.Type {
	case "none":
	case "kafka":
		if t.Events.URI == "" {
			return fmt.Errorf("events: kafka requires a uri")
		}
	default:
		return fmt.Errorf("events: unsupported type %q", t.Events.Type)
	}

	if t.Source.PageLimit < 0 {
		return fmt.Errorf("source: page_limit must be positive")
	}
	for _, d := range t.Domains {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("domains: %w", err)
		}
	}
	return nil
}
