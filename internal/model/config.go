package model

import (
	"io"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx    *cue.Context
	schema    cue.Value
	logSchema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
	logSchema = compiled.LookupPath(cue.ParsePath("#Log"))
}

type Config struct {
	Version    int               `json:"version" yaml:"version"` // fixed 0 for now
	Catalogue  Catalogue         `json:"catalogue" yaml:"catalogue"`
	Log        *Log              `json:"log,omitempty" yaml:"log,omitempty"`
	Tools      map[string]string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Continuous *Continuous       `json:"continuous,omitempty" yaml:"continuous,omitempty"`
}

// Catalogue points to the sqlite databases. TestingPath is used with --testing.
type Catalogue struct {
	Path        string `json:"path" yaml:"path"`
	TestingPath string `json:"testing_path,omitempty" yaml:"testing_path,omitempty"`
}

type Log struct {
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// Continuous configures the pause between passes in continuous mode
type Continuous struct {
	Every string `json:"every" yaml:"every"`
}

// CataloguePath returns the database to open
func (c Config) CataloguePath(testing bool) string {
	if testing && c.Catalogue.TestingPath != "" {
		return c.Catalogue.TestingPath
	}
	return c.Catalogue.Path
}

// DefaultConfig returns the configuration written on a first start.
// dir is the per user configuration directory.
func DefaultConfig(dir string) Config {
	return Config{
		Version: 0,
		Catalogue: Catalogue{
			Path:        filepath.Join(dir, "kiscollect.db"),
			TestingPath: filepath.Join(dir, "kiscollect-testing.db"),
		},
		Log: &Log{
			File:       filepath.Join(dir, "kiscollect.log"),
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}
