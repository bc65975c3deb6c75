package yaml

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/ptm/internal/model"
)

const ConfigFileName = "config.yaml"

func ConfigPath(ptmDir string) string {
	return filepath.Join(ptmDir, ConfigFileName)
}

// LoadConfig reads <ptmDir>/config.yaml. A file that is not valid YAML is
// quarantined and replaced from its backup, or from defaults when there is
// no usable backup. Unknown keys and out-of-range values are errors.
func LoadConfig(ptmDir string) (model.Config, error) {
	path := ConfigPath(ptmDir)
	content, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := validateYAML(content); err != nil {
		if rerr := RecoverCorruptedFile(ptmDir, path, model.DefaultConfig()); rerr != nil {
			return model.Config{}, fmt.Errorf("config %s is corrupt (%v) and recovery failed: %w", path, err, rerr)
		}
		if content, err = os.ReadFile(path); err != nil {
			return model.Config{}, fmt.Errorf("read recovered config: %w", err)
		}
	}
	return ParseConfig(content)
}

// ParseConfig decodes and validates config content.
func ParseConfig(content []byte) (model.Config, error) {
	var cfg model.Config
	dec := yamlv3.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return model.Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.Scheduling = cfg.Scheduling.WithDefaults()
	if err := validateConfig(cfg); err != nil {
		return model.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func validateConfig(cfg model.Config) error {
	s := cfg.Scheduling
	if !s.DefaultAlgorithm.Valid() {
		return fmt.Errorf("scheduling.default_algorithm: unknown algorithm %q", s.DefaultAlgorithm)
	}
	if err := s.Goals.Validate(); err != nil {
		return fmt.Errorf("scheduling.%w", err)
	}
	if err := s.Constraints.Validate(); err != nil {
		return fmt.Errorf("scheduling.%w", err)
	}
	if s.WorkdayStartHour < 0 || s.WorkdayEndHour > 24 || s.WorkdayStartHour >= s.WorkdayEndHour {
		return fmt.Errorf("scheduling.workday hours must satisfy 0 <= start < end <= 24, got %d-%d",
			s.WorkdayStartHour, s.WorkdayEndHour)
	}
	if 60%s.SnapMinutes != 0 {
		return fmt.Errorf("scheduling.snap_minutes must divide 60, got %d", s.SnapMinutes)
	}
	return nil
}

const configComment = "ptm project configuration. A running daemon reloads it on save."

// SaveConfig writes cfg to <ptmDir>/config.yaml atomically, keeping the
// previous copy as config.yaml.bak.
func SaveConfig(ptmDir string, cfg model.Config) error {
	return writeYAML(ConfigPath(ptmDir), cfg, configComment, keepLastGood)
}
