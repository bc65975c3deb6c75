// Package setup handles ptm project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/ptm/internal/model"
	atomicyaml "github.com/msageha/ptm/internal/yaml"
	"github.com/msageha/ptm/templates"
)

// DirName is the per-project state directory.
const DirName = ".ptm"

// Dirs created under .ptm/ by Run.
var Dirs = []string{
	"locks",
	"logs",
	"quarantine",
	"exports",
}

// Run initializes the .ptm/ directory structure in the given project directory.
// projectName overrides the auto-detected name (defaults to directory basename if empty).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range Dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(absDir, projectName, time.Now())
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.SaveConfig(base, cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}
	return nil
}

// FindProjectDir walks up from start until it finds a directory holding .ptm/.
func FindProjectDir(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, DirName)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s directory found from %s (run 'ptm setup' first)", DirName, start)
		}
		dir = parent
	}
}

func generateConfig(projectDir, projectName string, now time.Time) (model.Config, error) {
	data, err := fs.ReadFile(templates.FS, atomicyaml.ConfigFileName)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config template: %w", err)
	}
	cfg, err := atomicyaml.ParseConfig(data)
	if err != nil {
		return model.Config{}, fmt.Errorf("config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.PTM.ProjectRoot = projectDir
	cfg.PTM.Created = now.Format(time.RFC3339)
	return cfg, nil
}
