// Package yaml reads and writes ptm's YAML files: the project config and
// schedule exports. Files are replaced atomically; the config also keeps its
// last good copy as a .bak for recovery.
package yaml

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// backupPolicy says what happens to the copy a write replaces.
type backupPolicy int

const (
	// discardPrevious is for derived files such as exports.
	discardPrevious backupPolicy = iota
	// keepLastGood copies the previous file to <path>.bak, but only when it
	// still parses, so a corrupt file never overwrites a usable backup.
	keepLastGood
)

// encode renders v with two-space indentation and an optional comment above
// the first key.
func encode(v any, headComment string) ([]byte, error) {
	var body yamlv3.Node
	if err := body.Encode(v); err != nil {
		return nil, fmt.Errorf("yaml encode: %w", err)
	}
	doc := yamlv3.Node{Kind: yamlv3.DocumentNode, HeadComment: headComment, Content: []*yamlv3.Node{&body}}

	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("yaml encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("yaml encode: %w", err)
	}
	return buf.Bytes(), nil
}

// writeYAML encodes v and replaces path with it.
func writeYAML(path string, v any, headComment string, policy backupPolicy) error {
	content, err := encode(v, headComment)
	if err != nil {
		return err
	}
	return replaceFile(path, content, policy)
}

// replaceFile swaps content into path through a temp file in the same
// directory, so readers and the config watcher only ever see a whole file.
// Content that does not parse is rejected before anything is touched.
func replaceFile(path string, content []byte, policy backupPolicy) error {
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("refusing to write %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ptm-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if policy == keepLastGood {
		if err := backUp(path); err != nil {
			return err
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func backUp(path string) error {
	prev, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read previous %s: %w", filepath.Base(path), err)
	}
	if validateYAML(prev) != nil {
		return nil
	}
	if err := os.WriteFile(path+".bak", prev, 0644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}

func validateYAML(content []byte) error {
	var v any
	if err := yamlv3.Unmarshal(content, &v); err != nil {
		return fmt.Errorf("invalid yaml: %w", err)
	}
	return nil
}
