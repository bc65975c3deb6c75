package yaml

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupt file into <ptmDir>/quarantine with a timestamp
// suffix so it can be inspected later.
func Quarantine(ptmDir, filePath string) (string, error) {
	dir := filepath.Join(ptmDir, "quarantine")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	dst := filepath.Join(dir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}

	log.Printf("quarantined corrupted file: %s → %s", filePath, dst)
	return dst, nil
}

func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	log.Printf("restored from backup: %s → %s", bakPath, filePath)
	return nil
}

// RecoverCorruptedFile quarantines filePath, then restores it from its .bak
// or, failing that, writes fallback in its place.
func RecoverCorruptedFile(ptmDir, filePath string, fallback any) error {
	if _, err := Quarantine(ptmDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	err := RestoreFromBackup(filePath)
	if err == nil {
		return nil
	}
	log.Printf("backup restore failed for %s: %v; writing defaults", filePath, err)

	// the .bak is unusable, keep it from shadowing the defaults
	_ = os.Remove(filePath + ".bak")
	if err := writeYAML(filePath, fallback, "", discardPrevious); err != nil {
		return fmt.Errorf("write defaults: %w", err)
	}
	return nil
}
