package fsx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// WriteFileAtomic replaces path with content. Readers see either the old or
// the new file, never a partial write.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	tempPath, err := writeTemp(parent, filepath.Base(path), content, mode)
	if err != nil {
		return err
	}
	if err := replace(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	syncDirectory(parent)
	return nil
}

// WriteJSONAtomic writes value as indented JSON with a trailing newline.
func WriteJSONAtomic(path string, value any, mode os.FileMode) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, append(encoded, '\n'), mode)
}

func writeTemp(parent string, base string, content []byte, mode os.FileMode) (string, error) {
	tempFile, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	fail := func(step string, err error) (string, error) {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("%s temp file: %w", step, err)
	}
	if _, err := tempFile.Write(content); err != nil {
		return fail("write", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		return fail("chmod", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tempPath, nil
}

// replace renames tempPath over path. Windows refuses to rename over an
// existing file, so the destination is removed first there.
func replace(tempPath string, path string) error {
	err := os.Rename(tempPath, path)
	if err == nil {
		return nil
	}
	if runtime.GOOS != "windows" {
		return fmt.Errorf("rename temp file: %w", err)
	}
	if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("remove destination before rename: %w", removeErr)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename temp file after remove: %w", err)
	}
	return nil
}

func syncDirectory(path string) {
	// #nosec G304 -- directory path is derived from an explicit caller-provided destination path.
	if dirHandle, err := os.Open(path); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
}
