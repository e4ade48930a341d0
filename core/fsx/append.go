package fsx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	lockTimeout    = 30 * time.Second
	lockRetry      = 10 * time.Millisecond
	lockStaleAfter = 2 * time.Minute
)

var ErrLockTimeout = errors.New("append lock timeout")

// AppendLine appends line plus a newline to path and fsyncs the file. A
// sibling .lock file serializes writers across processes; a lock older than
// two minutes is treated as abandoned.
func AppendLine(path string, line []byte, mode os.FileMode) error {
	cleanPath, err := localOrAbsolute(path)
	if err != nil {
		return err
	}
	if bytes.ContainsRune(line, '\n') {
		return fmt.Errorf("append line: record contains a newline")
	}
	parent := filepath.Dir(cleanPath)
	if parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return fmt.Errorf("create append directory: %w", err)
		}
	}

	payload := make([]byte, 0, len(line)+1)
	payload = append(payload, line...)
	payload = append(payload, '\n')

	release, err := acquireLock(cleanPath + ".lock")
	if err != nil {
		return err
	}
	defer release()

	// #nosec G304 -- append path is validated local relative or absolute.
	file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("open append file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	if _, err := file.Write(payload); err != nil {
		return fmt.Errorf("append file line: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync append file: %w", err)
	}
	if parent != "." && parent != "" {
		syncDirectory(parent)
	}
	return nil
}

// AppendJSONL encodes record as one compact JSON line and appends it.
func AppendJSONL(path string, record any, mode os.FileMode) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode jsonl record: %w", err)
	}
	return AppendLine(path, encoded, mode)
}

func acquireLock(lockPath string) (func(), error) {
	start := time.Now()
	for {
		// #nosec G304 -- lock path is derived from a validated append path.
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = lockFile.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !lockHeld(err, lockPath) {
			return nil, fmt.Errorf("acquire append lock: %w", err)
		}
		if lockStale(lockPath, time.Now()) {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Since(start) >= lockTimeout {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
		}
		time.Sleep(lockRetry)
	}
}

func lockHeld(acquireErr error, lockPath string) bool {
	if os.IsExist(acquireErr) {
		return true
	}
	if !os.IsPermission(acquireErr) {
		return false
	}
	_, statErr := os.Stat(lockPath)
	return statErr == nil
}

func lockStale(lockPath string, now time.Time) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > lockStaleAfter
}

func localOrAbsolute(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if filepath.IsLocal(cleanPath) || filepath.IsAbs(cleanPath) {
		return cleanPath, nil
	}
	if volume := filepath.VolumeName(cleanPath); volume != "" && strings.HasPrefix(cleanPath, volume+string(filepath.Separator)) {
		return cleanPath, nil
	}
	return "", fmt.Errorf("append path %q must be local relative or absolute", path)
}
