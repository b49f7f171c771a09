package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// writeScript writes a script into a temporary directory and returns its path
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.gpu")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	return buf.String(), fnErr
}

// withFlags sets the global flags for one test and restores them afterwards
func withFlags(t *testing.T, size string, asJSON bool) {
	t.Helper()
	origSize, origJSON := memorySize, jsonOut
	memorySize, jsonOut = size, asJSON
	t.Cleanup(func() {
		memorySize, jsonOut = origSize, origJSON
	})
}
