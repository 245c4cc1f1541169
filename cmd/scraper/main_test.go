package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return cfgPath
}

func TestDoValidate_AllTargets(t *testing.T) {
	cfgPath := writeConfig(t, `
output_dir: "./out"
state_dir: "./state"
targets:
  mit:
    seed_urls: ["https://www.mit.edu/admissions"]
  oxford:
    seed_urls: ["https://www.ox.ac.uk/admissions"]
`)

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, "", &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "OK: [mit]")
	assert.Contains(t, stdout.String(), "OK: [oxford]")
	assert.Contains(t, stdout.String(), "Configuration valid")
}

func TestDoValidate_SpecificTarget(t *testing.T) {
	cfgPath := writeConfig(t, `
output_dir: "./out"
state_dir: "./state"
targets:
  mit:
    seed_urls: ["https://www.mit.edu/admissions"]
`)

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, "mit", &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "OK: [mit]")
}

func TestDoValidate_TargetNotFound(t *testing.T) {
	cfgPath := writeConfig(t, `
targets:
  existing:
    seed_urls: ["https://example.edu/"]
`)

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, "nonexistent", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "not found")
}

func TestDoValidate_InvalidTarget(t *testing.T) {
	cfgPath := writeConfig(t, `
targets:
  bad:
    seed_urls: ["not-a-url"]
`)

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, "bad", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "ERROR")
}

func TestDoValidate_ConfigNotFound(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doValidate("/nonexistent.yaml", "", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "Error")
}

func TestDoListTargets(t *testing.T) {
	cfgPath := writeConfig(t, `
targets:
  alpha:
    name: "Alpha University"
    seed_urls: ["https://alpha.edu/", "https://alpha.edu/apply"]
    allowed_domains: ["alpha.edu"]
  beta:
    seed_urls: ["https://beta.edu/"]
`)

	var stdout, stderr bytes.Buffer
	exitCode := doListTargets(cfgPath, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	out := stdout.String()
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "beta")
	assert.Contains(t, out, "Name: Alpha University")
	assert.Contains(t, out, "Seed URLs: 2")
	assert.Contains(t, out, "Allowed Domains: alpha.edu")
}

func TestDoListTargets_ConfigNotFound(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doListTargets("/nonexistent.yaml", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "Error")
}

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)

	out := buf.String()
	assert.Contains(t, out, "crawl")
	assert.Contains(t, out, "export")
	assert.Contains(t, out, "watch")
	assert.Contains(t, out, "validate")
	assert.Contains(t, out, "list-targets")
	assert.Contains(t, out, "mcp-server")
	assert.Contains(t, out, "version")
}
