package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigDumpRedactsKeys(t *testing.T) {
	dir := t.TempDir()
	opts := filepath.Join(dir, "options.yaml")
	if err := os.WriteFile(opts, []byte("radar_api_key: prj_live_secret\njust_left: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "dump", "--options", opts, "--data", filepath.Join(dir, "missing.yaml"), "--env-file", ""})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out.String(), "prj_live_secret") {
		t.Fatalf("expected key redacted:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "just_left: 9") {
		t.Fatalf("expected options layer applied:\n%s", out.String())
	}
}

func TestConfigDumpShowKeys(t *testing.T) {
	dir := t.TempDir()
	opts := filepath.Join(dir, "options.yaml")
	if err := os.WriteFile(opts, []byte("radar_api_key: prj_live_secret\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "dump", "--show-keys", "--options", opts, "--env-file", ""})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "prj_live_secret") {
		t.Fatalf("expected key shown:\n%s", out.String())
	}
}

func TestCheckKeysWithNoKeys(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PERSON_LOCATION_DB_PATH", filepath.Join(dir, "keys.db"))
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-keys", "--options", filepath.Join(dir, "none.yaml"), "--data", filepath.Join(dir, "none.yaml"), "--env-file", ""})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "ok") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
