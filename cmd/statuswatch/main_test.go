// Copyright 2024-2026 Aiku AI

package main

import (
	"bytes"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := run(t, "version")
	if !strings.Contains(out, version) || !strings.Contains(out, Commit) {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestExampleConfigCommand(t *testing.T) {
	out := run(t, "example-config")
	if !strings.Contains(out, "reconnect:") || !strings.Contains(out, "sessions:") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	cmd := rootCmd()
	cmd.SetArgs([]string{"serve", "--config", t.TempDir() + "/missing.yaml"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for missing config file")
	}
}
