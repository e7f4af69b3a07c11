package main

import (
	"path/filepath"
	"testing"

	"github.com/danmuck/lifeline/internal/config"
	"github.com/danmuck/lifeline/internal/testutil/testlog"
)

func TestTemplatesValidate(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{"monitor", "peer"} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := config.WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("%s: write template: %v", kind, err)
		}
		if err := validateFile(kind, path); err != nil {
			t.Fatalf("%s: template should validate: %v", kind, err)
		}
	}
}

func TestDefaultPathRejectsUnknownKind(t *testing.T) {
	testlog.Start(t)
	if _, err := defaultPath("relay"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if p, err := defaultPath("peer"); err != nil || p != "cmd/peerctl/config.toml" {
		t.Fatalf("unexpected peer path %q: %v", p, err)
	}
}
