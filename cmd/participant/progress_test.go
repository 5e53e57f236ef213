package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/solosolocodes/lablab-sub002/internal/config"

	"github.com/solosolocodes/lablab-sub002/internal/domain/progress"
	"github.com/solosolocodes/lablab-sub002/internal/progresssync"
)

func TestNewProgressView(t *testing.T) {
	o := progresssync.Outcome{
		Record: progress.Fallback("s1"),
		Source: progresssync.SourceFallback,
		Cause:  errors.New("connection refused"),
	}
	v := newProgressView(o)
	if v.Cause != "connection refused" || v.Persisted || v.Source != progresssync.SourceFallback {
		t.Fatalf("unexpected view: %+v", v)
	}
}

func TestProgressCommandPrintsRemoteRecord(t *testing.T) {
	srv, _ := newAuthority(t)
	cfg := testConfig(t, srv.URL)

	configFlag = writeConfig(t, cfg)
	participantFlag = ""
	authorityFlag = srv.URL
	t.Cleanup(func() { configFlag, authorityFlag = config.DefaultConfigFile, "" })
	t.Setenv("LABLAB_PARTICIPANT_ID", "p-7")
	t.Setenv("LABLAB_LOG_LEVEL", "error")

	var out bytes.Buffer
	progressCmd.SetOut(&out)
	progressCmd.SetContext(context.Background())
	t.Cleanup(func() { progressCmd.SetOut(nil) })

	if err := runProgress(progressCmd, []string{"pilot"}); err != nil {
		t.Fatalf("runProgress: %v", err)
	}

	var v struct {
		Source    string          `json:"source"`
		Persisted bool            `json:"persisted"`
		Record    progress.Record `json:"record"`
	}
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if v.Source != string(progresssync.SourceRemote) || !v.Persisted {
		t.Fatalf("source = %s persisted = %t, want remote/true", v.Source, v.Persisted)
	}
	if v.Record.ParticipantID != "p-7" || v.Record.Status != progress.StatusNotStarted {
		t.Fatalf("unexpected record: %+v", v.Record)
	}
}

func TestLoadConfigRequiresParticipant(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Authority.ParticipantID = ""
	configFlag = writeConfig(t, cfg)
	participantFlag, authorityFlag = "", ""
	t.Cleanup(func() { configFlag = config.DefaultConfigFile })
	t.Setenv("LABLAB_PARTICIPANT_ID", "")

	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error without participant id")
	}
}

func writeConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "lablab.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
