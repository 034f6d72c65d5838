package main

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"atallasim/config"
	"atallasim/faults"
	"atallasim/framing"
)

func TestParseFlags(t *testing.T) {
	f, err := parseFlags([]string{"-listen", "127.0.0.1:7000", "-framing", "boundary_lf", "-alphabet", "decimal"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if f.listen != "127.0.0.1:7000" || f.framing != "boundary_lf" || f.alphabet != "decimal" {
		t.Fatalf("unexpected flags: %+v", f)
	}
	if _, err := parseFlags([]string{"stray"}, io.Discard); err == nil {
		t.Fatalf("expected error for positional argument")
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	err := applyOverrides(cfg, cliFlags{listen: "127.0.0.1:7001", persistence: "single", alphabet: "decimal"})
	if err != nil {
		t.Fatalf("applyOverrides: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:7001" || cfg.Server.Persistence != "single" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Responses.RandomLength != 6 {
		t.Fatalf("random length = %d, want decimal default", cfg.Responses.RandomLength)
	}
	if err := applyOverrides(config.Default(), cliFlags{framing: "stx"}); err == nil {
		t.Fatalf("expected invalid framing to be rejected")
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv(envConfigPath, "")
	t.Chdir(t.TempDir())

	cfg, source, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if source != "built-in defaults" || cfg.Server.Listen != "localhost:9999" {
		t.Fatalf("source=%q listen=%q", source, cfg.Server.Listen)
	}
}

func TestLoadConfigExplicitPathMustExist(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, _, err := loadConfig(""); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestBuildProcessorAppliesFaultsAndSeed(t *testing.T) {
	seed := uint64(7)
	cfg := config.Default()
	cfg.Responses.Seed = &seed
	cfg.Faults.Commands = map[string]string{"<32#": "01"}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	table, err := buildFaultTable(cfg)
	if err != nil {
		t.Fatalf("buildFaultTable: %v", err)
	}
	processor, err := buildProcessor(cfg, table)
	if err != nil {
		t.Fatalf("buildProcessor: %v", err)
	}

	res, err := processor.Handle(framing.NewFrame([]byte("<93#D#6#")))
	if err != nil {
		t.Fatalf("Handle 93: %v", err)
	}
	if !regexp.MustCompile(`^<A3#00[0-9A-F]{16}>$`).Match(res.Wire) {
		t.Fatalf("93 reply = %q", res.Wire)
	}

	res, err = processor.Handle(framing.NewFrame([]byte("<32#PIN#")))
	if err != nil {
		t.Fatalf("Handle 32: %v", err)
	}
	if string(res.Wire) != "<42#01>" {
		t.Fatalf("32 reply = %q", res.Wire)
	}

	first := firstRandomReply(t, cfg, table)
	second := firstRandomReply(t, cfg, table)
	if first != second {
		t.Fatalf("seeded processors diverged: %q vs %q", first, second)
	}
}

func firstRandomReply(t *testing.T, cfg *config.Config, table *faults.Table) string {
	t.Helper()
	p, err := buildProcessor(cfg, table)
	if err != nil {
		t.Fatalf("buildProcessor: %v", err)
	}
	res, err := p.Handle(framing.NewFrame([]byte("<93#")))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return string(res.Wire)
}

func TestBuildFaultTableFileOverridesInline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "faults.yaml")
	if err := os.WriteFile(path, []byte("default: \"00\"\ncommands:\n  \"93\": \"12\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := config.Default()
	cfg.Faults.Commands = map[string]string{"32": "01"}
	cfg.Faults.File = path
	table, err := buildFaultTable(cfg)
	if err != nil {
		t.Fatalf("buildFaultTable: %v", err)
	}
	if got := table.Status("93"); got != "12" {
		t.Fatalf("93 status = %q", got)
	}
	if got := table.Status("32"); got != "00" {
		t.Fatalf("32 status = %q, file should replace inline overrides", got)
	}
	summary := statusSummary(cfg, table)()
	if summary.Faults["93"] != "12" || summary.DefaultStatus != "00" {
		t.Fatalf("summary = %+v", summary)
	}
}
