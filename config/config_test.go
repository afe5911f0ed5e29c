package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockberries/statefold/types"
)

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STATEFOLD_CHAIN_GENESIS_HASH", hex.EncodeToString(make([]byte, 32)))
}

func TestLoad_Defaults(t *testing.T) {
	validEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chain.Endpoint != "localhost:50051" {
		t.Fatalf("endpoint = %q", cfg.Chain.Endpoint)
	}
	if cfg.Sync.ConfirmationDepth != 12 || cfg.Sync.MaxLookback != 256 {
		t.Fatalf("sync defaults = %+v", cfg.Sync)
	}
	if cfg.Sync.RetryDelay != time.Second || cfg.Sync.MaxRetryDelay != 32*time.Second {
		t.Fatalf("retry defaults = %+v", cfg.Sync)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
}

func TestLoad_FileAndEnvPrecedence(t *testing.T) {
	validEnv(t)

	path := filepath.Join(t.TempDir(), "statefold.yaml")
	body := `
chain:
  endpoint: "chain.example.org:443"
sync:
  confirmation_depth: 6
  retry_delay: 250ms
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	// Environment outranks the file.
	t.Setenv("STATEFOLD_SYNC_CONFIRMATION_DEPTH", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chain.Endpoint != "chain.example.org:443" {
		t.Fatalf("endpoint = %q, want file value", cfg.Chain.Endpoint)
	}
	if cfg.Sync.ConfirmationDepth != 3 {
		t.Fatalf("confirmation_depth = %d, want env override 3", cfg.Sync.ConfirmationDepth)
	}
	if cfg.Sync.RetryDelay != 250*time.Millisecond {
		t.Fatalf("retry_delay = %v, want file value", cfg.Sync.RetryDelay)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q, want file value", cfg.Log.Level)
	}
}

func TestLoad_Validation(t *testing.T) {
	validEnv(t)

	t.Setenv("STATEFOLD_SYNC_MAX_LOOKBACK", "4")
	if _, err := Load(""); err == nil {
		t.Fatal("lookback below confirmation depth should fail validation")
	}

	t.Setenv("STATEFOLD_SYNC_MAX_LOOKBACK", "256")
	t.Setenv("STATEFOLD_LOG_LEVEL", "shouting")
	if _, err := Load(""); err == nil {
		t.Fatal("unknown log level should fail validation")
	}
}

func TestChain_GenesisBlock(t *testing.T) {
	want := types.HashOf([]byte("anchor"))
	c := Chain{GenesisHash: "0x" + hex.EncodeToString(want[:]), GenesisNumber: 1_000_000}

	b, err := c.GenesisBlock()
	if err != nil {
		t.Fatalf("GenesisBlock: %v", err)
	}
	if b.Hash != want || b.Number != 1_000_000 {
		t.Fatalf("block = %+v", b)
	}

	if _, err := (Chain{GenesisHash: "zz"}).GenesisBlock(); err == nil {
		t.Fatal("bad hex should error")
	}
	if _, err := (Chain{GenesisHash: "abcd"}).GenesisBlock(); err == nil {
		t.Fatal("short hash should error")
	}
}
