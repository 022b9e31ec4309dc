package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"CustodyLedger/internal/config"
	"CustodyLedger/internal/testutil"
)

const authority = "0x00000000000000000000000000000000000000aD"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CUSTODY_AUTHORITY", authority)

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PriceSource != config.PriceSourceNATS || cfg.StalenessWindow != time.Hour {
		t.Errorf("oracle defaults: %+v", cfg)
	}
	if cfg.PersistBatchSize != 50 || cfg.PersistFlushTimeout != 10*time.Millisecond {
		t.Errorf("persist defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	addr, err := cfg.AuthorityAddress()
	if err != nil || addr != testutil.Addr(0xad) {
		t.Errorf("authority: got %s (%v)", addr.Hex(), err)
	}
}

func TestLoad_DotenvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "CUSTODY_AUTHORITY=" + authority + "\n" +
		"CUSTODY_ADMISSION_CAP_USD=1000000.5\n" +
		"CUSTODY_PRICE_SOURCE=Redis\n" +
		"CUSTODY_ASSET_DECIMALS=0x0000000000000000000000000000000000001001=6\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// Variables already set win over the file.
	t.Setenv("CUSTODY_WITHDRAWAL_CEILING_USD", "raw:5")
	t.Setenv("CUSTODY_AUTHORITY", authority)
	// godotenv sets variables the test did not; clean them up afterwards.
	for _, k := range []string{"CUSTODY_ADMISSION_CAP_USD", "CUSTODY_PRICE_SOURCE", "CUSTODY_ASSET_DECIMALS"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.PriceSource != config.PriceSourceRedis {
		t.Errorf("price source: got %q", cfg.PriceSource)
	}

	capUSD, _ := cfg.AdmissionCap()
	if capUSD.Uint64() != 1_000_000_50000000 {
		t.Errorf("cap: got %s", capUSD)
	}
	ceiling, _ := cfg.WithdrawalCeiling()
	if ceiling.Uint64() != 5 {
		t.Errorf("ceiling: got %s", ceiling)
	}
	table, _ := cfg.AssetDecimalsTable()
	if table[testutil.Addr(0x1001)] != 6 {
		t.Errorf("decimals: %v", table)
	}
}

func TestValidate_Rejects(t *testing.T) {
	base := func() config.Config {
		return config.Config{
			Authority:            authority,
			AdmissionCapUSD:      "0",
			WithdrawalCeilingUSD: "0",
			PriceSource:          config.PriceSourceNATS,
			StalenessWindow:      time.Hour,
			PersistBatchSize:     1,
			PersistChanSize:      1,
		}
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero authority", func(c *config.Config) { c.Authority = "0x0000000000000000000000000000000000000000" }},
		{"missing authority", func(c *config.Config) { c.Authority = "" }},
		{"bad cap", func(c *config.Config) { c.AdmissionCapUSD = "lots" }},
		{"negative ceiling", func(c *config.Config) { c.WithdrawalCeilingUSD = "-1" }},
		{"zero staleness window", func(c *config.Config) { c.StalenessWindow = 0 }},
		{"unknown price source", func(c *config.Config) { c.PriceSource = "carrier-pigeon" }},
		{"bad decimals table", func(c *config.Config) { c.AssetDecimals = "0x1001" }},
		{"zero batch size", func(c *config.Config) { c.PersistBatchSize = 0 }},
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
