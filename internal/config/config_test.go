package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ALLOWED_ORIGIN", "DEFAULT_BRANCH", "AUTO_CASHBOOK",
		"ACCESS_TOKEN_TTL_MINUTES", "REPORT_CACHE_TTL_SECONDS",
	} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("unexpected default port: %s", cfg.Port)
	}
	if cfg.DefaultBranch != "chi-nhanh-1" {
		t.Fatalf("unexpected default branch: %s", cfg.DefaultBranch)
	}
	if !cfg.AutoCashbook {
		t.Fatal("auto cashbook must default to on")
	}
	if cfg.AccessTokenTTLMinutes != 480 || cfg.ReportCacheTTLSeconds != 30 {
		t.Fatalf("unexpected ttl defaults: %+v", cfg)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address: %s", cfg.Address())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AUTO_CASHBOOK", "false")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "60")
	t.Setenv("REPORT_CACHE_TTL_SECONDS", "khong-phai-so")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("unexpected port: %s", cfg.Port)
	}
	if cfg.AutoCashbook {
		t.Fatal("AUTO_CASHBOOK=false must disable auto posting")
	}
	if cfg.AccessTokenTTLMinutes != 60 {
		t.Fatalf("unexpected ttl: %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.ReportCacheTTLSeconds != 30 {
		t.Fatalf("bad int must fall back to the default, got %d", cfg.ReportCacheTTLSeconds)
	}
}
