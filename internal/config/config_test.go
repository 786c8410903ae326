package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func withEnv(key, value string, fn func()) {
	orig, had := os.LookupEnv(key)
	if value == "" {
		_ = os.Unsetenv(key)
	} else {
		_ = os.Setenv(key, value)
	}
	defer func() {
		if had {
			_ = os.Setenv(key, orig)
		} else {
			_ = os.Unsetenv(key)
		}
	}()
	fn()
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, envPrefix) {
			t.Setenv(key, "")
			_ = os.Unsetenv(key)
		}
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Addr != DefaultAddr || cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected server defaults %+v", cfg)
	}
	if cfg.CodeTables.Facilities != "codetables/facilities.xml" || cfg.CodeTables.LookbackYears != 1 {
		t.Fatalf("unexpected code-table defaults %+v", cfg.CodeTables)
	}
	if cfg.CodeTables.Location != time.Local || cfg.RevalidateInterval != 24*time.Hour {
		t.Fatalf("unexpected schedule defaults %+v", cfg)
	}
	if cfg.Blob.Driver != "fs" || cfg.RetryBin.Driver != "fs" || cfg.RetryBin.Dir != DefaultRetryBinDir || cfg.Sink.Driver != "blob" {
		t.Fatalf("unexpected driver defaults %+v %+v %+v", cfg.Blob, cfg.RetryBin, cfg.Sink)
	}
	if len(cfg.Sink.KafkaBrokers) != 1 || cfg.RetryBin.Expiry != 720*time.Hour {
		t.Fatalf("unexpected sink/expiry defaults %+v %+v", cfg.Sink, cfg.RetryBin)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	withEnv("GVR_CODETABLE_DIR", "/data/ct", func() {
		withEnv("GVR_FACILITY_FILE", "/other/fac.xml", func() {
			withEnv("GVR_TIMEZONE", "Europe/Stockholm", func() {
				withEnv("GVR_KAFKA_BROKERS", "k1:9092, k2:9092,", func() {
					withEnv("GVR_BLOB_S3_PATH_STYLE", "true", func() {
						cfg, err := FromEnv()
						if err != nil {
							t.Fatalf("FromEnv: %v", err)
						}
						if cfg.CodeTables.Commissions != "/data/ct/commissions.xml" || cfg.CodeTables.Facilities != "/other/fac.xml" {
							t.Fatalf("unexpected paths %+v", cfg.CodeTables)
						}
						if cfg.CodeTables.Location.String() != "Europe/Stockholm" {
							t.Fatalf("unexpected location %s", cfg.CodeTables.Location)
						}
						if strings.Join(cfg.Sink.KafkaBrokers, "|") != "k1:9092|k2:9092" || !cfg.Blob.S3PathStyle {
							t.Fatalf("unexpected parsed values %+v %+v", cfg.Sink, cfg.Blob)
						}
					})
				})
			})
		})
	})
}

func TestFromEnvEmptyRetryDirDisablesPersistence(t *testing.T) {
	clearEnv(t)
	t.Setenv("GVR_RETRYBIN_DIR", "")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.RetryBin.Dir != "" {
		t.Fatalf("explicitly empty dir must be kept, got %q", cfg.RetryBin.Dir)
	}
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"GVR_REVALIDATE_INTERVAL":      "daily",
		"GVR_CODETABLE_LOOKBACK_YEARS": "one",
		"GVR_BLOB_S3_PATH_STYLE":       "maybe",
		"GVR_TIMEZONE":                 "Mars/Olympus",
		"GVR_CYCLE_QUEUE_SIZE":         "0",
	}
	for key, value := range cases {
		clearEnv(t)
		withEnv(key, value, func() {
			if _, err := FromEnv(); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}

func TestValidateRequiresS3Bucket(t *testing.T) {
	clearEnv(t)
	withEnv("GVR_BLOB_DRIVER", "S3", func() {
		_, err := FromEnv()
		if err == nil || !strings.Contains(err.Error(), "BLOB_S3_BUCKET") {
			t.Fatalf("expected bucket error, got %v", err)
		}
	})
}

func TestCodeTablesNewerThan(t *testing.T) {
	ct := CodeTables{LookbackYears: 2, Location: time.UTC}
	got := ct.NewerThan(time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC))
	if want := time.Date(2022, 3, 15, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("NewerThan = %s want %s", got, want)
	}
}
