package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	// Test with empty environment variable
	os.Unsetenv("TEST_GETENV")
	result := getenv("TEST_GETENV", "default")
	if result != "default" {
		t.Errorf("Expected default value 'default', got '%s'", result)
	}

	// Test with set environment variable
	t.Setenv("TEST_GETENV", "test-value")
	result = getenv("TEST_GETENV", "default")
	if result != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", result)
	}

	// Whitespace only counts as unset
	t.Setenv("TEST_GETENV", "   ")
	if result = getenv("TEST_GETENV", "default"); result != "default" {
		t.Errorf("Expected default value for blank env, got '%s'", result)
	}
}

func TestGetenvInt(t *testing.T) {
	os.Unsetenv("TEST_GETENV_INT")
	result := getenvInt("TEST_GETENV_INT", 42)
	if result != 42 {
		t.Errorf("Expected default value 42, got %d", result)
	}

	t.Setenv("TEST_GETENV_INT", "100")
	result = getenvInt("TEST_GETENV_INT", 42)
	if result != 100 {
		t.Errorf("Expected 100, got %d", result)
	}

	t.Setenv("TEST_GETENV_INT", "not-an-int")
	result = getenvInt("TEST_GETENV_INT", 42)
	if result != 42 {
		t.Errorf("Expected default value 42, got %d", result)
	}
}

func TestGetenvBool(t *testing.T) {
	os.Unsetenv("TEST_GETENV_BOOL")
	result := getenvBool("TEST_GETENV_BOOL", true)
	if result != true {
		t.Errorf("Expected default value true, got %v", result)
	}

	t.Setenv("TEST_GETENV_BOOL", "true")
	result = getenvBool("TEST_GETENV_BOOL", false)
	if result != true {
		t.Errorf("Expected true, got %v", result)
	}

	t.Setenv("TEST_GETENV_BOOL", "false")
	result = getenvBool("TEST_GETENV_BOOL", true)
	if result != false {
		t.Errorf("Expected false, got %v", result)
	}

	t.Setenv("TEST_GETENV_BOOL", "not-a-bool")
	result = getenvBool("TEST_GETENV_BOOL", true)
	if result != true {
		t.Errorf("Expected default value true, got %v", result)
	}
}

func TestGetenvDuration(t *testing.T) {
	testCases := []struct {
		value    string
		expected time.Duration
	}{
		{"", 5 * time.Second},
		{"1500ms", 1500 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"7", 7 * time.Second},
		{"soon", 5 * time.Second},
	}

	for _, tc := range testCases {
		t.Setenv("TEST_GETENV_DURATION", tc.value)
		if got := getenvDuration("TEST_GETENV_DURATION", 5*time.Second); got != tc.expected {
			t.Errorf("getenvDuration(%q) = %v, want %v", tc.value, got, tc.expected)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("DB_TYPE", "sqlite")
	t.Setenv("DB_DSN", "file::memory:")
	t.Setenv("CONTENT_STORE", "gcs")
	t.Setenv("GCS_BUCKET", "certs")
	t.Setenv("LEDGER_NETWORK", "pubnet")
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("INTER_RECORD_DELAY", "250ms")
	t.Setenv("SFTP_HOST", "sftp.test")
	t.Setenv("SFTP_PORT", "2222")
	t.Setenv("SFTP_USER", "sftp-user")
	t.Setenv("SFTP_PASS", "sftp-pass")
	t.Setenv("SFTP_INSECURE_IGNORE_HOSTKEY", "false")

	cfg := Load()

	if cfg.DBType != DBSQLite {
		t.Errorf("Expected DBType sqlite, got %q", cfg.DBType)
	}
	if cfg.ContentStore != StoreGCS || cfg.GCSBucket != "certs" {
		t.Errorf("Expected gcs store with bucket certs, got %q/%q", cfg.ContentStore, cfg.GCSBucket)
	}
	if cfg.Network != "pubnet" {
		t.Errorf("Expected network pubnet, got %q", cfg.Network)
	}
	if cfg.BatchSize != 25 {
		t.Errorf("Expected BatchSize 25, got %d", cfg.BatchSize)
	}
	if cfg.InterRecordDelay != 250*time.Millisecond {
		t.Errorf("Expected InterRecordDelay 250ms, got %v", cfg.InterRecordDelay)
	}
	if cfg.SFTPPort != 2222 {
		t.Errorf("Expected SFTPPort to be 2222, got %d", cfg.SFTPPort)
	}
	if cfg.SFTPInsecureIgnoreHostKey != false {
		t.Errorf("Expected SFTPInsecureIgnoreHostKey to be false, got %v", cfg.SFTPInsecureIgnoreHostKey)
	}
	if !cfg.SFTPConfigured() {
		t.Error("Expected SFTP to be configured")
	}

	// Test default values
	t.Setenv("SFTP_PORT", "")
	t.Setenv("SFTP_DIR", "")
	t.Setenv("SFTP_INSECURE_IGNORE_HOSTKEY", "")
	t.Setenv("MAX_RETRIES", "")
	t.Setenv("WORKERS", "")

	cfg = Load()
	if cfg.SFTPPort != 22 {
		t.Errorf("Expected default SFTPPort to be 22, got %d", cfg.SFTPPort)
	}
	if cfg.SFTPDir != "/inbound" {
		t.Errorf("Expected default SFTPDir to be '/inbound', got '%s'", cfg.SFTPDir)
	}
	if cfg.SFTPInsecureIgnoreHostKey != false {
		t.Errorf("Expected default SFTPInsecureIgnoreHostKey to be false, got %v", cfg.SFTPInsecureIgnoreHostKey)
	}
	if cfg.MaxRetries != 3 || cfg.Workers != 4 {
		t.Errorf("Expected default MaxRetries=3 Workers=4, got %d/%d", cfg.MaxRetries, cfg.Workers)
	}
}

func validLiveConfig() Config {
	return Config{
		DBType:           DBPostgres,
		DBDSN:            "postgres://localhost/lms",
		ContentStore:     StoreIPFS,
		IPFSAPIURL:       "http://127.0.0.1:5001",
		LedgerGatewayURL: "https://gateway.test",
		SignerSecret:     "S...",
		AddressResolver:  ResolverFile,
		AddressDirectory: "addresses.yaml",
		BatchSize:        50,
		Workers:          4,
		MaxRetries:       3,
		CheckpointPath:   "cp.jsonl",
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name          string
		mutate        func(*Config)
		dryRun        bool
		errorContains string
	}{
		{name: "valid live config", mutate: func(*Config) {}},
		{name: "missing dsn", mutate: func(c *Config) { c.DBDSN = "" }, errorContains: "DB_DSN is required"},
		{name: "unknown db type", mutate: func(c *Config) { c.DBType = "mysql" }, errorContains: "DB_TYPE must be"},
		{name: "zero batch size", mutate: func(c *Config) { c.BatchSize = 0 }, errorContains: "batch size must be positive"},
		{name: "negative retries", mutate: func(c *Config) { c.MaxRetries = -1 }, errorContains: "max retries"},
		{name: "missing signer", mutate: func(c *Config) { c.SignerSecret = "" }, errorContains: "SIGNER_SECRET is required"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.ContentStore = StoreGCS }, errorContains: "GCS_BUCKET is required"},
		{name: "unknown resolver", mutate: func(c *Config) { c.AddressResolver = "ldap" }, errorContains: "ADDRESS_RESOLVER must be"},
		{
			name:   "dry run needs no ledger settings",
			mutate: func(c *Config) { c.SignerSecret = ""; c.LedgerGatewayURL = ""; c.ContentStore = "" },
			dryRun: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validLiveConfig()
			tc.mutate(&cfg)

			err := cfg.Validate(tc.dryRun)
			if tc.errorContains == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.errorContains) {
				t.Errorf("Expected error containing %q, got %v", tc.errorContains, err)
			}
		})
	}
}
