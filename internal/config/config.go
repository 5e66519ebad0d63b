package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported values for the enumerated settings.
const (
	DBPostgres = "postgres"
	DBSQLite   = "sqlite"

	StoreIPFS = "ipfs"
	StoreGCS  = "gcs"

	ResolverFile    = "file"
	ResolverGateway = "gateway"
)

type Config struct {
	// Source store
	DBType     string
	DBDSN      string
	DBPageSize int

	// Content store
	ContentStore   string
	IPFSAPIURL     string
	IPFSToken      string
	GCSBucket      string
	GCSCredentials string
	PublishTimeout time.Duration

	// Ledger gateway
	LedgerGatewayURL    string
	LedgerGatewayToken  string
	Network             string
	SignerSecret        string
	AddressResolver     string
	AddressDirectory    string
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration

	// Signer lock
	RedisAddr     string
	RedisPass     string
	SignerLockTTL time.Duration

	// SFTP (report archival)
	SFTPHost                  string
	SFTPPort                  int
	SFTPUser                  string
	SFTPPass                  string
	SFTPDir                   string
	SFTPKnownHosts            string
	SFTPInsecureIgnoreHostKey bool

	// Observability
	LogLevel        string
	LogFormat       string
	OTLPEndpoint    string
	MetricsTextfile string

	// Run defaults (flags override)
	BatchSize        int
	MaxRetries       int
	InterRecordDelay time.Duration
	AnchorBackoff    time.Duration
	Workers          int
	CheckpointPath   string
	ReportDir        string
}

// Load reads a .env file when present and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DBType:     getenv("DB_TYPE", DBPostgres),
		DBDSN:      os.Getenv("DB_DSN"),
		DBPageSize: getenvInt("DB_PAGE_SIZE", 200),

		ContentStore:   getenv("CONTENT_STORE", StoreIPFS),
		IPFSAPIURL:     getenv("IPFS_API_URL", "http://127.0.0.1:5001"),
		IPFSToken:      os.Getenv("IPFS_TOKEN"),
		GCSBucket:      os.Getenv("GCS_BUCKET"),
		GCSCredentials: os.Getenv("GCS_CREDENTIALS_JSON"),
		PublishTimeout: getenvDuration("PUBLISH_TIMEOUT", 60*time.Second),

		LedgerGatewayURL:    os.Getenv("LEDGER_GATEWAY_URL"),
		LedgerGatewayToken:  os.Getenv("LEDGER_GATEWAY_TOKEN"),
		Network:             getenv("LEDGER_NETWORK", "testnet"),
		SignerSecret:        os.Getenv("SIGNER_SECRET"),
		AddressResolver:     getenv("ADDRESS_RESOLVER", ResolverFile),
		AddressDirectory:    getenv("ADDRESS_DIRECTORY", "addresses.yaml"),
		ConfirmTimeout:      getenvDuration("CONFIRM_TIMEOUT", 2*time.Minute),
		ConfirmPollInterval: getenvDuration("CONFIRM_POLL_INTERVAL", 3*time.Second),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPass:     os.Getenv("REDIS_PASSWORD"),
		SignerLockTTL: getenvDuration("SIGNER_LOCK_TTL", 5*time.Minute),

		SFTPHost:                  os.Getenv("SFTP_HOST"),
		SFTPPort:                  getenvInt("SFTP_PORT", 22),
		SFTPUser:                  os.Getenv("SFTP_USER"),
		SFTPPass:                  os.Getenv("SFTP_PASS"),
		SFTPDir:                   getenv("SFTP_DIR", "/inbound"),
		SFTPKnownHosts:            os.Getenv("SFTP_KNOWN_HOSTS"),
		SFTPInsecureIgnoreHostKey: getenvBool("SFTP_INSECURE_IGNORE_HOSTKEY", false),

		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogFormat:       getenv("LOG_FORMAT", "json"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MetricsTextfile: os.Getenv("METRICS_TEXTFILE"),

		BatchSize:        getenvInt("BATCH_SIZE", 50),
		MaxRetries:       getenvInt("MAX_RETRIES", 3),
		InterRecordDelay: getenvDuration("INTER_RECORD_DELAY", time.Second),
		AnchorBackoff:    getenvDuration("ANCHOR_BACKOFF", 2*time.Second),
		Workers:          getenvInt("WORKERS", 4),
		CheckpointPath:   getenv("CHECKPOINT_PATH", "migration.checkpoint.jsonl"),
		ReportDir:        getenv("REPORT_DIR", "reports"),
	}
}

// Validate checks the settings every run needs. Live runs additionally need
// the content store, ledger gateway and signer.
func (c Config) Validate(dryRun bool) error {
	var errs []error

	switch c.DBType {
	case DBPostgres, DBSQLite:
	default:
		errs = append(errs, fmt.Errorf("DB_TYPE must be %s or %s, got %q", DBPostgres, DBSQLite, c.DBType))
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN is required"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries))
	}
	if c.InterRecordDelay < 0 {
		errs = append(errs, fmt.Errorf("delay must not be negative, got %s", c.InterRecordDelay))
	}
	if c.CheckpointPath == "" {
		errs = append(errs, errors.New("checkpoint path is required"))
	}

	if dryRun {
		return errors.Join(errs...)
	}

	switch c.ContentStore {
	case StoreIPFS:
		if c.IPFSAPIURL == "" {
			errs = append(errs, errors.New("IPFS_API_URL is required for the ipfs content store"))
		}
	case StoreGCS:
		if c.GCSBucket == "" {
			errs = append(errs, errors.New("GCS_BUCKET is required for the gcs content store"))
		}
	default:
		errs = append(errs, fmt.Errorf("CONTENT_STORE must be %s or %s, got %q", StoreIPFS, StoreGCS, c.ContentStore))
	}

	if c.LedgerGatewayURL == "" {
		errs = append(errs, errors.New("LEDGER_GATEWAY_URL is required"))
	}
	if c.SignerSecret == "" {
		errs = append(errs, errors.New("SIGNER_SECRET is required"))
	}
	switch c.AddressResolver {
	case ResolverFile:
		if c.AddressDirectory == "" {
			errs = append(errs, errors.New("ADDRESS_DIRECTORY is required for the file resolver"))
		}
	case ResolverGateway:
	default:
		errs = append(errs, fmt.Errorf("ADDRESS_RESOLVER must be %s or %s, got %q", ResolverFile, ResolverGateway, c.AddressResolver))
	}

	return errors.Join(errs...)
}

// SFTPConfigured reports whether the report archive target is set.
func (c Config) SFTPConfigured() bool {
	return c.SFTPHost != "" && c.SFTPUser != "" && c.SFTPPass != ""
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getenvDuration accepts Go durations ("1500ms") or plain seconds ("2").
func getenvDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
