// Package config reads the adapter's settings from the environment.
//
// Every variable is optional; unset variables fall back to the defaults
// below. Malformed values are reported as errors rather than silently
// replaced.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zone data for minimal container images
)

const envPrefix = "GVR_"

// Defaults.
const (
	DefaultAddr               = ":8080"
	DefaultCodeTableDir       = "./codetables"
	DefaultLookbackYears      = 1
	DefaultRevalidateInterval = 24 * time.Hour
	DefaultBlobRoot           = "./blobdata"
	DefaultS3Region           = "us-east-1"
	DefaultIndexSnapshotKey   = "codeindex"
	DefaultRetryBinDir        = "./retrybin"
	DefaultRetryBinPrefix     = "retrybin"
	DefaultSQLitePath         = "./gvradapter.db"
	DefaultPostgresDSN        = "postgres://localhost/gvradapter?sslmode=disable"
	DefaultRetryExpiry        = 720 * time.Hour
	DefaultSinkPrefix         = "careevents"
	DefaultKafkaBrokers       = "localhost:9092"
	DefaultKafkaTopic         = "care-events"
	DefaultCycleQueueSize     = 16
)

// Default code-table file names inside the code-table directory.
const (
	CommissionTypeFileName = "commissiontypes.xml"
	CommissionFileName     = "commissions.xml"
	FacilityFileName       = "facilities.xml"
	IDMappingFileName      = "idmappings.xml"
)

// CodeTables locates the four code-table exports.
type CodeTables struct {
	CommissionTypes string
	Commissions     string
	Facilities      string
	IDMappings      string
	LookbackYears   int
	Location        *time.Location
}

// Blob selects the blob driver.
type Blob struct {
	Driver      string
	FSRoot      string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

// RetryBin selects where the retry bin is persisted.
type RetryBin struct {
	Driver      string
	Dir         string
	Prefix      string
	SQLitePath  string
	PostgresDSN string
	Expiry      time.Duration
}

// Sink selects where care events go.
type Sink struct {
	Driver           string
	Prefix           string
	KafkaBrokers     []string
	KafkaTopic       string
	KafkaCreateTopic bool
}

// Config is the full process configuration.
type Config struct {
	Addr               string
	LogLevel           string
	LogFormat          string
	CodeTables         CodeTables
	RevalidateInterval time.Duration
	IndexSnapshotKey   string
	CycleQueueSize     int
	TraceSpans         bool
	Blob               Blob
	RetryBin           RetryBin
	Sink               Sink
}

// FromEnv builds a Config from GVR_* environment variables.
func FromEnv() (Config, error) {
	r := reader{}
	dir := r.str("CODETABLE_DIR", DefaultCodeTableDir)
	cfg := Config{
		Addr:      r.str("ADDR", DefaultAddr),
		LogLevel:  strings.ToLower(r.str("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(r.str("LOG_FORMAT", "json")),
		CodeTables: CodeTables{
			CommissionTypes: r.str("COMMISSION_TYPE_FILE", filepath.Join(dir, CommissionTypeFileName)),
			Commissions:     r.str("COMMISSION_FILE", filepath.Join(dir, CommissionFileName)),
			Facilities:      r.str("FACILITY_FILE", filepath.Join(dir, FacilityFileName)),
			IDMappings:      r.str("IDMAPPING_FILE", filepath.Join(dir, IDMappingFileName)),
			LookbackYears:   r.intVal("CODETABLE_LOOKBACK_YEARS", DefaultLookbackYears),
			Location:        r.location("TIMEZONE"),
		},
		RevalidateInterval: r.duration("REVALIDATE_INTERVAL", DefaultRevalidateInterval),
		IndexSnapshotKey:   r.str("INDEX_SNAPSHOT_KEY", DefaultIndexSnapshotKey),
		CycleQueueSize:     r.intVal("CYCLE_QUEUE_SIZE", DefaultCycleQueueSize),
		TraceSpans:         r.boolVal("TRACE_SPANS", false),
		Blob: Blob{
			Driver:      strings.ToLower(r.str("BLOB_DRIVER", "fs")),
			FSRoot:      r.str("BLOB_FS_ROOT", DefaultBlobRoot),
			S3Bucket:    r.str("BLOB_S3_BUCKET", ""),
			S3Region:    r.str("BLOB_S3_REGION", DefaultS3Region),
			S3Endpoint:  r.str("BLOB_S3_ENDPOINT", ""),
			S3PathStyle: r.boolVal("BLOB_S3_PATH_STYLE", false),
		},
		RetryBin: RetryBin{
			Driver:      strings.ToLower(r.str("RETRYBIN_DRIVER", "fs")),
			Dir:         r.raw("RETRYBIN_DIR", DefaultRetryBinDir),
			Prefix:      r.str("RETRYBIN_PREFIX", DefaultRetryBinPrefix),
			SQLitePath:  r.str("SQLITE_PATH", DefaultSQLitePath),
			PostgresDSN: r.str("POSTGRES_DSN", DefaultPostgresDSN),
			Expiry:      r.duration("RETRY_EXPIRY", DefaultRetryExpiry),
		},
		Sink: Sink{
			Driver:           strings.ToLower(r.str("SINK_DRIVER", "blob")),
			Prefix:           r.str("SINK_PREFIX", DefaultSinkPrefix),
			KafkaBrokers:     splitList(r.str("KAFKA_BROKERS", DefaultKafkaBrokers)),
			KafkaTopic:       r.str("KAFKA_TOPIC", DefaultKafkaTopic),
			KafkaCreateTopic: r.boolVal("KAFKA_CREATE_TOPIC", false),
		},
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.CodeTables.LookbackYears < 0 {
		return fmt.Errorf("config: %sCODETABLE_LOOKBACK_YEARS must not be negative", envPrefix)
	}
	if c.RevalidateInterval < 0 {
		return fmt.Errorf("config: %sREVALIDATE_INTERVAL must not be negative", envPrefix)
	}
	if c.CycleQueueSize < 1 {
		return fmt.Errorf("config: %sCYCLE_QUEUE_SIZE must be positive", envPrefix)
	}
	if c.Blob.Driver == "s3" && c.Blob.S3Bucket == "" {
		return fmt.Errorf("config: %sBLOB_S3_BUCKET is required for the s3 driver", envPrefix)
	}
	if c.Sink.Driver == "kafka" && len(c.Sink.KafkaBrokers) == 0 {
		return fmt.Errorf("config: %sKAFKA_BROKERS is required for the kafka sink", envPrefix)
	}
	return nil
}

// NewerThan returns the code-table cutoff for a build started at now:
// LookbackYears before now, truncated to midnight in the configured location.
func (c CodeTables) NewerThan(now time.Time) time.Time {
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	t := now.In(loc).AddDate(-c.LookbackYears, 0, 0)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// reader collects the first parse error.
type reader struct {
	err error
}

func (r *reader) raw(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return def
}

func (r *reader) intVal(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) boolVal(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *reader) location(key string) *time.Location {
	v := r.str(key, "Local")
	if strings.EqualFold(v, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(v)
	if err != nil {
		r.fail(key, v, err)
		return time.Local
	}
	return loc
}

func (r *reader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("config: %s%s=%q: %w", envPrefix, key, value, err)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
