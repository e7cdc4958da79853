package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"clubrotor/cmd/internal/rotation"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	RedisURL string

	RotationGrace    time.Duration
	RotationTimezone string

	SchedulerEnabled     bool
	SchedulerInterval    time.Duration
	SchedulerConcurrency int
	SchedulerClubTimeout time.Duration
	SchedulerMaxAttempts int

	MetadataBaseURL      string
	MetadataAPIKey       string
	MetadataImageBaseURL string
	MetadataTimeout      time.Duration
	MetadataRPS          float64
	MetadataCacheTTL     time.Duration

	WSAllowedOrigins []string
	WSOriginRequired bool

	// DevClubs seeds the in-memory store, as "id:weeks" items. Ignored with a DB.
	DevClubs []string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CLUBROTOR_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CLUBROTOR_LOG_LEVEL", "info"),
		LogFormat: EnvString("CLUBROTOR_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CLUBROTOR_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CLUBROTOR_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CLUBROTOR_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CLUBROTOR_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CLUBROTOR_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("CLUBROTOR_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("CLUBROTOR_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("CLUBROTOR_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("CLUBROTOR_DB_SCHEMA", "clubrotor"),
		DBAutoMigrate: EnvBool("CLUBROTOR_DB_AUTO_MIGRATE", true),

		ReadinessRequireDB: EnvBool("CLUBROTOR_READINESS_REQUIRE_DB", false),

		RedisURL: EnvString("CLUBROTOR_REDIS_URL", ""),

		RotationGrace:    EnvDuration("CLUBROTOR_ROTATION_GRACE", rotation.DefaultGrace),
		RotationTimezone: EnvString("CLUBROTOR_ROTATION_TIMEZONE", "UTC"),

		SchedulerEnabled:     EnvBool("CLUBROTOR_SCHEDULER_ENABLED", true),
		SchedulerInterval:    EnvDuration("CLUBROTOR_SCHEDULER_INTERVAL", time.Minute),
		SchedulerConcurrency: EnvInt("CLUBROTOR_SCHEDULER_CONCURRENCY", 8),
		SchedulerClubTimeout: EnvDuration("CLUBROTOR_SCHEDULER_CLUB_TIMEOUT", 15*time.Second),
		SchedulerMaxAttempts: EnvInt("CLUBROTOR_SCHEDULER_MAX_ATTEMPTS", 3),

		MetadataBaseURL:      EnvString("CLUBROTOR_METADATA_BASE_URL", ""),
		MetadataAPIKey:       EnvString("CLUBROTOR_METADATA_API_KEY", ""),
		MetadataImageBaseURL: EnvString("CLUBROTOR_METADATA_IMAGE_BASE_URL", ""),
		MetadataTimeout:      EnvDuration("CLUBROTOR_METADATA_TIMEOUT", 3*time.Second),
		MetadataRPS:          EnvFloat("CLUBROTOR_METADATA_RPS", 20),
		MetadataCacheTTL:     EnvDuration("CLUBROTOR_METADATA_CACHE_TTL", 24*time.Hour),

		WSAllowedOrigins: EnvCSV("CLUBROTOR_WS_ALLOWED_ORIGINS"),
		WSOriginRequired: EnvBool("CLUBROTOR_WS_ORIGIN_REQUIRED", false),

		DevClubs: EnvCSV("CLUBROTOR_DEV_CLUBS"),
	}
}

// Location resolves RotationTimezone.
func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.RotationTimezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("config: rotation timezone %q: %w", name, err)
	}
	return loc, nil
}

// Validate rejects settings that would only fail later at runtime.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("config: http addr is empty"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("config: db min conns %d exceeds max %d", c.DBMinConns, c.DBMaxConns))
	}
	if c.WSOriginRequired && len(c.WSAllowedOrigins) == 0 {
		errs = append(errs, errors.New("config: ws origin required but no allowed origins"))
	}
	if _, err := parseDevClubs(c.DevClubs); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// parseDevClubs turns "id:weeks" items into clubs.
func parseDevClubs(items []string) ([]rotation.Club, error) {
	clubs := make([]rotation.Club, 0, len(items))
	for _, item := range items {
		id, weeksRaw, ok := strings.Cut(item, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("config: dev club %q: want id:weeks", item)
		}
		weeks, err := strconv.Atoi(strings.TrimSpace(weeksRaw))
		if err != nil || weeks <= 0 {
			return nil, fmt.Errorf("config: dev club %q: weeks must be a positive integer", item)
		}
		clubs = append(clubs, rotation.Club{ID: id, Name: id, IntervalWeeks: weeks})
	}
	return clubs, nil
}
