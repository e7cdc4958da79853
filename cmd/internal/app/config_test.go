package app

import (
	"strings"
	"testing"
	"time"

	"clubrotor/cmd/internal/rotation"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{
		"CLUBROTOR_HTTP_ADDR", "CLUBROTOR_DATABASE_URL", "CLUBROTOR_ROTATION_GRACE",
		"CLUBROTOR_ROTATION_TIMEZONE", "CLUBROTOR_SCHEDULER_INTERVAL", "CLUBROTOR_WS_ALLOWED_ORIGINS",
	} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL=%q want empty", cfg.DatabaseURL)
	}
	if cfg.RotationGrace != rotation.DefaultGrace {
		t.Fatalf("RotationGrace=%v want=%v", cfg.RotationGrace, rotation.DefaultGrace)
	}
	if cfg.SchedulerInterval != time.Minute {
		t.Fatalf("SchedulerInterval=%v want=1m", cfg.SchedulerInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate defaults: %v", err)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("CLUBROTOR_ROTATION_TIMEZONE", "Europe/Berlin")
	t.Setenv("CLUBROTOR_ROTATION_GRACE", "30m")
	t.Setenv("CLUBROTOR_SCHEDULER_CONCURRENCY", "2")
	t.Setenv("CLUBROTOR_WS_ALLOWED_ORIGINS", "https://app.example.com")
	t.Setenv("CLUBROTOR_WS_ORIGIN_REQUIRED", "true")
	t.Setenv("CLUBROTOR_DEV_CLUBS", "c1:2,c2:1")

	cfg := LoadConfig()
	if cfg.RotationGrace != 30*time.Minute || cfg.SchedulerConcurrency != 2 || !cfg.WSOriginRequired {
		t.Fatalf("cfg=%+v", cfg)
	}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc.String() != "Europe/Berlin" {
		t.Fatalf("Location=%s want=Europe/Berlin", loc)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	base := Config{HTTPAddr: ":8080", RotationTimezone: "UTC"}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "bad timezone", mutate: func(c *Config) { c.RotationTimezone = "Mars/Olympus" }, wantErr: "rotation timezone"},
		{name: "empty addr", mutate: func(c *Config) { c.HTTPAddr = " " }, wantErr: "http addr"},
		{name: "pool bounds", mutate: func(c *Config) { c.DBMaxConns, c.DBMinConns = 2, 5 }, wantErr: "min conns"},
		{name: "origin required", mutate: func(c *Config) { c.WSOriginRequired = true }, wantErr: "allowed origins"},
		{name: "dev club format", mutate: func(c *Config) { c.DevClubs = []string{"c1"} }, wantErr: "want id:weeks"},
		{name: "dev club weeks", mutate: func(c *Config) { c.DevClubs = []string{"c1:0"} }, wantErr: "positive integer"},
	}

	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		err := cfg.Validate()
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: Validate()=%v want nil", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: Validate()=%v want containing %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestParseDevClubs(t *testing.T) {
	t.Parallel()

	clubs, err := parseDevClubs([]string{"friday:2", " sunday : 1 "})
	if err != nil {
		t.Fatalf("parseDevClubs: %v", err)
	}
	if len(clubs) != 2 || clubs[0].ID != "friday" || clubs[0].IntervalWeeks != 2 || clubs[1].ID != "sunday" || clubs[1].IntervalWeeks != 1 {
		t.Fatalf("clubs=%+v", clubs)
	}
}
