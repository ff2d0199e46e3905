package config

type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Browser BrowserConfig `json:"browser"`

	// Connect holds the pacing defaults for the connection-request worker.
	// Effective pacing settings live in the database (app_settings) so API
	// updates survive restarts; this block only seeds them on first run.
	Connect ConnectConfig `json:"connect"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

// ServerConfig controls the loopback HTTP control API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8380"); the API has no
//     authentication of its own.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8380"

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts the runtime profiler under /debug/pprof.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`

	// RetentionDays bounds how long rotated/old file logs are kept.
	// 0 means the default (14).
	RetentionDays int `json:"retention_days,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite lead database.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// BrowserConfig describes the shared persistent browser profile and the
// lease that serializes access to it.
//
// All durations are Go duration strings (e.g. "15s", "2m").
type BrowserConfig struct {
	ProfileDir string `json:"profile_dir"`

	// LockStaleness is how long an unrefreshed lease may sit before another
	// owner is allowed to reclaim it.
	LockStaleness string `json:"lock_staleness,omitempty"` // default "2m"
	// LockHeartbeat is how often a holder refreshes its lease.
	LockHeartbeat string `json:"lock_heartbeat,omitempty"` // default "15s"
	// AcquireTimeout bounds how long callers wait for the lock by default.
	AcquireTimeout string `json:"acquire_timeout,omitempty"` // default "30s"
}

// ConnectConfig seeds the worker pacing settings.
//
// Delay fields are Go duration strings. Values below the floors documented
// on each field are clamped, never rejected, so a sloppy hand-edited config
// cannot stall the daemon.
type ConnectConfig struct {
	DailyLimit int `json:"daily_limit,omitempty"` // default 10, floor 1

	MinDelay string `json:"min_delay,omitempty"` // default "90s", floor "5s"
	MaxDelay string `json:"max_delay,omitempty"` // default "300s", floor min_delay

	BusinessHoursOnly bool `json:"business_hours_only,omitempty"`
	BizStartHour      int  `json:"biz_start_hour,omitempty"` // default 9, clamped to [0,23]
	BizEndHour        int  `json:"biz_end_hour,omitempty"`   // default 17, clamped to [0,23]

	// PollInterval is the idle re-check cadence of the worker loop.
	PollInterval string `json:"poll_interval,omitempty"` // default "30s"
	// ClaimStaleness is how long a claimed queue item may sit in-flight before
	// a restart sweep marks it failed ("worker interrupted").
	ClaimStaleness string `json:"claim_staleness,omitempty"` // default "10m"
}

// MaintenanceConfig controls the background housekeeping schedules.
//
// Schedules accept cron specs ("0 3 * * *") or "@every <duration>".
type MaintenanceConfig struct {
	Enabled *bool `json:"enabled,omitempty"` // omitted means enabled

	SweepSchedule      string `json:"sweep_schedule,omitempty"`       // default "@every 5m"
	LogCleanupSchedule string `json:"log_cleanup_schedule,omitempty"` // default "0 3 * * *"
}

// MaintenanceEnabled resolves the tri-state Enabled flag.
func (c *Config) MaintenanceEnabled() bool {
	if c == nil || c.Maintenance.Enabled == nil {
		return true
	}
	return *c.Maintenance.Enabled
}
