package config

import (
	"strings"

	logx "prospectd/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging the reload.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Bool("server.enabled", newCfg.Server.Enabled),
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)))
	}

	if oldCfg.Browser != newCfg.Browser {
		changed = append(changed, "browser")
		attrs = append(attrs,
			logx.String("browser.lock_staleness", strings.TrimSpace(newCfg.Browser.LockStaleness)),
			logx.String("browser.acquire_timeout", strings.TrimSpace(newCfg.Browser.AcquireTimeout)),
		)
	}

	if oldCfg.Connect != newCfg.Connect {
		changed = append(changed, "connect")
		attrs = append(attrs,
			logx.Int("connect.daily_limit", newCfg.Connect.DailyLimit),
			logx.String("connect.min_delay", strings.TrimSpace(newCfg.Connect.MinDelay)),
			logx.String("connect.max_delay", strings.TrimSpace(newCfg.Connect.MaxDelay)),
			logx.Bool("connect.business_hours_only", newCfg.Connect.BusinessHoursOnly),
		)
	}

	if oldCfg.MaintenanceEnabled() != newCfg.MaintenanceEnabled() ||
		strings.TrimSpace(oldCfg.Maintenance.SweepSchedule) != strings.TrimSpace(newCfg.Maintenance.SweepSchedule) ||
		strings.TrimSpace(oldCfg.Maintenance.LogCleanupSchedule) != strings.TrimSpace(newCfg.Maintenance.LogCleanupSchedule) {
		changed = append(changed, "maintenance")
		attrs = append(attrs, logx.Bool("maintenance.enabled", newCfg.MaintenanceEnabled()))
	}

	return changed, attrs
}
