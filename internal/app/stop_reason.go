package app

// StopReason records why the daemon is shutting down; it only feeds the
// final log line.
type StopReason string

const (
	StopUnknown StopReason = "unknown"
	StopSIGINT  StopReason = "sigint"
	StopSIGTERM StopReason = "sigterm"
	StopAppStop StopReason = "app_stop"
)
