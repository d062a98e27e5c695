package config

import "time"

// KeepAliveConfig holds the scheduler cadence and failure-handling knobs.
// The tick interval must undercut the presence service's away-detection
// window, which is an external parameter, so everything here is tunable.
type KeepAliveConfig interface {
	GetTickInterval() time.Duration
	GetBaseBackoff() time.Duration
	GetMaxBackoff() time.Duration
	GetSafetyMargin() time.Duration
	GetRequestTimeout() time.Duration
}

type KeepAlive struct{}

var _ KeepAliveConfig = KeepAlive{}

func (KeepAlive) GetTickInterval() time.Duration {
	return GetDurationEnv("TICK_INTERVAL", 90*time.Second)
}

func (KeepAlive) GetBaseBackoff() time.Duration {
	return GetDurationEnv("BASE_BACKOFF", 15*time.Second)
}

func (KeepAlive) GetMaxBackoff() time.Duration {
	return GetDurationEnv("MAX_BACKOFF", 15*time.Minute)
}

// GetSafetyMargin is subtracted from the token expiry when deciding whether
// a cached session may be reused. Keep it >= 60s to absorb clock skew and
// in-flight latency.
func (KeepAlive) GetSafetyMargin() time.Duration {
	return GetDurationEnv("SAFETY_MARGIN", 2*time.Minute)
}

func (KeepAlive) GetRequestTimeout() time.Duration {
	return GetDurationEnv("REQUEST_TIMEOUT", 30*time.Second)
}

func GetDurationEnv(envVar string, defaultValue time.Duration) time.Duration {
	value := GetEnv(envVar, "")
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
