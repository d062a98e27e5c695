package config

type Config interface {
	EnvConfig
	KeepAliveConfig
	PresenceConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetConfigFile() string
}

type mainConfig struct {
	EnvVars
	KeepAlive
	Presence
}

func New() Config {
	return mainConfig{}
}
