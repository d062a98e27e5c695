package config

type PresenceConfig interface {
	GetAvailability() string
	GetActivity() string
	GetDeviceType() string
}

type Presence struct{}

var _ PresenceConfig = Presence{}

func (Presence) GetAvailability() string {
	return GetEnv("AVAILABILITY", "Available")
}

func (Presence) GetActivity() string {
	return GetEnv("ACTIVITY", "Available")
}

// GetDeviceType is the device class reported with each presence touch.
// Mobile keeps the reported endpoint consistent with the Teams mobile app.
func (Presence) GetDeviceType() string {
	return GetEnv("DEVICE_TYPE", "Mobile")
}
