package config

import "os"

// PushConfig holds the web-push VAPID identity. Delivery is disabled when
// the key pair is absent.
type PushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
}

// Enabled reports whether push delivery can be attempted.
func (c *PushConfig) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// loadPushConfig reads the VAPID identity from the environment.
func loadPushConfig() *PushConfig {
	return &PushConfig{
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    getEnvOrDefault("VAPID_SUBJECT", "mailto:admin@localhost"),
	}
}
