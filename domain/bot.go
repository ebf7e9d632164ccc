package domain

import "time"

// Bot is a local actor served by this instance. Keys are PEM-encoded RSA.
type Bot struct {
	Username      string
	DisplayName   string
	Summary       string
	PublicKeyPem  string
	PrivateKeyPem string
	CreatedAt     time.Time
}
