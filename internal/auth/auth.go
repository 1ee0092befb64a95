// Package auth provides gateway registration signing using HMAC-SHA256.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Credentials holds the application credentials used to register a session
// with the platform gateway.
type Credentials struct {
	AppID     string
	AppSecret string
}

// NewCredentials validates and returns credentials for an application.
func NewCredentials(appID, appSecret string) (*Credentials, error) {
	if appID == "" {
		return nil, fmt.Errorf("app id is required")
	}
	if appSecret == "" {
		return nil, fmt.Errorf("app secret is required")
	}
	return &Credentials{AppID: appID, AppSecret: appSecret}, nil
}

// SignRegister generates the timestamp and signature for a register frame.
// Message format: timestamp_s + app_id, signed with HMAC-SHA256 over the
// application secret and hex encoded.
func (c *Credentials) SignRegister(now time.Time) (timestamp int64, signature string) {
	timestamp = now.Unix()
	return timestamp, c.sign(timestamp)
}

// Verify reports whether a signature matches the given timestamp. Used by
// test gateways; the production gateway performs the same check server-side.
func (c *Credentials) Verify(timestamp int64, signature string) bool {
	return hmac.Equal([]byte(c.sign(timestamp)), []byte(signature))
}

func (c *Credentials) sign(timestamp int64) string {
	message := fmt.Sprintf("%d%s", timestamp, c.AppID)
	mac := hmac.New(sha256.New, []byte(c.AppSecret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
