// Package dispatch contains the public domain model and contracts of the
// multi-account push dispatch service.
package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Platform is the device family a registration token was issued for.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
	PlatformUnknown Platform = "unknown"
)

// ParsePlatform normalizes a free-form platform name.
func ParsePlatform(s string) Platform {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "android":
		return PlatformAndroid
	case "ios", "iphone", "ipad", "apns":
		return PlatformIOS
	case "web", "webpush", "browser":
		return PlatformWeb
	default:
		return PlatformUnknown
	}
}

// Account is a tenant's credential record. The secret is only ever held in its
// encrypted form here; decryption happens in the credential store.
type Account struct {
	ID              string     `json:"id"`
	DisplayName     string     `json:"displayName"`
	ProjectID       string     `json:"projectId"`
	ServiceEmail    string     `json:"serviceEmail"`
	EncryptedSecret string     `json:"-"`
	IsDefault       bool       `json:"isDefault"`
	IsActive        bool       `json:"isActive"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Credential is the triple a provider client is built from.
type Credential struct {
	ProjectID    string
	ServiceEmail string
	PrivateKey   []byte
}

// Wipe zeroes the private key in place.
func (c *Credential) Wipe() {
	for i := range c.PrivateKey {
		c.PrivateKey[i] = 0
	}
	c.PrivateKey = nil
}

// Device is a registered push target.
type Device struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"`
	Platform   Platform  `json:"platform"`
	IsActive   bool      `json:"isActive"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Topic is the local record of a provider-side broadcast group.
type Topic struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// Subscription mirrors a device's membership of a topic.
type Subscription struct {
	ID             string     `json:"id"`
	TopicID        string     `json:"topicId"`
	DeviceID       string     `json:"deviceId"`
	IsActive       bool       `json:"isActive"`
	SubscribedAt   time.Time  `json:"subscribedAt"`
	UnsubscribedAt *time.Time `json:"unsubscribedAt,omitempty"`
}

// DeviceID is the deterministic fingerprint of a (token, platform) pair.
func DeviceID(token string, platform Platform) string {
	return fingerprint(string(platform) + ":" + token)
}

// TopicID is the deterministic identifier of a topic name.
func TopicID(name string) string {
	return fingerprint("topic:" + name)
}

// SubscriptionID is the identifier of the single current row for a pair.
func SubscriptionID(topicID, deviceID string) string {
	return fingerprint(topicID + "/" + deviceID)
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
