// Package domain contains core domain types for the agentlink client.
package domain

import (
	"encoding/json"
)

// DefaultStatus is assigned to identities whose upstream status is empty.
const DefaultStatus = "online"

// APIUser is the user record returned by the auth endpoints.
type APIUser struct {
	ID        string   `json:"_id"`
	Email     string   `json:"email"`
	Username  string   `json:"username"`
	Confirmed bool     `json:"confirmed,omitempty"`
	Type      string   `json:"type,omitempty"`
	Role      string   `json:"role,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Avatar    string   `json:"avatar,omitempty"`
	Status    string   `json:"status,omitempty"`
}

// Identity is the signed-in user as seen by the client.
type Identity struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"name"`
	Email       string   `json:"email"`
	AvatarRef   string   `json:"avatar,omitempty"`
	Status      string   `json:"status"`
	AccountID   *string  `json:"walletAccountId"`
	Balance     *float64 `json:"hbarBalance"`
}

// NewIdentity builds an Identity from an upstream user record.
func NewIdentity(u APIUser) *Identity {
	status := u.Status
	if status == "" {
		status = DefaultStatus
	}
	return &Identity{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: DisplayName(u),
		Email:       u.Email,
		AvatarRef:   u.Avatar,
		Status:      status,
	}
}

// DisplayName returns the name carried by the first JSON tag with a string
// "name" field, or the username when no tag qualifies.
func DisplayName(u APIUser) string {
	for _, tag := range u.Tags {
		var obj map[string]any
		if err := json.Unmarshal([]byte(tag), &obj); err != nil {
			continue
		}
		if name, ok := obj["name"].(string); ok {
			return name
		}
	}
	return u.Username
}

// Credentials are the sign-in inputs.
type Credentials struct {
	EmailOrUsername string `json:"email_or_username"`
	Password        string `json:"password"`
}

// Tag is a key/value label attached at registration.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Registration is the sign-up payload.
type Registration struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Tags     *Tag   `json:"tags,omitempty"`
}

// AuthResponse is returned by login and refresh.
type AuthResponse struct {
	User        APIUser `json:"user"`
	AccessToken string  `json:"accessToken"`
}

// WalletInfo is the user wallet lookup response.
type WalletInfo struct {
	ID string `json:"id"`
}

// BalanceEntry is one account balance.
type BalanceEntry struct {
	Account string  `json:"account"`
	Balance float64 `json:"balance"`
}

// AccountBalance is the balance lookup response.
type AccountBalance struct {
	Timestamp string         `json:"timestamp"`
	Balances  []BalanceEntry `json:"balances"`
}
