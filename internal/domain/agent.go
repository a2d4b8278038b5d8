package domain

import (
	"regexp"
	"strings"
)

// Agent status values.
const (
	AgentStatusOnline        = "online"
	AgentStatusOffline       = "offline"
	AgentStatusPendingWallet = "pending_wallet"
)

// Credential issuance status values.
const (
	VCStatusPending = "pending"
	VCStatusIssued  = "issued"
	VCStatusFailed  = "failed"
)

// Fallback values used when a profile cannot be resolved.
const (
	NotAvailable         = "N/A"
	DefaultProfileName   = "no profile found"
	DefaultProfileDesc   = "No detailed profile available."
	DefaultAgentType     = "other"
	DefaultAgentCategory = "automation"
)

// AgentProfile is the full descriptive record of an agent.
type AgentProfile struct {
	AccountID     string   `json:"agentAccountId"`
	Name          string   `json:"agentName"`
	Description   string   `json:"agentDescription"`
	Purpose       string   `json:"purpose"`
	URL           string   `json:"url"`
	Type          string   `json:"agentType"`
	Category      string   `json:"agentCategory"`
	Capabilities  []string `json:"capability"`
	Status        string   `json:"status"`
	VCStatus      string   `json:"vcIssueStatus"`
	DID           string   `json:"agentDid"`
	OwnerDID      string   `json:"agentOwnerDID"`
	InboundTopic  string   `json:"inboundTopicId"`
	OutboundTopic string   `json:"outboundTopicId"`
	CommTopic     string   `json:"communicationTopicId"`
	RegistrySeq   *string  `json:"registryTopicSeq"`
}

// HasVerifiedIdentity reports whether the profile carries both DIDs.
func (p *AgentProfile) HasVerifiedIdentity() bool {
	return strings.TrimSpace(p.DID) != "" && strings.TrimSpace(p.OwnerDID) != ""
}

// MissingIdentity lists the identity fields the profile lacks.
func (p *AgentProfile) MissingIdentity() []string {
	var missing []string
	if strings.TrimSpace(p.DID) == "" {
		missing = append(missing, "Agent DID")
	}
	if strings.TrimSpace(p.OwnerDID) == "" {
		missing = append(missing, "Agent Owner DID")
	}
	return missing
}

// Account is the ledger account attached to an agent.
type Account struct {
	ID      string   `json:"id"`
	Balance *float64 `json:"balance"`
}

// Agent is the basic agent record listed under an owner wallet.
type Agent struct {
	ID      string  `json:"_id"`
	Name    string  `json:"agentName,omitempty"`
	Purpose string  `json:"purpose,omitempty"`
	Owner   string  `json:"owner"`
	Type    string  `json:"type"`
	Account Account `json:"account"`
}

// AgentListItem is a profile merged with its live account data.
type AgentListItem struct {
	AgentProfile
	Account Account `json:"account"`
}

// DefaultProfile returns the placeholder profile used when the real one
// cannot be fetched. Purpose is taken from the basic record when present.
func DefaultProfile(accountID string, basic *Agent) AgentProfile {
	purpose := NotAvailable
	if basic != nil && basic.Purpose != "" {
		purpose = basic.Purpose
	}
	return AgentProfile{
		AccountID:    accountID,
		Name:         DefaultProfileName,
		Description:  DefaultProfileDesc,
		Purpose:      purpose,
		Type:         DefaultAgentType,
		Category:     DefaultAgentCategory,
		Capabilities: []string{},
		Status:       AgentStatusOffline,
		VCStatus:     VCStatusPending,
		DID:          NotAvailable,
		OwnerDID:     NotAvailable,
	}
}

var agentURLPattern = regexp.MustCompile(`^https?://.+`)

// AgentForm holds the user inputs of the agent creation wizard.
type AgentForm struct {
	Name         string
	Description  string
	URL          string
	Purpose      string
	Capabilities []string
	Type         string
	Category     string
}

// Validate returns the names of invalid fields, or nil when the form is
// complete.
func (f AgentForm) Validate() []string {
	var invalid []string
	if strings.TrimSpace(f.Name) == "" {
		invalid = append(invalid, "agentName")
	}
	if strings.TrimSpace(f.Description) == "" {
		invalid = append(invalid, "agentDescription")
	}
	if !agentURLPattern.MatchString(f.URL) {
		invalid = append(invalid, "agentUrl")
	}
	if strings.TrimSpace(f.Purpose) == "" {
		invalid = append(invalid, "purpose")
	}
	if len(f.Capabilities) == 0 {
		invalid = append(invalid, "capability")
	}
	if strings.TrimSpace(f.Type) == "" {
		invalid = append(invalid, "agentType")
	}
	if strings.TrimSpace(f.Category) == "" {
		invalid = append(invalid, "agentCategory")
	}
	return invalid
}

// UniqueCapabilities returns the capabilities with duplicates removed,
// preserving first occurrence order.
func (f AgentForm) UniqueCapabilities() []string {
	seen := make(map[string]struct{}, len(f.Capabilities))
	out := make([]string, 0, len(f.Capabilities))
	for _, c := range f.Capabilities {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
