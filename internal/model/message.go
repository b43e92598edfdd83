package model

import (
	"strings"
	"time"

	"leadsheet/internal/errs"
)

// Message is one inbound chat message as delivered by the change feed.
// The pipeline only reads its fields; the single write it ever performs is
// the terminal processed mark (see repository.MessageRepository.MarkProcessed).
type Message struct {
	ID          int64
	Address     string // "<tenant>/<thread>", e.g. "acme/+15551234567"
	Text        string
	SenderRole  string
	ContactName string
	IsTest      bool
	Processed   bool
	CreatedAt   time.Time
}

// ParseAddress splits a message address into tenant ID and thread key.
// A malformed address is fatal for the message (skip-marked by the caller).
func ParseAddress(addr string) (tenantID, threadKey string, err error) {
	parts := strings.SplitN(addr, "/", 2)
	if len(parts) != 2 {
		return "", "", &errs.ValidationError{Reason: "address must be <tenant>/<thread>"}
	}
	tenantID = strings.TrimSpace(parts[0])
	threadKey = strings.TrimSpace(parts[1])
	if tenantID == "" || threadKey == "" {
		return "", "", &errs.ValidationError{Reason: "address has empty tenant or thread"}
	}
	return tenantID, threadKey, nil
}

// TenantSettings is the read-only per-tenant switchboard.
type TenantSettings struct {
	Disabled           bool
	AllowedSenderRoles []string
}

// RoleAllowed reports whether a sender role may trigger processing.
// An empty allow-list means only the conventional "user" role is accepted.
func (s TenantSettings) RoleAllowed(role string) bool {
	if len(s.AllowedSenderRoles) == 0 {
		return role == "user"
	}
	for _, r := range s.AllowedSenderRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}
