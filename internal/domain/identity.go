package domain

import "strconv"

// Identity is a chat participant: the local operator or a remote counterparty.
type Identity struct {
	Handle      int64  `json:"handle"`
	DisplayName string `json:"display_name,omitempty"`
}

// Validate checks that the identity can be attributed on the wire.
func (i Identity) Validate() error {
	if i.Handle <= 0 {
		return ErrInvalidHandle
	}
	return nil
}

// ClientID is the transport-level client identifier for this identity.
func (i Identity) ClientID() string {
	return strconv.FormatInt(i.Handle, 10)
}

// ParseClientID maps a transport client identifier back to a handle.
// Missing or non-numeric identifiers report ok=false.
func ParseClientID(clientID string) (int64, bool) {
	if clientID == "" {
		return 0, false
	}
	handle, err := strconv.ParseInt(clientID, 10, 64)
	if err != nil || handle <= 0 {
		return 0, false
	}
	return handle, true
}

// Role is sourced from token claims, never inferred from usernames.
type Role string

const (
	RoleAdmin     Role = "admin"
	RolePublisher Role = "publisher"
	RoleApplicant Role = "applicant"
)

// Publisher is a hiring identity an administrator can operate as.
type Publisher struct {
	ID         int64  `json:"id"`
	Handle     int64  `json:"handle"`
	Name       string `json:"name"`
	IsActive   bool   `json:"is_active"`
	Avatar     string `json:"avatar,omitempty"`
	Position   string `json:"position,omitempty"`
	Department string `json:"department,omitempty"`
}

// Identity returns the chat identity behind the publisher.
func (p Publisher) Identity() Identity {
	return Identity{Handle: p.Handle, DisplayName: p.Name}
}

func (p Publisher) Validate() error {
	if p.ID <= 0 || p.Handle <= 0 {
		return ErrInvalidPublisher
	}
	return nil
}

// AdminUser is an administrative identity managing an ordered set of publishers.
type AdminUser struct {
	Identity
	Publishers []Publisher `json:"publishers,omitempty"`
}

// ActivePublishers returns the active publishers in their configured order.
func (a AdminUser) ActivePublishers() []Publisher {
	active := make([]Publisher, 0, len(a.Publishers))
	for _, p := range a.Publishers {
		if p.IsActive {
			active = append(active, p)
		}
	}
	return active
}

// FindPublisher looks up a publisher by ID.
func (a AdminUser) FindPublisher(id int64) (Publisher, bool) {
	for _, p := range a.Publishers {
		if p.ID == id {
			return p, true
		}
	}
	return Publisher{}, false
}

type ApplicantStatus string

const (
	ApplicantStatusPending      ApplicantStatus = "pending"
	ApplicantStatusInterviewing ApplicantStatus = "interviewing"
	ApplicantStatusRejected     ApplicantStatus = "rejected"
	ApplicantStatusHired        ApplicantStatus = "hired"
)

func (s ApplicantStatus) Valid() bool {
	switch s {
	case ApplicantStatusPending, ApplicantStatusInterviewing, ApplicantStatusRejected, ApplicantStatusHired:
		return true
	}
	return false
}

// Applicant is a counterparty owned by exactly one publisher.
type Applicant struct {
	ID          int64           `json:"id"`
	Handle      int64           `json:"handle"`
	Name        string          `json:"name,omitempty"`
	PublisherID int64           `json:"publisher_id"`
	ChatID      int64           `json:"chat_id,omitempty"` // correlates acks and history
	Status      ApplicantStatus `json:"status"`
}

// Identity returns the chat identity behind the applicant.
func (a Applicant) Identity() Identity {
	return Identity{Handle: a.Handle, DisplayName: a.Name}
}

func (a Applicant) Validate() error {
	if a.ID <= 0 || a.Handle <= 0 || a.PublisherID <= 0 {
		return ErrInvalidApplicant
	}
	if a.Status != "" && !a.Status.Valid() {
		return ErrInvalidApplicant
	}
	return nil
}

// SessionChatID falls back to the applicant ID when no chat session exists yet.
func (a Applicant) SessionChatID() int64 {
	if a.ChatID != 0 {
		return a.ChatID
	}
	return a.ID
}
