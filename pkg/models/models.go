package models

import (
	"time"

	"gorm.io/gorm"
)

// Project kinds.
const (
	KindRefactor = "REFACTOR"
	KindSandbox  = "SANDBOX"
)

// Project lifecycle statuses.
const (
	StatusCreated      = "CREATED"
	StatusProvisioning = "PROVISIONING"
	StatusReady        = "READY"
	StatusRunning      = "RUNNING"
	StatusStopped      = "STOPPED"
	StatusFailed       = "FAILED"
)

// Project is a tenant-owned unit of work backed by at most one container.
type Project struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	OwnerID     string `gorm:"index;not null;size:64" json:"owner_id"`
	Title       string `gorm:"not null;size:200" json:"title"`
	Description string `gorm:"type:text" json:"description"`
	Kind        string `gorm:"not null;size:16" json:"kind"`

	// RepoURL and Branch are set for REFACTOR projects only.
	RepoURL *string `gorm:"size:500" json:"repo_url,omitempty"`
	Branch  *string `gorm:"size:255" json:"branch,omitempty"`

	// Spec is the free-form instruction text handed to the agent.
	Spec string `gorm:"type:text" json:"spec"`

	Status      string  `gorm:"not null;size:16;default:CREATED;index" json:"status"`
	ContainerID *string `gorm:"size:128" json:"container_id,omitempty"`
	LastError   *string `gorm:"type:text" json:"last_error,omitempty"`

	// RefactorThreadID is the agent-side conversation id, carried across
	// runs so a follow-up run continues the same session.
	RefactorThreadID *string `gorm:"size:128" json:"refactor_thread_id,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// User records are owned by the account service; this model is read-only
// here and never migrated or written.
type User struct {
	ID       string `gorm:"primaryKey;size:64" json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// ValidKind reports whether k is a recognized project kind.
func ValidKind(k string) bool {
	return k == KindRefactor || k == KindSandbox
}

// ValidStatus reports whether s is a recognized lifecycle status.
func ValidStatus(s string) bool {
	switch s {
	case StatusCreated, StatusProvisioning, StatusReady, StatusRunning, StatusStopped, StatusFailed:
		return true
	}
	return false
}

// transitions holds the legal status edges. Deletion is allowed from any
// status except PROVISIONING and is handled outside this table.
var transitions = map[string][]string{
	StatusCreated:      {StatusProvisioning},
	StatusProvisioning: {StatusReady, StatusFailed},
	StatusReady:        {StatusRunning, StatusStopped, StatusProvisioning},
	StatusRunning:      {StatusReady, StatusStopped, StatusFailed},
	StatusStopped:      {StatusProvisioning},
	StatusFailed:       {StatusProvisioning},
}

// CanTransition reports whether moving a project from one status to
// another is legal.
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Provisionable reports whether a project in the given status may enter
// PROVISIONING (fresh provision or reprovision).
func Provisionable(status string) bool {
	return CanTransition(status, StatusProvisioning)
}
