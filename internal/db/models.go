// Package db defines the GORM models backing the Repository contract
// (SPEC_FULL.md §3, §6) and the sqlite/postgres connection helper.
package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the fields shared by every model. ID uses UUIDv7
// (time-ordered) so records sort chronologically without a secondary index.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUIDv7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt for soft deletion.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Agent
// -----------------------------------------------------------------------------

// Agent is the persisted form of SPEC_FULL.md §3's Agent entity. Status is
// controller-derived: the Connection Gateway is the only writer of Status
// and LastSeenAt.
type Agent struct {
	softDelete
	AgentKey string `gorm:"column:agent_key;uniqueIndex;not null"` // the stable string identifier, 3-50 chars

	// AuthToken is encrypted at rest (AES-256-GCM via EncryptedString), not
	// hashed: the handshake in §4.B compares the presented token against the
	// stored secret byte-for-byte using a constant-time comparator, which
	// requires the stored value to be recoverable rather than one-way hashed.
	AuthToken  EncryptedString `gorm:"column:auth_token;type:text;not null"`
	AllowList  string          `gorm:"type:text;not null;default:'[]'"` // JSON array of IPs/CIDRs/"*"
	Status     string          `gorm:"not null;default:'offline'"`      // "online" | "offline"
	LastSeenAt *time.Time
}

// -----------------------------------------------------------------------------
// Task
// -----------------------------------------------------------------------------

// Task is the persisted form of SPEC_FULL.md §3's Task entity.
type Task struct {
	softDelete
	Name           string `gorm:"uniqueIndex;not null"`
	InterpreterKind string `gorm:"column:interpreter_kind;not null"` // "bash" | "python" | "node"
	Script         string `gorm:"type:text;not null"`
	Params         string `gorm:"type:text;not null;default:'{}'"` // JSON object
	AgentKey       string `gorm:"column:agent_key;not null;index"`
	CronExpr       string `gorm:"column:cron_expr;default:''"` // empty = not scheduled
	Enabled        bool   `gorm:"not null;default:true"`
}

// -----------------------------------------------------------------------------
// TaskDependency
// -----------------------------------------------------------------------------

// TaskDependency is a directed parent -> child edge gating the child's
// automatic dispatch on the parent's terminal outcome.
type TaskDependency struct {
	base
	ParentTaskID uuid.UUID `gorm:"column:parent_task_id;type:text;not null;index"`
	ChildTaskID  uuid.UUID `gorm:"column:child_task_id;type:text;not null;index"`
	Condition    string    `gorm:"not null"` // "always" | "on:success" | "on:error"
}

// -----------------------------------------------------------------------------
// TaskRun
// -----------------------------------------------------------------------------

// TaskRun is one execution of a Task.
type TaskRun struct {
	base
	TaskID     uuid.UUID `gorm:"column:task_id;type:text;not null;index"`
	AgentKey   string    `gorm:"column:agent_key;not null;index"`
	Status     string    `gorm:"not null;default:'pending';index"` // pending|running|success|error|cancelled
	ExitCode   *int
	Stdout     string `gorm:"type:text;default:''"`
	Stderr     string `gorm:"type:text;default:''"`
	DurationMs int64  `gorm:"default:0"`
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// -----------------------------------------------------------------------------
// Asset
// -----------------------------------------------------------------------------

// Asset is a globally named key/value pair injected into every script's
// environment.
type Asset struct {
	base
	Key   string          `gorm:"uniqueIndex;not null"`
	Value EncryptedString `gorm:"type:text;not null"`
}
