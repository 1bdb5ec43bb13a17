package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionAssign AuditAction = "assign"
	AuditActionRevoke AuditAction = "revoke"
	AuditActionCreate AuditAction = "create"
	AuditActionUpdate AuditAction = "update"
	AuditActionDelete AuditAction = "delete"
)

// AuditTargetType is the kind of entity an audit entry refers to
type AuditTargetType string

const (
	AuditTargetUser       AuditTargetType = "user"
	AuditTargetRole       AuditTargetType = "role"
	AuditTargetPermission AuditTargetType = "permission"
)

// AuditLog represents an audit trail entry. Entries are append-only.
type AuditLog struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Action       AuditAction     `json:"action" db:"action"`
	TargetType   AuditTargetType `json:"targetType" db:"target_type"`
	TargetID     uuid.UUID       `json:"targetId" db:"target_id"`
	TargetName   string          `json:"targetName" db:"target_name"`
	OperatorID   *uuid.UUID      `json:"operatorId,omitempty" db:"operator_id"`
	OperatorName string          `json:"operatorName" db:"operator_name"`
	Details      string          `json:"details" db:"details"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(action AuditAction, targetType AuditTargetType, targetID uuid.UUID, targetName string) *AuditLog {
	return &AuditLog{
		ID:         uuid.New(),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		TargetName: targetName,
		Timestamp:  time.Now(),
	}
}

// WithOperator sets the operator
func (a *AuditLog) WithOperator(op Operator) *AuditLog {
	a.OperatorID = op.IDPtr()
	a.OperatorName = op.Name
	return a
}

// WithDetails sets a formatted human-readable summary
func (a *AuditLog) WithDetails(format string, args ...interface{}) *AuditLog {
	a.Details = fmt.Sprintf(format, args...)
	return a
}

// AuditPage is one page of audit entries plus the total count
type AuditPage struct {
	List  []*AuditLog `json:"list"`
	Total int         `json:"total"`
}
