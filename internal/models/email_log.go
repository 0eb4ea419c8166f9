package models

import (
	"time"

	"gorm.io/datatypes"
)

// EmailStatus tracks the delivery state of an EmailLog row.
type EmailStatus string

const (
	EmailStatusPending EmailStatus = "pending"
	EmailStatusSent    EmailStatus = "sent"
	EmailStatusFailed  EmailStatus = "failed"
)

// EmailLog records every outbound email attempt.
type EmailLog struct {
	BaseModel

	Recipient         string            `gorm:"not null;size:254;index" json:"recipient"`
	Subject           string            `gorm:"size:255" json:"subject"`
	TemplateName      string            `gorm:"size:100;index" json:"template_name"`
	Action            string            `gorm:"size:64;index" json:"action"`
	Provider          string            `gorm:"size:32" json:"provider"`
	Status            EmailStatus       `gorm:"size:16;index;not null;default:pending" json:"status"`
	ProviderMessageID string            `gorm:"size:255" json:"provider_message_id"`
	ErrorMessage      string            `gorm:"type:text" json:"error_message"`
	Attempts          int               `gorm:"not null;default:0" json:"attempts"`
	UserID            *string           `gorm:"type:uuid;index" json:"user_id"`
	Metadata          datatypes.JSONMap `json:"metadata"`
	SentAt            *time.Time        `json:"sent_at"`
}
