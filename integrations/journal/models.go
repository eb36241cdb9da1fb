package journal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Claim statuses recorded by the journal.
const (
	StatusPending       = "pending"
	StatusFinalized     = "finalized"
	StatusRefundApplied = "refund_applied"
)

// ClaimRecord is one claim as seen through engine events.
type ClaimRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Entrypoint string    `gorm:"size:64;index"`
	DropID     string    `gorm:"size:128;index"`
	KeyID      string    `gorm:"size:128;index"`
	Funder     string    `gorm:"size:128;index"`
	Receiver   string    `gorm:"size:128"`
	Use        uint32
	Assets     string `gorm:"size:1024"`
	Status     string `gorm:"size:32;index"`
	// Refunded is the base-unit amount credited back to the funder.
	Refunded  string `gorm:"size:64"`
	IssuedAt  time.Time
	SettledAt *time.Time
	UpdatedAt time.Time
}

// AutoMigrate creates the journal schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ClaimRecord{})
}
