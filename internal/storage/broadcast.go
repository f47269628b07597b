package storage

import (
	"time"
)

// Broadcast is one archived recording in the index.
type Broadcast struct {
	ID        string    `gorm:"primaryKey"`
	Channel   string    `gorm:"index;not null"`
	Type      string    `gorm:"index;not null"`
	Title     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"index"`
	Path      string    `gorm:"not null"`
	Size      int64     `gorm:"not null"`
	AddedAt   time.Time `gorm:"autoCreateTime"`
}

// TableName returns the database table name for broadcasts.
func (Broadcast) TableName() string {
	return "broadcasts"
}
