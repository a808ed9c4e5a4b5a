package domain

import "time"

// BotUser is the persisted record for one paired phone number. A record is
// considered backup-complete when both SessionID and BlobID are set; only
// backup-complete users are restored after a restart.
type BotUser struct {
	ID              int64     `json:"id,string" gorm:"primaryKey"`
	PhoneNumber     string    `json:"phone_number" gorm:"uniqueIndex;size:20"`
	Password        string    `json:"password" gorm:"size:8"`
	SessionID       *string   `json:"session_id" gorm:"uniqueIndex;size:16"`
	BlobID          *string   `json:"blob_id" gorm:"size:255"`
	AutoReadStatus  bool      `json:"auto_read_status" gorm:"default:true"`
	AutoReactStatus bool      `json:"auto_react_status" gorm:"default:false"`
	AutoStatusLike  bool      `json:"auto_status_like" gorm:"default:true"`
	AntiDelete      bool      `json:"anti_delete" gorm:"default:true"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (BotUser) TableName() string {
	return "bot_user"
}

// BackupComplete reports whether the user has both a session id and a
// remote blob id.
func (u *BotUser) BackupComplete() bool {
	return u.SessionID != nil && *u.SessionID != "" && u.BlobID != nil && *u.BlobID != ""
}

// Settings is the per-user feature flag set exposed through the settings API.
type Settings struct {
	AutoReadStatus  *bool `json:"autoReadStatus,omitempty"`
	AutoReactStatus *bool `json:"autoReactStatus,omitempty"`
	AutoStatusLike  *bool `json:"autoStatusLike,omitempty"`
	AntiDelete      *bool `json:"antiDelete,omitempty"`
}

// SessionLog is an audit row describing one session lifecycle event.
type SessionLog struct {
	ID          int64     `json:"id,string" gorm:"primaryKey"`
	PhoneNumber string    `json:"phone_number" gorm:"index;size:20"`
	Event       string    `json:"event" gorm:"index;size:32"`
	Remark      string    `json:"remark"`
	CreatedAt   time.Time `json:"created_at"`
}

func (SessionLog) TableName() string {
	return "session_log"
}
