package db

import (
	"time"

	"gorm.io/gorm"
)

// ScriptKind partitions scripts into the phase they run in.
type ScriptKind string

const (
	ScriptPre  ScriptKind = "pre"
	ScriptPost ScriptKind = "post"
)

// ConnectionProfile describes one remote target: host, credentials and auth
// mode. Referenced by scripts and by submitted transfer tasks.
type ConnectionProfile struct {
	gorm.Model
	/* Name is the user-facing identifier of the profile. It is unique. */
	Name string `gorm:"uniqueIndex;not null"`
	/* Host is the hostname or address of the remote target. */
	Host string `gorm:"not null"`
	/* Port is the SSH port; 0 means the default of 22. */
	Port int
	/* Username used for authentication. */
	Username string `gorm:"not null"`
	/* AuthMode is "password" or "keyfile". */
	AuthMode string `gorm:"not null"`
	/* Password for password auth. */
	Password string
	/* KeyFile is the path of the private key for keyfile auth. */
	KeyFile string
}

// Script is one stored remote script attached to a profile, run before or
// after transfers depending on its kind.
type Script struct {
	gorm.Model
	/* ProfileID references the owning connection profile. */
	ProfileID uint `gorm:"index;not null"`
	/* Name is the display name of the script. */
	Name string `gorm:"not null"`
	/* Kind is "pre" or "post". */
	Kind ScriptKind `gorm:"not null"`
	/* Body is the command text executed on the remote host. */
	Body string `gorm:"type:text;not null"`
	/* Enabled scripts run; disabled ones are kept but skipped. */
	Enabled bool `gorm:"not null;default:true"`
	/* Position orders scripts of the same kind within a profile. */
	Position int `gorm:"not null;default:0"`
}

// TaskHistory keeps a snapshot of each task that reached a terminal state,
// so finished transfers survive restarts and stay inspectable.
type TaskHistory struct {
	TaskID string `gorm:"primaryKey;size:64" json:"task_id"`
	/* Direction is "upload" or "download". */
	Direction   string    `gorm:"size:16;not null" json:"direction"`
	LocalPath   string    `gorm:"not null" json:"local_path"`
	RemotePath  string    `gorm:"not null" json:"remote_path"`
	ProfileName string    `gorm:"index" json:"profile_name"`
	Status      string    `gorm:"size:16;index;not null" json:"status"`
	Progress    int       `gorm:"not null" json:"progress"`
	Size        int64     `json:"size"`
	Message     string    `gorm:"size:1024" json:"message"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `gorm:"index;autoUpdateTime" json:"finished_at"`
}

func (TaskHistory) TableName() string {
	return "task_history"
}
