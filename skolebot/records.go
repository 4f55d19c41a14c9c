package skolebot

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Role is the role a member claims during onboarding.
type Role string

const (
	RoleStudent Role = "elev"
	RoleTeacher Role = "lærer"
)

// ParseRole matches a questionnaire answer against the known roles.
// Surrounding whitespace is ignored, but the match is otherwise exact.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.TrimSpace(s)) {
	case RoleStudent:
		return RoleStudent, true
	case RoleTeacher:
		return RoleTeacher, true
	default:
		return "", false
	}
}

func (r Role) String() string {
	return string(r)
}

// ApplicationRecord holds a member's completed onboarding answers. There is
// at most one per member, keyed by their discord user ID. The JSON form
// matches the applications document, where the user ID is the map key.
type ApplicationRecord struct {
	UserID string `gorm:"primaryKey;type:varchar(32)" json:"-"`

	Role Role `gorm:"type:varchar(16);not null" json:"role"`

	// Name is the given name, or "anonym"
	Name string `json:"name"`

	// StudentNumber is the 5-digit number for students, nil for teachers
	StudentNumber *string `json:"elevnummer"`

	// Age is the given age, or "anonym"
	Age string `json:"age"`

	// Timestamp is the completion time, in unix milliseconds
	Timestamp int64 `json:"timestamp"`
}

func (ApplicationRecord) TableName() string {
	return "applications"
}

func (a *ApplicationRecord) GetUserID() string {
	return a.UserID
}

func (a *ApplicationRecord) SetUserID(id string) {
	a.UserID = id
}

// CompletedAt returns Timestamp as a time.Time
func (a ApplicationRecord) CompletedAt() time.Time {
	return time.UnixMilli(a.Timestamp).UTC()
}

// StartYear returns the year a student started at the school, as derived
// from the first two digits of their student number. ok is false for
// records without a student number.
func (a ApplicationRecord) StartYear() (year string, ok bool) {
	if a.StudentNumber == nil || len(*a.StudentNumber) < 2 {
		return "", false
	}
	return fmt.Sprintf("20%s", (*a.StudentNumber)[:2]), true
}

func (a ApplicationRecord) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("user_id", a.UserID),
		slog.String("role", a.Role.String()),
		slog.Time("completed_at", a.CompletedAt()),
	}
	return slog.GroupValue(attrs...)
}

// LevelRecord holds a member's leveling progress.
type LevelRecord struct {
	UserID string `gorm:"primaryKey;type:varchar(32)" json:"-"`

	// Points is the cumulative total, never decreasing
	Points int64 `gorm:"not null;default:0;index" json:"points"`

	// Level is only ever increased one at a time
	Level int `gorm:"not null;default:0;index" json:"level"`

	// LastMessageAt is the unix millisecond time of the last message that
	// earned points
	LastMessageAt int64 `json:"lastMessageAt"`
}

func (LevelRecord) TableName() string {
	return "levels"
}

func (l *LevelRecord) GetUserID() string {
	return l.UserID
}

func (l *LevelRecord) SetUserID(id string) {
	l.UserID = id
}

func (l LevelRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", l.UserID),
		slog.Int64("points", l.Points),
		slog.Int("level", l.Level),
		slog.Int64("last_message_at", l.LastMessageAt),
	)
}
