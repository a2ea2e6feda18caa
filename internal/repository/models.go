package repository

import "time"

// Roles a user may hold.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

// User is an account owning zero or more diagnostics.
type User struct {
	ID           uint      `gorm:"primaryKey"`
	Name         string    `gorm:"column:name;size:255;not null"`
	Role         string    `gorm:"column:role;size:16;not null"`
	Email        string    `gorm:"column:email;size:255;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:255;not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users"
}

// Diagnostic links a user, an image reference and a JSON encoded classification result.
type Diagnostic struct {
	ID        uint      `gorm:"primaryKey"`
	ImageURL  string    `gorm:"column:image_url;type:text;not null"`
	Result    string    `gorm:"column:result;type:text;not null"`
	UserID    uint      `gorm:"column:user_id;not null;index"`
	User      *User     `gorm:"foreignKey:UserID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (Diagnostic) TableName() string {
	return "diagnostics"
}
