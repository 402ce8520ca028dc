package core

// UserID identifies a user across lessons
type UserID string

// Role is the role of a participant inside a lesson
type Role string

const (
	// RoleTeacher leads the lesson
	RoleTeacher Role = "teacher"
	// RoleStudent attends the lesson
	RoleStudent Role = "student"
)

func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}
