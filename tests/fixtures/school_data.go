package fixtures

import (
	"context"
	"testing"

	"downbeat/internal/directory"
	"downbeat/pkg/event"
)

// Account is one seeded login in a test school.
type Account struct {
	UserID   int64
	Username string
	Password string
	Role     string
}

// School is a seeded tenant with a full cast: one owner, one teacher, two
// students.
type School struct {
	ID       int64
	Name     string
	Owner    *Account
	Teacher  *Account
	Students []*Account
}

// Everyone returns all accounts in the school.
func (s *School) Everyone() []*Account {
	return append([]*Account{s.Owner, s.Teacher}, s.Students...)
}

// seedSchool provisions a school and its accounts in the directory.
// Usernames are prefixed so two seeded schools never collide on the unique
// username constraint.
func seedSchool(t *testing.T, store *directory.Store, name, prefix string) *School {
	t.Helper()
	ctx := context.Background()

	schoolID, err := store.CreateSchool(ctx, name)
	if err != nil {
		t.Fatalf("Failed to seed school %s: %v", name, err)
	}

	school := &School{ID: schoolID, Name: name}
	school.Owner = seedAccount(t, store, schoolID, prefix+"owner", event.RoleSchoolOwner)
	school.Teacher = seedAccount(t, store, schoolID, prefix+"teacher", event.RoleTeacher)
	school.Students = []*Account{
		seedAccount(t, store, schoolID, prefix+"amy", event.RoleStudent),
		seedAccount(t, store, schoolID, prefix+"ben", event.RoleStudent),
	}
	return school
}

func seedAccount(t *testing.T, store *directory.Store, schoolID int64, username, role string) *Account {
	t.Helper()

	password := username + "-secret"
	userID, err := store.CreateUser(context.Background(), schoolID, username, password, role)
	if err != nil {
		t.Fatalf("Failed to seed user %s: %v", username, err)
	}
	return &Account{UserID: userID, Username: username, Password: password, Role: role}
}
