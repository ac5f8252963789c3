// Package identity carries the already-authenticated caller into engine calls.
package identity

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrUnauthenticated = errors.New("caller identity missing or invalid")

type Role string

const (
	RolePatient Role = "patient"
	RoleAdmin   Role = "admin"
)

// Caller is the authenticated principal behind a request. Engine operations
// take it as an explicit argument.
type Caller struct {
	PatientID uuid.UUID
	Name      string
	Email     string
	Phone     string
	Country   string
	Role      Role
}

func (c Caller) Validate() error {
	if c.PatientID == uuid.Nil {
		return ErrUnauthenticated
	}
	return nil
}

func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// FromHeaders builds a Caller from the headers set by the upstream auth gateway.
func FromHeaders(get func(string) string) (Caller, error) {
	id, err := uuid.Parse(strings.TrimSpace(get("X-Patient-ID")))
	if err != nil {
		return Caller{}, ErrUnauthenticated
	}

	role := Role(strings.ToLower(strings.TrimSpace(get("X-Role"))))
	if role == "" {
		role = RolePatient
	}

	return Caller{
		PatientID: id,
		Name:      strings.TrimSpace(get("X-Patient-Name")),
		Email:     strings.TrimSpace(get("X-Patient-Email")),
		Phone:     strings.TrimSpace(get("X-Patient-Phone")),
		Country:   strings.ToUpper(strings.TrimSpace(get("X-Patient-Country"))),
		Role:      role,
	}, nil
}
