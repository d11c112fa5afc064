package user

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-portal/core"
)

// Role is one of the closed set of portal roles.
type Role string

// Roles
const (
	RoleAdmin       Role = "admin"
	RoleCoordinator Role = "coordinator"
	RoleStudent     Role = "student"
)

var (
	AllRoles = []Role{RoleAdmin, RoleCoordinator, RoleStudent}

	rolePriorities = map[Role]int{
		RoleAdmin:       30,
		RoleCoordinator: 20,
		RoleStudent:     10,
	}

	Roles = []RoleInfo{
		{Name: "Student", Value: RoleStudent},
		{Name: "Coordinator", Value: RoleCoordinator},
		{Name: "Admin", Value: RoleAdmin},
	}
)

type RoleInfo struct {
	Name  string `json:"name"`
	Value Role   `json:"value"`
}

// ParseRole normalises a role as sent by the API ("ADMIN", "admin:", " Student ").
// The zero Role is returned for unknown values.
func ParseRole(s string) Role {
	r := Role(strings.TrimSuffix(core.CleanString(s, true /* lower */), ":"))
	if r.Valid() {
		return r
	}
	return ""
}

func (r Role) Valid() bool {
	_, ok := rolePriorities[r]
	return ok
}

func (r Role) Priority() int {
	return rolePriorities[r]
}

// LandingPath is the role's default authenticated page.
func (r Role) LandingPath() string {
	switch r {
	case RoleAdmin:
		return "/admin"
	case RoleCoordinator:
		return "/coordinator"
	default:
		return "/student"
	}
}

// In reports whether r is one of roles. An empty list allows every role.
func (r Role) In(roles ...Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, role := range roles {
		if role == r {
			return true
		}
	}
	return false
}

// Info is the raw user payload returned by the login endpoint.
type Info struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Role     Role   `json:"role,omitempty"`
}

// Profile is the structured profile of a user, as served by the profile endpoint and the users resource.
type Profile struct {
	ID           string     `json:"id,omitempty"`
	Name         string     `json:"name,omitempty"`
	Username     string     `json:"username,omitempty"`
	Email        string     `json:"email,omitempty"`
	Role         Role       `json:"role,omitempty"`
	Avatar       string     `json:"avatar,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	Gender       string     `json:"gender,omitempty"`
	StudentID    string     `json:"studentId,omitempty"`
	DepartmentID string     `json:"departmentId,omitempty"`
	Bio          string     `json:"bio,omitempty"`
	IsActive     *bool      `json:"isActive,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
}

func (p Profile) IsAdmin() bool       { return p.Role == RoleAdmin }
func (p Profile) IsCoordinator() bool { return p.Role == RoleCoordinator }
func (p Profile) IsStudent() bool     { return p.Role == RoleStudent }

// DisplayName returns the first non-empty of Name, Username or Email.
func (p Profile) DisplayName() string {
	switch {
	case p.Name != "":
		return p.Name
	case p.Username != "":
		return p.Username
	default:
		return p.Email
	}
}

// ProfileUpdate is a partial Profile: only non-nil fields are applied.
type ProfileUpdate struct {
	Name         *string `json:"name,omitempty"`
	Username     *string `json:"username,omitempty"`
	Email        *string `json:"email,omitempty" validate:"omitempty,email"`
	Avatar       *string `json:"avatar,omitempty"`
	Phone        *string `json:"phone,omitempty"`
	Gender       *string `json:"gender,omitempty"`
	StudentID    *string `json:"studentId,omitempty"`
	DepartmentID *string `json:"departmentId,omitempty"`
	Bio          *string `json:"bio,omitempty"`
}

func (pu ProfileUpdate) IsEmpty() bool {
	return pu == ProfileUpdate{}
}

func (pu ProfileUpdate) Validate(validate *validator.Validate) error {
	return validate.Struct(pu)
}

// Merge returns a copy of p with the set fields of pu applied.
func (p Profile) Merge(pu ProfileUpdate) Profile {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.Name, pu.Name)
	set(&p.Username, pu.Username)
	set(&p.Email, pu.Email)
	set(&p.Avatar, pu.Avatar)
	set(&p.Phone, pu.Phone)
	set(&p.Gender, pu.Gender)
	set(&p.StudentID, pu.StudentID)
	set(&p.DepartmentID, pu.DepartmentID)
	set(&p.Bio, pu.Bio)
	return p
}

// Credentials are posted to the login endpoint.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (c *Credentials) Validate(validate *validator.Validate) error {
	c.Email = core.CleanString(c.Email, true /* lower */)
	return validate.Struct(c)
}

// NewUser contains information needed to create a new user.
type NewUser struct {
	Name            string `json:"name" validate:"required,notblank"`
	Username        string `json:"username,omitempty" validate:"omitempty,min=3,alphanum_"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"passwordConfirm" validate:"required,eqfield=Password"`
	Role            Role   `json:"role" validate:"required,role"`
	StudentID       string `json:"studentId,omitempty"`
	DepartmentID    string `json:"departmentId,omitempty"`
}

func (nu *NewUser) Validate(validate *validator.Validate) error {
	nu.Name = core.CleanString(nu.Name)
	nu.Username = core.CleanString(nu.Username, true /* lower */)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
	nu.Role = ParseRole(string(nu.Role))
	return validate.Struct(nu)
}

// UpdateUser defines what information may be provided to modify an existing user.
type UpdateUser struct {
	Name            *string    `json:"name,omitempty" validate:"omitempty,notblank"`
	Username        *string    `json:"username,omitempty" validate:"omitempty,min=3,alphanum_"`
	Email           *string    `json:"email,omitempty" validate:"omitempty,email"`
	Role            *Role      `json:"role,omitempty" validate:"omitempty,role"`
	IsActive        *core.Flag `json:"isActive,omitempty"`
	StudentID       *string    `json:"studentId,omitempty"`
	DepartmentID    *string    `json:"departmentId,omitempty"`
	Password        string     `json:"password,omitempty"`
	PasswordConfirm string     `json:"passwordConfirm,omitempty" validate:"required_with=Password,eqfield=Password"`
}

func (uu *UpdateUser) Validate(validate *validator.Validate) error {
	if uu.Email != nil {
		email := core.CleanString(*uu.Email, true /* lower */)
		uu.Email = &email
	}
	if uu.Username != nil {
		uname := core.CleanString(*uu.Username, true /* lower */)
		uu.Username = &uname
	}
	if uu.Role != nil {
		if role := ParseRole(string(*uu.Role)); role != "" {
			uu.Role = &role
		}
	}
	return validate.Struct(uu)
}
