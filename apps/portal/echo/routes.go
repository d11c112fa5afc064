package echoportal

import (
	"github.com/trezcool/masomo-portal/core/resource"
	"github.com/trezcool/masomo-portal/core/user"
)

type access struct {
	kinds    []resource.Kind
	writable map[resource.Kind]bool
}

// routeTable maps every role to the resources its dashboard exposes.
var routeTable = map[user.Role]access{
	user.RoleAdmin: {
		kinds: resource.Kinds,
		writable: map[resource.Kind]bool{
			resource.Users:         true,
			resource.Departments:   true,
			resource.Events:        true,
			resource.Scholarships:  true,
			resource.Notifications: true,
			resource.Topics:        true,
			resource.Datasets:      true,
		},
	},
	user.RoleCoordinator: {
		kinds: []resource.Kind{
			resource.Departments, resource.Events, resource.Scholarships,
			resource.Notifications, resource.Topics, resource.Datasets,
		},
		writable: map[resource.Kind]bool{
			resource.Events:        true,
			resource.Scholarships:  true,
			resource.Notifications: true,
			resource.Topics:        true,
			resource.Datasets:      true,
		},
	},
	user.RoleStudent: {
		kinds: []resource.Kind{resource.Events, resource.Scholarships, resource.Notifications, resource.Topics},
	},
}

func (a access) allows(kind resource.Kind) bool {
	for _, k := range a.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (a access) canWrite(kind resource.Kind) bool {
	return a.writable[kind] && !kind.ReadOnly()
}

// roleFromPath returns the role owning a dashboard prefix ("admin", "coordinator", "student").
func roleFromPath(segment string) (user.Role, bool) {
	r := user.Role(segment)
	if _, ok := routeTable[r]; ok {
		return r, true
	}
	return "", false
}

// formFields are the inputs of the create form of every writable kind.
var formFields = map[resource.Kind][]string{
	resource.Users:         {"name", "username", "email", "role", "password", "passwordConfirm", "studentId", "departmentId"},
	resource.Departments:   {"name", "code", "description", "headId"},
	resource.Events:        {"title", "description", "location", "organizer", "departmentId", "startDate", "endDate"},
	resource.Scholarships:  {"title", "description", "provider", "requirements", "amount", "departmentId", "deadline"},
	resource.Notifications: {"title", "content", "type", "isImportant", "departmentId", "startDate", "endDate"},
	resource.Topics:        {"title", "content", "type", "departmentId", "startDate", "endDate"},
	resource.Datasets:      {"key", "value", "category", "departmentId"},
}
