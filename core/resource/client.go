package resource

import (
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-portal/core/mutation"
	"github.com/trezcool/masomo-portal/core/user"
)

// Client bundles the hooks of every resource kind.
type Client struct {
	Users         *Hooks[user.Profile, *user.NewUser, *user.UpdateUser]
	Departments   *Hooks[Department, *DepartmentForm, *DepartmentForm]
	Events        *Hooks[Event, *EventForm, *EventForm]
	Scholarships  *Hooks[Scholarship, *ScholarshipForm, *ScholarshipForm]
	Notifications *Hooks[Notification, *NotificationForm, *NotificationForm]
	Topics        *Hooks[Topic, *TopicForm, *TopicForm]
	Datasets      *Hooks[DatasetItem, *DatasetItemForm, *DatasetItemForm]
	ActivityLogs  *Hooks[ActivityLog, *NoForm, *NoForm]

	accessors map[Kind]Accessor
}

func NewClient(transport Transport, pipeline *mutation.Pipeline, validate *validator.Validate) *Client {
	c := &Client{
		Users: NewHooks[user.Profile, *user.NewUser, *user.UpdateUser](
			Users, transport, pipeline, validate, func(p user.Profile) string { return p.ID },
		),
		Departments: NewHooks[Department, *DepartmentForm, *DepartmentForm](
			Departments, transport, pipeline, validate, func(d Department) string { return d.ID },
		),
		Events: NewHooks[Event, *EventForm, *EventForm](
			Events, transport, pipeline, validate, func(e Event) string { return e.ID },
		),
		Scholarships: NewHooks[Scholarship, *ScholarshipForm, *ScholarshipForm](
			Scholarships, transport, pipeline, validate, func(s Scholarship) string { return s.ID },
		),
		Notifications: NewHooks[Notification, *NotificationForm, *NotificationForm](
			Notifications, transport, pipeline, validate, func(n Notification) string { return n.ID },
		),
		Topics: NewHooks[Topic, *TopicForm, *TopicForm](
			Topics, transport, pipeline, validate, func(t Topic) string { return t.ID },
		),
		Datasets: NewHooks[DatasetItem, *DatasetItemForm, *DatasetItemForm](
			Datasets, transport, pipeline, validate, func(d DatasetItem) string { return d.ID },
		),
		ActivityLogs: NewHooks[ActivityLog, *NoForm, *NoForm](
			ActivityLogs, transport, pipeline, validate, func(l ActivityLog) string { return l.ID },
		),
	}

	c.accessors = map[Kind]Accessor{
		Users: c.Users.Accessor(
			func() *user.NewUser { return new(user.NewUser) },
			func() *user.UpdateUser { return new(user.UpdateUser) },
		),
		Departments: c.Departments.Accessor(
			func() *DepartmentForm { return new(DepartmentForm) },
			func() *DepartmentForm { return new(DepartmentForm) },
		),
		Events: c.Events.Accessor(
			func() *EventForm { return new(EventForm) },
			func() *EventForm { return new(EventForm) },
		),
		Scholarships: c.Scholarships.Accessor(
			func() *ScholarshipForm { return new(ScholarshipForm) },
			func() *ScholarshipForm { return new(ScholarshipForm) },
		),
		Notifications: c.Notifications.Accessor(
			func() *NotificationForm { return new(NotificationForm) },
			func() *NotificationForm { return new(NotificationForm) },
		),
		Topics: c.Topics.Accessor(
			func() *TopicForm { return new(TopicForm) },
			func() *TopicForm { return new(TopicForm) },
		),
		Datasets: c.Datasets.Accessor(
			func() *DatasetItemForm { return new(DatasetItemForm) },
			func() *DatasetItemForm { return new(DatasetItemForm) },
		),
		ActivityLogs: c.ActivityLogs.Accessor(
			func() *NoForm { return new(NoForm) },
			func() *NoForm { return new(NoForm) },
		),
	}
	return c
}

// Lookup returns the untyped hooks of kind.
func (c *Client) Lookup(kind Kind) (Accessor, bool) {
	a, ok := c.accessors[kind]
	return a, ok
}
