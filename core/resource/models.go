package resource

import (
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-portal/core"
)

// Department

type Department struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Code        string     `json:"code,omitempty"`
	Description string     `json:"description,omitempty"`
	HeadID      string     `json:"headId,omitempty"`
	CreatedAt   *core.Date `json:"createdAt,omitempty"`
	UpdatedAt   *core.Date `json:"updatedAt,omitempty"`
}

type DepartmentForm struct {
	Name        string `json:"name,omitempty" validate:"required,notblank"`
	Code        string `json:"code,omitempty" validate:"omitempty,max=16,alphanum_"`
	Description string `json:"description,omitempty"`
	HeadID      string `json:"headId,omitempty"`
}

func (f *DepartmentForm) Validate(validate *validator.Validate) error {
	f.Name = core.CleanString(f.Name)
	f.Code = core.CleanString(f.Code)
	return validate.Struct(f)
}

// Event

type Event struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Location     string     `json:"location,omitempty"`
	Organizer    string     `json:"organizer,omitempty"`
	DepartmentID string     `json:"departmentId,omitempty"`
	StartDate    core.Date  `json:"startDate"`
	EndDate      core.Date  `json:"endDate"`
	CreatedAt    *core.Date `json:"createdAt,omitempty"`
}

type EventForm struct {
	Title        string    `json:"title,omitempty" validate:"required,notblank"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	Organizer    string    `json:"organizer,omitempty"`
	DepartmentID string    `json:"departmentId,omitempty"`
	StartDate    core.Date `json:"startDate" validate:"required"`
	EndDate      core.Date `json:"endDate" validate:"required"`
}

func (f *EventForm) Validate(validate *validator.Validate) error {
	f.Title = core.CleanString(f.Title)
	if err := validate.Struct(f); err != nil {
		return err
	}
	return checkPeriod(f.StartDate, f.EndDate, "endDate")
}

// Scholarship

type Scholarship struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Provider     string      `json:"provider,omitempty"`
	Requirements string      `json:"requirements,omitempty"`
	Amount       core.Number `json:"amount,omitempty"`
	DepartmentID string      `json:"departmentId,omitempty"`
	Deadline     core.Date   `json:"deadline"`
	CreatedAt    *core.Date  `json:"createdAt,omitempty"`
}

type ScholarshipForm struct {
	Title        string      `json:"title,omitempty" validate:"required,notblank"`
	Description  string      `json:"description,omitempty"`
	Provider     string      `json:"provider,omitempty"`
	Requirements string      `json:"requirements,omitempty"`
	Amount       core.Number `json:"amount,omitempty" validate:"gte=0"`
	DepartmentID string      `json:"departmentId,omitempty"`
	Deadline     core.Date   `json:"deadline" validate:"required"`
}

func (f *ScholarshipForm) Validate(validate *validator.Validate) error {
	f.Title = core.CleanString(f.Title)
	return validate.Struct(f)
}

// Notification

type Notification struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Content      string     `json:"content"`
	Type         string     `json:"type,omitempty"`
	IsImportant  core.Flag  `json:"isImportant,omitempty"`
	DepartmentID string     `json:"departmentId,omitempty"`
	StartDate    *core.Date `json:"startDate,omitempty"`
	EndDate      *core.Date `json:"endDate,omitempty"`
	CreatedBy    string     `json:"createdBy,omitempty"`
	CreatedAt    *core.Date `json:"createdAt,omitempty"`
}

var NotificationTypes = []string{"general", "scholarship", "event", "academic", "urgent"}

type NotificationForm struct {
	Title        string     `json:"title,omitempty" validate:"required,notblank"`
	Content      string     `json:"content,omitempty" validate:"required,notblank"`
	Type         string     `json:"type,omitempty" validate:"omitempty,oneof=general scholarship event academic urgent"`
	IsImportant  core.Flag  `json:"isImportant,omitempty"`
	DepartmentID string     `json:"departmentId,omitempty"`
	StartDate    *core.Date `json:"startDate,omitempty"`
	EndDate      *core.Date `json:"endDate,omitempty"`
}

func (f *NotificationForm) Validate(validate *validator.Validate) error {
	f.Title = core.CleanString(f.Title)
	f.Type = core.CleanString(f.Type, true /* lower */)
	if err := validate.Struct(f); err != nil {
		return err
	}
	if f.StartDate != nil && f.EndDate != nil {
		return checkPeriod(*f.StartDate, *f.EndDate, "endDate")
	}
	return nil
}

// Topic

type Topic struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Content      string     `json:"content,omitempty"`
	Type         string     `json:"type,omitempty"`
	DepartmentID string     `json:"departmentId,omitempty"`
	StartDate    *core.Date `json:"startDate,omitempty"`
	EndDate      *core.Date `json:"endDate,omitempty"`
	CreatedAt    *core.Date `json:"createdAt,omitempty"`
}

type TopicForm struct {
	Title        string     `json:"title,omitempty" validate:"required,notblank"`
	Content      string     `json:"content,omitempty"`
	Type         string     `json:"type,omitempty"`
	DepartmentID string     `json:"departmentId,omitempty"`
	StartDate    *core.Date `json:"startDate,omitempty"`
	EndDate      *core.Date `json:"endDate,omitempty"`
}

func (f *TopicForm) Validate(validate *validator.Validate) error {
	f.Title = core.CleanString(f.Title)
	if err := validate.Struct(f); err != nil {
		return err
	}
	if f.StartDate != nil && f.EndDate != nil {
		return checkPeriod(*f.StartDate, *f.EndDate, "endDate")
	}
	return nil
}

// DatasetItem is a question/answer pair of the AI assistant's training data.

type DatasetItem struct {
	ID           string     `json:"id"`
	Key          string     `json:"key"`
	Value        string     `json:"value"`
	Category     string     `json:"category,omitempty"`
	DepartmentID string     `json:"departmentId,omitempty"`
	CreatedAt    *core.Date `json:"createdAt,omitempty"`
}

type DatasetItemForm struct {
	Key          string `json:"key,omitempty" validate:"required,notblank"`
	Value        string `json:"value,omitempty" validate:"required,notblank"`
	Category     string `json:"category,omitempty"`
	DepartmentID string `json:"departmentId,omitempty"`
}

func (f *DatasetItemForm) Validate(validate *validator.Validate) error {
	f.Key = core.CleanString(f.Key)
	f.Category = core.CleanString(f.Category, true /* lower */)
	return validate.Struct(f)
}

// ActivityLog is read-only.
type ActivityLog struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId,omitempty"`
	UserName   string     `json:"userName,omitempty"`
	Action     string     `json:"action"`
	Resource   string     `json:"resource,omitempty"`
	ResourceID string     `json:"resourceId,omitempty"`
	Details    string     `json:"details,omitempty"`
	IP         string     `json:"ip,omitempty"`
	CreatedAt  *core.Date `json:"createdAt,omitempty"`
}

// NoForm is the form of read-only kinds; it never validates.
type NoForm struct{}

func (*NoForm) Validate(*validator.Validate) error { return ErrReadOnly }

func checkPeriod(start, end core.Date, field string) error {
	if !start.IsZero() && !end.IsZero() && end.Before(start.Time) {
		return core.NewValidationError(
			errInvalidPeriod,
			core.FieldError{Field: field, Error: errInvalidPeriod.Error()},
		)
	}
	return nil
}
