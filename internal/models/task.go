package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

var ErrInvalidTask = errors.New("invalid task")

var validate = validator.New(validator.WithRequiredStructEnabled())

type Task struct {
	ID          uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	Title       string `json:"title" gorm:"size:50;not null" validate:"required,max=50"`
	Email       string `json:"email" gorm:"size:50;not null" validate:"required,email,max=50"`
	Description string `json:"description" gorm:"not null;default:''"`
}

// TaskPatch carries a partial update. Nil fields keep their stored value.
type TaskPatch struct {
	Title       *string `json:"title"`
	Email       *string `json:"email"`
	Description *string `json:"description"`
}

func (p TaskPatch) Apply(task *Task) {
	if p.Title != nil {
		task.Title = *p.Title
	}
	if p.Email != nil {
		task.Email = *p.Email
	}
	if p.Description != nil {
		task.Description = *p.Description
	}
}

func (t *Task) Validate() error {
	err := validate.Struct(t)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidTask, strings.Join(problems, "; "))
}

// BeforeSave runs on every insert and update issued through gorm.
func (t *Task) BeforeSave(tx *gorm.DB) error {
	return t.Validate()
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "email":
		return field + " must be a valid email address"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
