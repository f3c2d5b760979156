package models

import (
	"errors"

	"tradeengine/pkg/utils"
)

// ErrValidation - корень ошибок валидации ввода (сигнал, настройки)
var ErrValidation = errors.New("validation error")

// ValidationError - некорректный ввод. Не повторяется, в API -> 400.
type ValidationError struct {
	Errors utils.ValidationErrors
}

func (e *ValidationError) Error() string {
	return e.Errors.Error()
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError - ошибка одного поля
func NewValidationError(field, message string) *ValidationError {
	var errs utils.ValidationErrors
	errs.Add(field, message)
	return &ValidationError{Errors: errs}
}
