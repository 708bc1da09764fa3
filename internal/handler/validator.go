package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// Validator adapts validator/v10 to echo.Validator so handlers can call
// c.Validate on bound bodies.
type Validator struct {
	v *validator.Validate
}

var _ echo.Validator = (*Validator)(nil)

// NewValidator returns a Validator with the default tag set.
func NewValidator() *Validator { return &Validator{v: validator.New()} }

func (cv *Validator) Validate(i interface{}) error { return cv.v.Struct(i) }
