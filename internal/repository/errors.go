package repository

import (
	er "github.com/customeros/popstack/internal/errors"
)

var (
	ErrAccountNotFound = er.ErrAccountNotFound
	ErrAccountExists   = er.ErrAccountExists
	ErrEmailNotFound   = er.ErrEmailNotFound
)
