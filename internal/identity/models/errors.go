package models

import dErrors "veriflow/pkg/domain-errors"

var (
	errInvalidDOB = dErrors.New(dErrors.CodeValidation, "date_of_birth must be YYYY-MM-DD")
	errFutureDOB  = dErrors.New(dErrors.CodeValidation, "date_of_birth cannot be in the future")
	errNoContact  = dErrors.New(dErrors.CodeValidation, "at least one of email or phone is required")
)
