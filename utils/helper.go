package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// NewLocalId returns a client-generated identifier: unix-milli timestamp
// prefix for rough creation ordering, uuid suffix for uniqueness across
// devices. Stable for the lifetime of the record; never replaced by the
// server id.
func NewLocalId() string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), suffix)
}

// NewIdempotencyKey tags one pending operation. The backend de-duplicates
// on this key, so a retried delivery of the same queue entry is harmless.
func NewIdempotencyKey(entityType, localId, operationType string) string {
	return fmt.Sprintf("%s:%s:%s:%s", entityType, localId, operationType, strings.Split(uuid.NewString(), "-")[0])
}

func ProcessValidationErrors(err error) map[string]string {

	validationErrors := err.(validator.ValidationErrors)

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	var zero T
	if len(defaults) > 0 {
		return defaults[0]
	}
	return zero
}

func NilIfEmpty[T comparable](val T) *T {
	var zero T
	if val == zero {
		return nil
	}
	return &val
}
