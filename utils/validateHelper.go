package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/stocktake_backend/config"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs validator/v10 tags on a payload struct. The returned error
// is a ValidationError carrying the first offending field and tag.
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		if ves, ok := err.(validator.ValidationErrors); ok && len(ves) > 0 {
			return NewValidationError("field %s failed %s validation", ves[0].Field(), ves[0].Tag())
		}
		return NewValidationError("%s", err.Error())
	}
	return nil
}

// ProcessValidationErrors flattens validator errors into field -> tag for responses.
func ProcessValidationErrors(err error) map[string]string {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"error": err.Error()}
	}

	errorResponse := make(map[string]string)
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

// ResourceCountWhere counts rows of T matching cond. Store scoping is applied by
// the store guard plugin when ctx carries a store id.
func ResourceCountWhere[T any](ctx context.Context, cond string, args ...interface{}) (int64, error) {
	db := config.GetDB()
	var model T
	var count int64
	if err := db.WithContext(ctx).Model(&model).Where(cond, args...).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ValidateResourceId checks the row exists; returns ErrorRecordNotFound if not.
func ValidateResourceId[T any](ctx context.Context, id interface{}) error {
	count, err := ResourceCountWhere[T](ctx, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}
