package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestCloneMatchesTemplate(t *testing.T) {
	err := Clone(ErrUnknownStudent, "unknown student S404")
	assert.True(t, errors.Is(err, ErrUnknownStudent))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "unknown student S404", err.Error())
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	err := FromError(fmt.Errorf("disk full"))
	assert.Equal(t, ErrInternal.Code, err.Code)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.Contains(t, err.Error(), "disk full")

	wrapped := fmt.Errorf("record: %w", Clone(ErrValidation, "bad status"))
	assert.Equal(t, ErrValidation.Code, FromError(wrapped).Code)
	assert.Nil(t, FromError(nil))
}

func TestValidationDetails(t *testing.T) {
	type item struct {
		ID string `validate:"required"`
	}
	type payload struct {
		Context string `validate:"required,max=4"`
		Items   []item `validate:"dive"`
	}
	err := validator.New().Struct(payload{Context: "homeroom", Items: []item{{}}})

	appErr := Validation(err)
	assert.Equal(t, ErrValidation.Code, appErr.Code)
	assert.Equal(t, http.StatusBadRequest, appErr.Status)
	assert.Equal(t, map[string]string{"Context": "max=4", "Items[0].ID": "required"}, appErr.Details)
	assert.True(t, errors.Is(appErr, ErrValidation))

	plain := Validation(fmt.Errorf("bad json"))
	assert.Nil(t, plain.Details)
	assert.Nil(t, Clone(appErr, "").Details)
}
