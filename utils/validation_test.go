package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toggleRequest struct {
	Enabled  *bool  `json:"enabled" validate:"required"`
	Category string `json:"category" validate:"required,oneof=client server"`
	Note     string `json:"note,omitempty" validate:"max=8"`
}

func TestValidateStruct(t *testing.T) {
	on := true

	t.Run("valid struct", func(t *testing.T) {
		err := ValidateStruct(&toggleRequest{Enabled: &on, Category: "client"})
		assert.NoError(t, err)
	})

	t.Run("false is present", func(t *testing.T) {
		off := false
		err := ValidateStruct(&toggleRequest{Enabled: &off, Category: "server"})
		assert.NoError(t, err)
	})

	t.Run("missing pointer field uses json name", func(t *testing.T) {
		err := ValidateStruct(&toggleRequest{Category: "client"})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))

		fields := GetValidationFields(err)
		assert.Equal(t, "enabled is required", fields["enabled"])
	})

	t.Run("oneof and max", func(t *testing.T) {
		err := ValidateStruct(&toggleRequest{Enabled: &on, Category: "pubsub", Note: "far too long"})
		require.Error(t, err)

		fields := GetValidationFields(err)
		assert.Equal(t, "category must be one of: client server", fields["category"])
		assert.Equal(t, "note must be at most 8", fields["note"])
	})
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Message: "Validation failed"}
	assert.Equal(t, "Validation failed", err.Error())
}

func TestIsValidationError(t *testing.T) {
	assert.False(t, IsValidationError(assert.AnError))
	assert.True(t, IsValidationError(&ValidationError{}))
	assert.Nil(t, GetValidationFields(assert.AnError))
}

func TestValidateOneOf(t *testing.T) {
	allowed := []string{"client", "server"}
	assert.NoError(t, ValidateOneOf("client", "category", allowed))

	err := ValidateOneOf("pubsub", "category", allowed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "category must be one of")
}
