package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/example/biocard/internal/biometric"
)

var validate = validator.New()

// ValidationError describes one rejected request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type attemptRequest struct {
	CardID string          `json:"card_id" validate:"required"`
	Frame  biometric.Frame `json:"frame"`
}

type withdrawalRequest struct {
	VerificationID string          `json:"verification_id" validate:"required"`
	CardID         string          `json:"card_id" validate:"required"`
	UserID         string          `json:"user_id" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Location       string          `json:"location" validate:"max=120"`
}

type reviewRequest struct {
	Status string `json:"status" validate:"required,oneof=approved denied"`
}

type cardRequest struct {
	ID          string `json:"id" validate:"omitempty,max=64"`
	Number      string `json:"card_number" validate:"required,numeric,min=4,max=19"`
	Type        string `json:"card_type" validate:"required"`
	Expiry      string `json:"expiry_date" validate:"omitempty,max=7"`
	HolderEmail string `json:"holder_email" validate:"omitempty,email"`
}

type userRequest struct {
	ID         string   `json:"id" validate:"omitempty,max=64"`
	Name       string   `json:"name" validate:"required"`
	Email      string   `json:"email" validate:"required,email"`
	Phone      string   `json:"phone"`
	CardAccess []string `json:"card_access" validate:"dive,required"`
}

type accessRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// bindAndValidate decodes the JSON body into obj and runs struct validation.
// It writes the error response itself and reports whether handling may go on.
func bindAndValidate(c *gin.Context, obj any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)
	if err := c.ShouldBindJSON(obj); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return false
	}
	if details := validateRequest(obj); len(details) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request data", "details": details})
		return false
	}
	return true
}

func validateRequest(obj any) []ValidationError {
	err := validate.Struct(obj)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Message: err.Error(), Type: "invalid"}}
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Field:   fe.Namespace(),
			Message: errorMessage(fe),
			Type:    fe.Tag(),
		})
	}
	return out
}

func errorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Invalid email format"
	case "numeric":
		return "Value must contain digits only"
	case "min":
		return "Value is too short"
	case "max":
		return "Value is too long"
	case "gt":
		return "Value must be greater than " + fe.Param()
	case "gte":
		return "Value must be greater than or equal to " + fe.Param()
	case "oneof":
		return "Value must be one of: " + fe.Param()
	default:
		return "Invalid value"
	}
}
