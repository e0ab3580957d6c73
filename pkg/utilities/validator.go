package utilities

import (
	"errors"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator. Field names in messages use the json tag.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
		// bcrypt rejects passwords over 72 bytes; max counts runes
		_ = validate.RegisterValidation("maxbytes", maxBytes)
	})
	return validate
}

func maxBytes(fl validator.FieldLevel) bool {
	n, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return len(fl.Field().String()) <= n
}

// ValidateStruct runs struct tag validation and returns a readable message, or "" if valid.
func ValidateStruct(v any) string {
	if err := Validator().Struct(v); err != nil {
		return TranslateValidationError(err)
	}
	return ""
}

func TranslateValidationError(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	messages := make([]string, 0, len(ve))
	for _, fe := range ve {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			messages = append(messages, field+" is required")
		case "email":
			messages = append(messages, "invalid email format")
		case "min":
			messages = append(messages, field+" must be at least "+fe.Param()+" characters")
		case "max":
			messages = append(messages, field+" must be at most "+fe.Param()+" characters")
		case "maxbytes":
			messages = append(messages, field+" must be at most "+fe.Param()+" bytes")
		case "len":
			messages = append(messages, field+" must be exactly "+fe.Param()+" characters")
		case "numeric":
			messages = append(messages, field+" must contain only numbers")
		case "nefield":
			messages = append(messages, field+" must differ from "+fe.Param())
		default:
			messages = append(messages, field+" is invalid")
		}
	}
	return strings.Join(messages, ", ")
}
