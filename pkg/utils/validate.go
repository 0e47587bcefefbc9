package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseArguments converts args (typically a decoded JSON object) into T.
func ParseArguments[T any](args any) (T, error) {
	var result T

	if arg, ok := args.(T); ok {
		return arg, nil
	}

	b, err := json.Marshal(args)
	if err != nil {
		return result, err
	}

	if err = json.Unmarshal(b, &result); err != nil {
		return result, fmt.Errorf("argument %v is not a valid %T", args, result)
	}

	return result, nil
}

// ValidateArguments is ParseArguments followed by struct validation.
func ValidateArguments[T any](args any) (T, error) {
	result, err := ParseArguments[T](args)
	if err != nil {
		return result, err
	}

	if err = validate.Struct(result); err != nil {
		return result, ValidationErrorToString(result, err)
	}

	return result, nil
}

func Validate[T any](value T) (T, error) {
	if err := validate.Struct(value); err != nil {
		return value, ValidationErrorToString(value, err)
	}

	return value, nil
}

func ValidateValue(value any, tag string) error {
	if err := validate.Var(value, tag); err != nil {
		return ValidationErrorToString(value, err)
	}
	return nil
}

func ValidationErrorToString(input any, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", fe.Namespace(), describeRule(fe)))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describeRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}
