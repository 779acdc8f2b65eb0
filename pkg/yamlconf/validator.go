package yamlconf

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Validator applies `validate:"..."` struct tags to loaded configuration.
// Supported rules: required, duration, oneof=a b c, min=N, max=N.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates a configuration struct
func (v *Validator) ValidateConfig(config interface{}) error {
	configValue := reflect.ValueOf(config)
	if configValue.Kind() == reflect.Ptr {
		configValue = configValue.Elem()
	}

	if configValue.Kind() != reflect.Struct {
		return fmt.Errorf("config must be a struct")
	}

	return v.validateStruct(configValue)
}

func (v *Validator) validateStruct(structValue reflect.Value) error {
	structType := structValue.Type()

	for i := 0; i < structValue.NumField(); i++ {
		field := structValue.Field(i)
		fieldType := structType.Field(i)

		if !field.CanInterface() {
			continue
		}

		if tag := fieldType.Tag.Get("validate"); tag != "" {
			if err := v.validateField(field, fieldType, tag); err != nil {
				return fmt.Errorf("field %s: %w", fieldType.Name, err)
			}
		}

		switch field.Kind() {
		case reflect.Struct:
			if err := v.validateStruct(field); err != nil {
				return fmt.Errorf("nested field %s: %w", fieldType.Name, err)
			}
		case reflect.Slice:
			for j := 0; j < field.Len(); j++ {
				elem := field.Index(j)
				if elem.Kind() == reflect.Struct {
					if err := v.validateStruct(elem); err != nil {
						return fmt.Errorf("%s[%d]: %w", fieldType.Name, j, err)
					}
				}
			}
		}
	}

	return nil
}

func (v *Validator) validateField(field reflect.Value, fieldType reflect.StructField, tag string) error {
	for _, rule := range strings.Split(tag, ",") {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}

		parts := strings.SplitN(rule, "=", 2)
		ruleName := parts[0]
		ruleValue := ""
		if len(parts) > 1 {
			ruleValue = parts[1]
		}

		var err error
		switch ruleName {
		case "required":
			err = v.validateRequired(field, fieldType)
		case "duration":
			err = v.validateDuration(field, fieldType)
		case "oneof":
			err = v.validateOneOf(field, fieldType, ruleValue)
		case "min":
			err = v.validateMin(field, fieldType, ruleValue)
		case "max":
			err = v.validateMax(field, fieldType, ruleValue)
		default:
			err = fmt.Errorf("unknown validation rule: %s", ruleName)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (v *Validator) validateRequired(field reflect.Value, fieldType reflect.StructField) error {
	switch field.Kind() {
	case reflect.String:
		if field.String() == "" {
			return fmt.Errorf("required field %s cannot be empty", fieldType.Name)
		}
	case reflect.Int, reflect.Int64:
		if field.Int() == 0 {
			return fmt.Errorf("required field %s cannot be zero", fieldType.Name)
		}
	case reflect.Float64:
		if field.Float() == 0 {
			return fmt.Errorf("required field %s cannot be zero", fieldType.Name)
		}
	case reflect.Slice:
		if field.Len() == 0 {
			return fmt.Errorf("required field %s cannot be empty", fieldType.Name)
		}
	}
	return nil
}

func (v *Validator) validateDuration(field reflect.Value, fieldType reflect.StructField) error {
	if field.Kind() != reflect.String {
		return fmt.Errorf("duration field %s must be a string", fieldType.Name)
	}
	if field.String() == "" {
		return nil
	}
	if _, err := time.ParseDuration(field.String()); err != nil {
		return fmt.Errorf("invalid duration for field %s: %s", fieldType.Name, field.String())
	}
	return nil
}

func (v *Validator) validateOneOf(field reflect.Value, fieldType reflect.StructField, allowed string) error {
	if field.Kind() != reflect.String {
		return fmt.Errorf("oneof field %s must be a string", fieldType.Name)
	}
	value := field.String()
	if value == "" {
		return nil
	}
	for _, candidate := range strings.Fields(allowed) {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("field %s must be one of [%s], got %q", fieldType.Name, allowed, value)
}

func (v *Validator) validateMin(field reflect.Value, fieldType reflect.StructField, ruleValue string) error {
	minValue, err := strconv.ParseFloat(ruleValue, 64)
	if err != nil {
		return fmt.Errorf("invalid min rule on field %s: %s", fieldType.Name, ruleValue)
	}

	switch field.Kind() {
	case reflect.Int, reflect.Int64:
		if float64(field.Int()) < minValue {
			return fmt.Errorf("field %s must be >= %s", fieldType.Name, ruleValue)
		}
	case reflect.Float64:
		if field.Float() < minValue {
			return fmt.Errorf("field %s must be >= %s", fieldType.Name, ruleValue)
		}
	default:
		return fmt.Errorf("min rule does not apply to field %s", fieldType.Name)
	}
	return nil
}

func (v *Validator) validateMax(field reflect.Value, fieldType reflect.StructField, ruleValue string) error {
	maxValue, err := strconv.ParseFloat(ruleValue, 64)
	if err != nil {
		return fmt.Errorf("invalid max rule on field %s: %s", fieldType.Name, ruleValue)
	}

	switch field.Kind() {
	case reflect.Int, reflect.Int64:
		if float64(field.Int()) > maxValue {
			return fmt.Errorf("field %s must be <= %s", fieldType.Name, ruleValue)
		}
	case reflect.Float64:
		if field.Float() > maxValue {
			return fmt.Errorf("field %s must be <= %s", fieldType.Name, ruleValue)
		}
	default:
		return fmt.Errorf("max rule does not apply to field %s", fieldType.Name)
	}
	return nil
}
