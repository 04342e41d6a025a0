package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator checks `validate` struct tags. Supported rules: required,
// min=N and max=N (string length or number), oneof=a b c.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct, descending into embedded structs
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return fmt.Errorf("validate expects a struct, got nil")
		}
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	return v.validateStruct(val)
}

func (v *Validator) validateStruct(val reflect.Value) error {
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		if fieldType.Anonymous && field.Kind() == reflect.Struct {
			if err := v.validateStruct(field); err != nil {
				return err
			}
			continue
		}

		tag := fieldType.Tag.Get("validate")
		if tag == "" {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return fmt.Errorf("%s: %w", jsonName(fieldType), err)
		}
	}

	return nil
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	for _, rule := range strings.Split(tag, ",") {
		name, arg, _ := strings.Cut(rule, "=")

		switch name {
		case "required":
			if field.IsZero() || (field.Kind() == reflect.String && strings.TrimSpace(field.String()) == "") {
				return fmt.Errorf("field is required")
			}

		case "min", "max":
			limit, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("bad %s rule %q", name, arg)
			}
			size, ok := measure(field)
			if !ok {
				continue
			}
			if name == "min" && size < limit {
				return fmt.Errorf("minimum is %d", limit)
			}
			if name == "max" && size > limit {
				return fmt.Errorf("maximum is %d", limit)
			}

		case "oneof":
			if field.Kind() != reflect.String || field.String() == "" {
				continue
			}
			allowed := strings.Fields(arg)
			found := false
			for _, a := range allowed {
				if field.String() == a {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
			}
		}
	}

	return nil
}

func measure(field reflect.Value) (int, bool) {
	switch field.Kind() {
	case reflect.String:
		return len(field.String()), true
	case reflect.Slice, reflect.Map:
		return field.Len(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(field.Int()), true
	}
	return 0, false
}

func jsonName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			return name
		}
	}
	return f.Name
}
