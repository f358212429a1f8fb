package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// EnvGetter ...
type EnvGetter interface {
	Get(key string) string
}

// Secret is a string that never shows up in logs or printed configs.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// ErrNotStructPtr is returned when Parse is given something other than a struct pointer.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

var durationType = reflect.TypeOf(time.Duration(0))

// parse fills the exported fields of the struct pointed to by conf from the
// environment. Fields are tagged `env:"NAME[,size]"` with an optional
// `default:"value"` used when the variable is unset or empty. The size option
// reads byte counts such as 8MiB.
func parse(conf interface{}, envGetter EnvGetter) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr || c.Elem().Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	c = c.Elem()
	t := c.Type()

	var errs []error
	for i := 0; i < c.NumField(); i++ {
		field := t.Field(i)
		tag, ok := field.Tag.Lookup("env")
		if !ok || !field.IsExported() {
			continue
		}

		key, options, _ := strings.Cut(tag, ",")
		value := strings.TrimSpace(envGetter.Get(key))
		if value == "" {
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(c.Field(i), value, options); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func setField(field reflect.Value, value, options string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		var n int64
		var err error
		if options == "size" {
			n, err = units.RAMInBytes(value)
		} else {
			n, err = strconv.ParseInt(value, 10, 64)
		}
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported type %s", field.Type())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}
