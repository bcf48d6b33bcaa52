package callcore

import (
	"flag"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ParseFlags parses arguments derived from and into the given into struct. Fields
// are described with a `flag:"name,default=value,usage=text"` tag. args[0] is
// expected to be the program name.
func ParseFlags(args []string, into interface{}) error {
	v := reflect.ValueOf(into)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return errors.Errorf("expected pointer to struct but got %T", into)
	}
	v = v.Elem()

	name := "command"
	if len(args) > 0 {
		name = args[0]
		args = args[1:]
	}
	flagSet := flag.NewFlagSet(name, flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	for i := 0; i < v.NumField(); i++ {
		field := v.Type().Field(i)
		tag, ok := field.Tag.Lookup("flag")
		if !ok {
			continue
		}
		info, err := parseFlagTag(tag)
		if err != nil {
			return errors.Wrapf(err, "error parsing flag tag for %q", field.Name)
		}
		if err := registerFlag(flagSet, v.Field(i), info); err != nil {
			return errors.Wrapf(err, "error registering flag %q", info.name)
		}
	}

	if err := flagSet.Parse(args); err != nil {
		return errors.Wrap(err, "error parsing flags")
	}
	return nil
}

type flagInfo struct {
	name   string
	defVal string
	usage  string
}

func parseFlagTag(tag string) (flagInfo, error) {
	parts := strings.Split(tag, ",")
	info := flagInfo{name: strings.TrimSpace(parts[0])}
	if info.name == "" {
		return flagInfo{}, errors.New("flag name cannot be empty")
	}
	for _, part := range parts[1:] {
		key, val, found := strings.Cut(part, "=")
		if !found {
			return flagInfo{}, errors.Errorf("malformed flag option %q", part)
		}
		switch key {
		case "default":
			info.defVal = val
		case "usage":
			info.usage = val
		default:
			return flagInfo{}, errors.Errorf("unknown flag option %q", key)
		}
	}
	return info, nil
}

func registerFlag(flagSet *flag.FlagSet, field reflect.Value, info flagInfo) error {
	switch ptr := field.Addr().Interface().(type) {
	case *string:
		flagSet.StringVar(ptr, info.name, info.defVal, info.usage)
	case *bool:
		var def bool
		if info.defVal != "" {
			parsed, err := strconv.ParseBool(info.defVal)
			if err != nil {
				return err
			}
			def = parsed
		}
		flagSet.BoolVar(ptr, info.name, def, info.usage)
	case *int:
		var def int
		if info.defVal != "" {
			parsed, err := strconv.Atoi(info.defVal)
			if err != nil {
				return err
			}
			def = parsed
		}
		flagSet.IntVar(ptr, info.name, def, info.usage)
	case *time.Duration:
		var def time.Duration
		if info.defVal != "" {
			parsed, err := time.ParseDuration(info.defVal)
			if err != nil {
				return err
			}
			def = parsed
		}
		flagSet.DurationVar(ptr, info.name, def, info.usage)
	case *[]string:
		if info.defVal != "" {
			return errors.New("defaults are not supported for list flags")
		}
		flagSet.Var((*stringSliceFlag)(ptr), info.name, info.usage)
	default:
		return fmt.Errorf("unsupported flag type %s", field.Type())
	}
	return nil
}

// stringSliceFlag accepts either repeated flags or a comma separated list.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*s = append(*s, v)
		}
	}
	return nil
}
