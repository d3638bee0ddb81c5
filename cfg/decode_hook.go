package cfg

import (
	"reflect"
	"strconv"

	"github.com/mitchellh/mapstructure"
)

// Octal is an integer parsed from a base-8 string flag value (file mode
// bits), the way the teacher decodes its file-mode flag.
type Octal int

func hookFunc() mapstructure.DecodeHookFuncType {
	return func(f, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		switch t {
		case reflect.TypeOf(Octal(0)):
			v, err := strconv.ParseInt(s, 8, 32)
			return Octal(v), err
		case reflect.TypeOf(ResolvedPath("")):
			return ResolvedPath(s), nil
		default:
			return data, nil
		}
	}
}

// DecodeHook composes the Octal/ResolvedPath conversions above with
// mapstructure's built-in duration and comma-separated-slice hooks, the
// same composition the teacher's cfg.DecodeHook builds for viper.Unmarshal.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		hookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
