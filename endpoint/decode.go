package endpoint

import (
	"encoding"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit caps any single decoded value unless the field sets its
// own maxLength.
var defaultFieldLimit = 4 * 1024

// sources in precedence order: a value found in an earlier source wins.
var sources = []string{"path", "query", "header", "cookie"}

// Unmarshal populates dst (a non-nil pointer to a struct) from the request.
//
// Supported struct tags:
//   - `path:"name"`   r.PathValue(name)
//   - `query:"name"`  r.URL.Query()
//   - `header:"name"` r.Header
//   - `cookie:"name"` r.Cookie(name)
//   - `maxLength:"n"` maximum byte length of the value; 0 or "" for no limit.
//     Defaults to 4KB. Longer values are a 400 Bad Request.
//
// An empty name defaults to the lowercased field name. Fields without a
// source tag, or tagged "-", are left untouched, as are fields whose value is
// absent from the request.
//
// Supported field types are string, bool, integers, encoding.TextUnmarshaler,
// pointers to those, and []string for repeated values.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct (or pointer to struct)"))
	}

	t := root.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return err
		}
		for _, src := range sources {
			name, ok := tagName(sf, src)
			if !ok {
				continue
			}
			values := fetch(r, src, name)
			if len(values) == 0 {
				continue
			}
			for _, val := range values {
				if limit > 0 && len(val) > limit {
					return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q: value exceeds max length %d", src, name, limit))
				}
			}
			if err := setField(root.Field(i), values); err != nil {
				var ee *EndpointError
				if errors.As(err, &ee) {
					return err
				}
				return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", src, name, sf.Name, err))
			}
			break
		}
	}
	return nil
}

func tagName(sf reflect.StructField, src string) (string, bool) {
	val, ok := sf.Tag.Lookup(src)
	if !ok {
		return "", false
	}
	name := strings.TrimSpace(strings.Split(val, ",")[0])
	if name == "-" {
		return "", false
	}
	if name == "" {
		name = strings.ToLower(sf.Name)
	}
	return name, true
}

func fetch(r *http.Request, src, name string) []string {
	switch src {
	case "path":
		if v := r.PathValue(name); v != "" {
			return []string{v}
		}
	case "query":
		if r.URL != nil {
			return r.URL.Query()[name]
		}
	case "header":
		return r.Header[http.CanonicalHeaderKey(name)]
	case "cookie":
		var out []string
		for _, c := range r.Cookies() {
			if c.Name == name {
				out = append(out, c.Value)
			}
		}
		return out
	}
	return nil
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	val, has := sf.Tag.Lookup("maxLength")
	if !has {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: %s: invalid maxLength %q", sf.Name, val))
	}
	return n, nil
}

func setField(v reflect.Value, values []string) error {
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.String {
		v.Set(reflect.ValueOf(append([]string(nil), values...)).Convert(v.Type()))
		return nil
	}
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	return setScalar(v, values[0])
}

func setScalar(v reflect.Value, s string) error {
	if v.CanAddr() {
		if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText([]byte(s))
		}
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	default:
		return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: unsupported kind %s", v.Kind()))
	}
	return nil
}
