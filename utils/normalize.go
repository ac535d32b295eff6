package utils

import (
	"reflect"
	"strings"
)

// NormalizeDTO trims the string fields of a create DTO in place.
func NormalizeDTO(dto any) {
	s, ok := structOf(dto)
	if !ok {
		return
	}
	for i := 0; i < s.NumField(); i++ {
		trim(s.Field(i))
	}
}

// NormalizePtrDTO trims the *string fields of a patch DTO. Nil pointers are
// left nil.
func NormalizePtrDTO(dto any) {
	s, ok := structOf(dto)
	if !ok {
		return
	}
	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if f.Kind() == reflect.Ptr && !f.IsNil() {
			trim(f.Elem())
		}
	}
}

func trim(f reflect.Value) {
	if f.Kind() == reflect.String && f.CanSet() {
		f.SetString(strings.TrimSpace(f.String()))
	}
}
