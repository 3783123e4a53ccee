// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package config

import (
	"sort"

	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/spf13/cast"
)

// Values is an immutable snapshot of configuration settings. Keys are case
// insensitive. The zero value is an empty snapshot.
type Values struct {
	values map[string]interface{}
}

// Map returns the snapshot of the given settings, copied.
func Map(m map[string]interface{}) Values {
	values := make(map[string]interface{}, len(m))
	for k, v := range m {
		values[normalizeKey(k)] = v
	}
	return Values{values: values}
}

func (v Values) lookup(key string) (interface{}, bool) {
	value, found := v.values[normalizeKey(key)]
	return value, found
}

// Bool returns the boolean value of `key`. `found` is false when the key is
// not set, and an error is returned when the value cannot be converted.
func (v Values) Bool(key string) (value bool, found bool, err error) {
	raw, found := v.lookup(key)
	if !found {
		return false, false, nil
	}
	value, err = cast.ToBoolE(raw)
	if err != nil {
		return false, true, hkerrors.Wrapf(err, "config: key `%s`", key)
	}
	return value, true, nil
}

// Int returns the integer value of `key`.
func (v Values) Int(key string) (value int, found bool, err error) {
	raw, found := v.lookup(key)
	if !found {
		return 0, false, nil
	}
	value, err = cast.ToIntE(raw)
	if err != nil {
		return 0, true, hkerrors.Wrapf(err, "config: key `%s`", key)
	}
	return value, true, nil
}

// String returns the string value of `key`.
func (v Values) String(key string) (value string, found bool, err error) {
	raw, found := v.lookup(key)
	if !found {
		return "", false, nil
	}
	value, err = cast.ToStringE(raw)
	if err != nil {
		return "", true, hkerrors.Wrapf(err, "config: key `%s`", key)
	}
	return value, true, nil
}

// Keys returns the sorted list of keys of the snapshot.
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
