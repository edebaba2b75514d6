package kmc

import (
	"bytes"
	"strconv"
)

// vendorValue decodes a KMC sample value. KMC reports missing readings with a
// quoted "NaN" sentinel; those decode to 0.0 rather than being dropped.
type vendorValue struct {
	value float64
}

func (v *vendorValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		v.value = 0
		return nil
	}
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(string(data))
		if err != nil {
			v.value = 0
			return nil
		}
		parsed, err := strconv.ParseFloat(unquoted, 64)
		if err != nil {
			v.value = 0
			return nil
		}
		v.value = parsed
		return nil
	}
	parsed, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		v.value = 0
		return nil
	}
	v.value = parsed
	return nil
}

func (v vendorValue) Float64() float64 {
	if v.value != v.value { // NaN
		return 0
	}
	return v.value
}
