package config

import (
	"fmt"

	"github.com/docforge/rescache/pkg/utils"
)

// ByteSize is a byte count that may be written in YAML either as an integer
// or as a human-readable string ("50MB", "512K").
type ByteSize int64

// Int64 returns the size in bytes.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String returns the size in human-readable form.
func (b ByteSize) String() string {
	return utils.FormatBytes(int64(b))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("byte size must be an integer or a string: %w", err)
	}
	n, err := utils.ParseBytes(s)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler; sizes are written as plain integers.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return int64(b), nil
}
