package cache

import (
	"encoding/json"
	"unicode/utf16"
)

// Sizer lets a payload report its own size in bytes.
type Sizer interface {
	Size() int64
}

// fixedWidth is the accounted size of booleans and numbers.
const fixedWidth = 8

// SizeOf estimates the accounted size of a payload. Strings count two bytes
// per UTF-16 code unit, byte slices their length, and anything else the
// length of its JSON encoding.
func SizeOf(payload interface{}) int64 {
	switch v := payload.(type) {
	case nil:
		return 0
	case string:
		var units int64
		for _, r := range v {
			if n := utf16.RuneLen(r); n > 0 {
				units += int64(n)
			} else {
				units++
			}
		}
		return units * 2
	case []byte:
		return int64(len(v))
	case Sizer:
		if n := v.Size(); n > 0 {
			return n
		}
		return 0
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return fixedWidth
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return 0
		}
		return int64(len(data))
	}
}
