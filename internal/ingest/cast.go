package ingest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/factoryedge/eventgen/internal/model"
)

// Cast converts a UTF-8 bus payload into the tag's declared scalar type.
// Booleans accept "true"/"1" and "false"/"0" case-insensitively.
func Cast(payload string, t model.TagType) (interface{}, error) {
	switch t {
	case model.TagInt:
		v, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cast %q as int: %w", payload, err)
		}
		return v, nil
	case model.TagFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
		if err != nil {
			return nil, fmt.Errorf("cast %q as float: %w", payload, err)
		}
		return v, nil
	case model.TagBool:
		switch strings.ToLower(strings.TrimSpace(payload)) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		default:
			return nil, fmt.Errorf("cast %q as bool", payload)
		}
	case model.TagString:
		return payload, nil
	default:
		return nil, fmt.Errorf("unknown tag type %q", t)
	}
}
