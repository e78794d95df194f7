package assurance

import (
	"fmt"
	"strings"
)

// CustomTokenPrefix marks tenant-defined values in the extensible string
// vocabularies (contract types, obligation types, claim types, account
// types).
const CustomTokenPrefix = "custom_"

// ValidateCustomToken checks the custom_ escape-hatch shape shared by the
// extensible vocabularies: the custom_ prefix followed by a non-empty
// suffix of a-z, 0-9 and underscore. Built-in values are matched by the
// calling vocabulary before falling through to this check.
func ValidateCustomToken(entity, field, raw string) error {
	suffix, ok := strings.CutPrefix(raw, CustomTokenPrefix)
	if !ok {
		return NewValidationError(entity, field, fmt.Sprintf("unknown %s %q", field, raw))
	}

	if suffix == "" {
		return NewValidationError(entity, field, "custom value requires a suffix after custom_")
	}

	for _, r := range suffix {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return NewValidationError(entity, field, fmt.Sprintf("custom value %q may only contain a-z, 0-9 and underscore", raw))
		}
	}

	return nil
}
