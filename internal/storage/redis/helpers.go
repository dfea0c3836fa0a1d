package redis

import (
	"fmt"
	"strconv"
)

// parseRevision converts the stored rev field to a revision number. A
// missing field is revision 0.
func parseRevision(value any) (uint64, error) {
	if value == nil {
		return 0, nil
	}
	str, ok := value.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected rev type %T", value)
	}
	rev, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse rev: %w", err)
	}
	return rev, nil
}

// parseDocument converts the stored doc field to bytes.
func parseDocument(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	str, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected doc type %T", value)
	}
	return []byte(str), nil
}
