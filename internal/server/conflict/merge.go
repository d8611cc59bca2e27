package conflict

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/goccy/go-json"
)

// decodeObject decodes a JSON object keeping numbers verbatim. An empty
// input decodes to an empty object.
func decodeObject(b []byte) (map[string]any, error) {
	obj := map[string]any{}
	if len(bytes.TrimSpace(b)) == 0 {
		return obj, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object: %v", common.ErrInvalidChange, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: payload is null", common.ErrInvalidChange)
	}
	return obj, nil
}

// Fields returns the sorted top-level field names a change touches.
// A delete touches every field.
func Fields(op models.Operation, payload []byte) ([]string, error) {
	if op == models.OpDelete {
		return []string{models.AllFields}, nil
	}
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	if op == models.OpCreate {
		return []string{models.AllFields}, nil
	}
	fields := make([]string, 0, len(obj))
	for k := range obj {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields, nil
}

// Overlaps reports whether two field sets intersect. AllFields intersects
// any non-empty set.
func Overlaps(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, f := range a {
		if f == models.AllFields {
			return true
		}
		seen[f] = struct{}{}
	}
	for _, f := range b {
		if f == models.AllFields {
			return true
		}
		if _, ok := seen[f]; ok {
			return true
		}
	}
	return false
}

// ApplyPatch applies a top-level merge patch: keys in patch replace those in
// base and a null value removes the key.
func ApplyPatch(base, patch []byte) ([]byte, error) {
	dst, err := decodeObject(base)
	if err != nil {
		return nil, err
	}
	src, err := decodeObject(patch)
	if err != nil {
		return nil, err
	}
	for k, v := range src {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
	return json.Marshal(dst)
}

// Converged reports whether applying patch to server would leave it unchanged.
func Converged(server, patch []byte) bool {
	cur, err := decodeObject(server)
	if err != nil {
		return false
	}
	p, err := decodeObject(patch)
	if err != nil {
		return false
	}
	for k, v := range p {
		sv, present := cur[k]
		if v == nil {
			if present {
				return false
			}
			continue
		}
		if !present || !reflect.DeepEqual(sv, v) {
			return false
		}
	}
	return true
}

// ValidateObject checks that payload is a JSON object.
func ValidateObject(payload []byte) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("%w: payload required", common.ErrInvalidChange)
	}
	_, err := decodeObject(payload)
	return err
}
