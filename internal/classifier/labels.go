package classifier

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Labels maps output index to class name.
type Labels []string

// ParseLabels decodes a JSON array of strings.
func ParseLabels(data []byte) (Labels, error) {
	var l Labels
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, errors.Wrap(err, "decode labels")
	}
	if len(l) == 0 {
		return nil, errors.New("label table is empty")
	}
	return l, nil
}

// Lookup returns the label for index i.
func (l Labels) Lookup(i int) (string, bool) {
	if i < 0 || i >= len(l) {
		return "", false
	}
	return l[i], true
}
