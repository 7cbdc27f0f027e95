package backfill

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

type listFile struct {
	Channels []string `json:"channels"`
}

// LoadList merges inline channels with the optional JSON list file
// ({"channels": [...]}). Names are trimmed, "@" is dropped, and duplicates
// keep their first position. A missing file is not an error.
func LoadList(inline []string, path string) ([]string, error) {
	out := make([]string, 0, len(inline))
	seen := map[string]struct{}{}
	add := func(names []string) {
		for _, n := range names {
			n = strings.TrimPrefix(strings.TrimSpace(n), "@")
			if n == "" {
				continue
			}
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	add(inline)

	if strings.TrimSpace(path) == "" {
		return out, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("read backfill list: %w", err)
	}
	var lf listFile
	if err := json.Unmarshal(b, &lf); err != nil {
		return nil, fmt.Errorf("parse backfill list %s: %w", path, err)
	}
	add(lf.Channels)
	return out, nil
}
