package merge

import (
	"fmt"
	"log/slog"
	"os"
)

// Driver implements the git merge driver interface: merge(basePath,
// oursPath, theirsPath) writes the merged result to oursPath. Git invokes
// this for `%O %A %B` on files matching a `merge=jsonl-entities`
// attribute.
type Driver struct {
	Logger *slog.Logger
}

// NewDriver creates a Driver.
func NewDriver(logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{Logger: logger}
}

// Merge reads the three full file revisions git hands the driver, performs
// the per-uuid three-way merge, and overwrites oursPath with the sorted
// result. It returns an error (driver exit 1) only when an input cannot be
// read at all or the merged result cannot be serialized or written; the
// field-merge algorithm is otherwise always able to resolve a
// deterministic winner.
func (d *Driver) Merge(basePath, oursPath, theirsPath string) ([]ConflictRecord, error) {
	baseData, err := readOptional(basePath)
	if err != nil {
		return nil, fmt.Errorf("reading base: %w", err)
	}
	oursData, err := os.ReadFile(oursPath)
	if err != nil {
		return nil, fmt.Errorf("reading ours: %w", err)
	}
	theirsData, err := os.ReadFile(theirsPath)
	if err != nil {
		return nil, fmt.Errorf("reading theirs: %w", err)
	}

	base := ParseJSONL(baseData, d.Logger)
	ours := ParseJSONL(oursData, d.Logger)
	theirs := ParseJSONL(theirsData, d.Logger)

	merged, conflicts := MergeEntities(base, ours, theirs)

	out, err := WriteJSONL(merged)
	if err != nil {
		return conflicts, fmt.Errorf("serializing merged entities: %w", err)
	}
	if err := os.WriteFile(oursPath, out, 0o600); err != nil {
		return conflicts, fmt.Errorf("writing merged result: %w", err)
	}
	return conflicts, nil
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}
