package sentinel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aegis-dq/aegis/internal/warehouse"
)

// CanonicalizeColumns returns a copy of the column list sorted by ordinal.
// Canonical ordering is what makes the snapshot hash deterministic under
// semantic equivalence.
func CanonicalizeColumns(columns []warehouse.Column) []warehouse.Column {
	canonical := make([]warehouse.Column, len(columns))
	copy(canonical, columns)

	sort.Slice(canonical, func(i, j int) bool {
		return canonical[i].Ordinal < canonical[j].Ordinal
	})

	return canonical
}

// HashColumns computes the SHA-256 snapshot hash over the canonical JSON
// serialization of a column list.
func HashColumns(columns []warehouse.Column) (string, error) {
	canonical := CanonicalizeColumns(columns)

	serialized, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to serialize columns: %w", err)
	}

	sum := sha256.Sum256(serialized)

	return hex.EncodeToString(sum[:]), nil
}

// MarshalColumns serializes the canonical column list for storage.
func MarshalColumns(columns []warehouse.Column) (json.RawMessage, error) {
	serialized, err := json.Marshal(CanonicalizeColumns(columns))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize columns: %w", err)
	}

	return serialized, nil
}

// UnmarshalColumns decodes a stored column list.
func UnmarshalColumns(raw json.RawMessage) ([]warehouse.Column, error) {
	var columns []warehouse.Column
	if err := json.Unmarshal(raw, &columns); err != nil {
		return nil, fmt.Errorf("failed to decode stored columns: %w", err)
	}

	return columns, nil
}
