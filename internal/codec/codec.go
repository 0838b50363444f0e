// Package codec encodes work items for transports that carry raw bytes.
package codec

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
)

// ContentType is the MIME type of encoded work items.
const ContentType = "application/json"

// Encode serializes a work item.
func Encode(item catalog.WorkItem) ([]byte, error) {
	if err := catalog.ValidateName(item.Name); err != nil {
		return nil, fmt.Errorf("encode work item: %w", err)
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode work item: %w", err)
	}
	return data, nil
}

// Decode parses and validates a work item.
func Decode(data []byte) (catalog.WorkItem, error) {
	var item catalog.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return catalog.WorkItem{}, fmt.Errorf("decode work item: %w", err)
	}
	if err := catalog.ValidateName(item.Name); err != nil {
		return catalog.WorkItem{}, fmt.Errorf("decode work item: %w", err)
	}
	return item, nil
}
