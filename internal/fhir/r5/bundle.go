package r5

import (
	"encoding/json"
	"time"
)

// Bundle types
const (
	BundleCollection = "collection"
)

// Bundle is a FHIR R5 Bundle of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource of a bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NewCollection creates an empty collection bundle.
func NewCollection(id string, ts time.Time) *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         BundleCollection,
		Timestamp:    &ts,
	}
}

// Add marshals resource and appends it under fullURL.
func (b *Bundle) Add(fullURL string, resource interface{}) error {
	raw, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	b.Entry = append(b.Entry, BundleEntry{FullURL: fullURL, Resource: raw})
	return nil
}

// ResourceTypes lists the resourceType of every entry, in order.
func (b *Bundle) ResourceTypes() []string {
	types := make([]string, 0, len(b.Entry))
	for _, e := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			types = append(types, "")
			continue
		}
		types = append(types, head.ResourceType)
	}
	return types
}

// FormatReference builds a relative reference like "MedicationRequest/123".
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
