package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Editable field names accepted by Fields.Get and Fields.Set.
const (
	FieldName             = "name"
	FieldMediaType        = "media_type"
	FieldExtractedText    = "extracted_text"
	FieldProcessingStatus = "processing_status"

	// MetadataPrefix addresses one key of the free-form metadata map,
	// e.g. "metadata.owner".
	MetadataPrefix = "metadata."
)

// Restrictions carries optional access counters attached by the remote.
type Restrictions struct {
	MaxViews     int `json:"max_views,omitempty" yaml:"max_views,omitempty"`
	Views        int `json:"views,omitempty" yaml:"views,omitempty"`
	MaxDownloads int `json:"max_downloads,omitempty" yaml:"max_downloads,omitempty"`
	Downloads    int `json:"downloads,omitempty" yaml:"downloads,omitempty"`
}

// Fields holds the descriptive, remotely reconciled part of a document.
// This is also the shape of a remote snapshot.
type Fields struct {
	Name             string            `json:"name" yaml:"name"`
	MediaType        string            `json:"media_type,omitempty" yaml:"media_type,omitempty"`
	Size             int64             `json:"size" yaml:"size"`
	ExtractedText    string            `json:"extracted_text,omitempty" yaml:"extracted_text,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	ProcessingStatus string            `json:"processing_status,omitempty" yaml:"processing_status,omitempty"`
	Restrictions     *Restrictions     `json:"restrictions,omitempty" yaml:"restrictions,omitempty"`
}

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	out := f
	if f.Metadata != nil {
		out.Metadata = make(map[string]string, len(f.Metadata))
		for k, v := range f.Metadata {
			out.Metadata[k] = v
		}
	}
	if f.Restrictions != nil {
		r := *f.Restrictions
		out.Restrictions = &r
	}
	return out
}

// Get returns the current value of an editable field.
func (f *Fields) Get(field string) (string, error) {
	switch field {
	case FieldName:
		return f.Name, nil
	case FieldMediaType:
		return f.MediaType, nil
	case FieldExtractedText:
		return f.ExtractedText, nil
	case FieldProcessingStatus:
		return f.ProcessingStatus, nil
	}
	if key, ok := metadataKey(field); ok {
		return f.Metadata[key], nil
	}
	return "", fmt.Errorf("unknown field %q", field)
}

// Set assigns an editable field and returns the change log entry describing it.
// Setting a metadata key to the empty string removes the key.
func (f *Fields) Set(field, value string) (ChangeEntry, error) {
	old, err := f.Get(field)
	if err != nil {
		return ChangeEntry{}, err
	}

	switch field {
	case FieldName:
		if strings.TrimSpace(value) == "" {
			return ChangeEntry{}, fmt.Errorf("name cannot be empty")
		}
		f.Name = value
	case FieldMediaType:
		f.MediaType = value
	case FieldExtractedText:
		f.ExtractedText = value
	case FieldProcessingStatus:
		f.ProcessingStatus = value
	default:
		key, _ := metadataKey(field)
		if value == "" {
			delete(f.Metadata, key)
		} else {
			if f.Metadata == nil {
				f.Metadata = make(map[string]string)
			}
			f.Metadata[key] = value
		}
	}

	return ChangeEntry{
		Field:     field,
		OldValue:  old,
		NewValue:  value,
		ChangedAt: time.Now().UTC(),
	}, nil
}

// Apply sets every field in delta. Fields are applied in sorted order so the
// result does not depend on map iteration.
func (f *Fields) Apply(delta Delta) error {
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := f.Set(k, delta[k]); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the fields required before a document can be cached.
func (f *Fields) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if f.Size < 0 {
		return fmt.Errorf("size must not be negative (got %d)", f.Size)
	}
	return nil
}

func metadataKey(field string) (string, bool) {
	if !strings.HasPrefix(field, MetadataPrefix) {
		return "", false
	}
	key := strings.TrimPrefix(field, MetadataPrefix)
	return key, key != ""
}

// Delta is a set of field changes keyed by editable field name.
// It is the payload of an update queue item.
type Delta map[string]string

// ChangeEntry records one local field change since the last successful sync.
type ChangeEntry struct {
	Field     string    `json:"field" yaml:"field"`
	OldValue  string    `json:"old_value" yaml:"old_value"`
	NewValue  string    `json:"new_value" yaml:"new_value"`
	ChangedAt time.Time `json:"changed_at" yaml:"changed_at"`
}

// DeltaFromChanges folds a change log into the delta it represents.
// Later entries for the same field win.
func DeltaFromChanges(entries []ChangeEntry) Delta {
	delta := make(Delta, len(entries))
	for _, e := range entries {
		delta[e.Field] = e.NewValue
	}
	return delta
}

// Diff returns the delta that turns base into f. Only editable fields are
// compared; metadata keys missing from f are cleared.
func (f Fields) Diff(base Fields) Delta {
	d := Delta{}
	for _, name := range []string{FieldName, FieldMediaType, FieldExtractedText, FieldProcessingStatus} {
		want, _ := f.Get(name)
		have, _ := base.Get(name)
		if want != have {
			d[name] = want
		}
	}
	for k, v := range f.Metadata {
		if base.Metadata[k] != v {
			d[MetadataPrefix+k] = v
		}
	}
	for k := range base.Metadata {
		if _, ok := f.Metadata[k]; !ok {
			d[MetadataPrefix+k] = ""
		}
	}
	return d
}
