package story

import (
	"github.com/chambrid/storylink/pkg/client"
)

// CustomFieldFormPrefix prefixes the form key of each custom field
const CustomFieldFormPrefix = "custom-field-"

// NormalizedField is a custom field with its values indexed by id
type NormalizedField struct {
	client.CustomField
	ValuesByID map[client.CustomFieldValueID]client.CustomFieldValue
}

// FieldDisplay is one custom field assignment ready for display
type FieldDisplay struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// FormKey returns the form key of a custom field, e.g. "custom-field-severity"
func FormKey(name client.CanonicalName) string {
	return CustomFieldFormPrefix + string(name)
}

// NormalizeFields indexes fields and their values by id
func NormalizeFields(fields []client.CustomField) map[client.CustomFieldID]NormalizedField {
	out := make(map[client.CustomFieldID]NormalizedField, len(fields))
	for _, f := range fields {
		values := make(map[client.CustomFieldValueID]client.CustomFieldValue, len(f.Values))
		for _, v := range f.Values {
			values[v.ID] = v
		}
		out[f.ID] = NormalizedField{CustomField: f, ValuesByID: values}
	}
	return out
}

// ApplicableFields returns the enabled fields that apply to stories of type t
func ApplicableFields(t client.StoryType, fields []client.CustomField) []client.CustomField {
	out := make([]client.CustomField, 0, len(fields))
	for _, f := range fields {
		if f.Enabled && f.AppliesTo(t) {
			out = append(out, f)
		}
	}
	return out
}

// DisplayCustomFields maps a story's assignments to label/value pairs.
// Assignments to disabled, inapplicable or unknown fields and values are dropped.
func DisplayCustomFields(t client.StoryType, assigned []client.StoryCustomField, fields []client.CustomField) []FieldDisplay {
	byID := NormalizeFields(ApplicableFields(t, fields))

	out := make([]FieldDisplay, 0, len(assigned))
	for _, a := range assigned {
		f, ok := byID[a.FieldID]
		if !ok {
			continue
		}
		v, ok := f.ValuesByID[a.ValueID]
		if !ok {
			continue
		}
		out = append(out, FieldDisplay{Label: f.Name, Value: v.Value})
	}
	return out
}

// EncodeCustomFields builds the assignments to submit from form values keyed by
// FormKey. Fields that do not apply to t and values that are not part of the
// field are skipped.
func EncodeCustomFields(t client.StoryType, form map[string]string, fields []client.CustomField) []client.StoryCustomField {
	out := []client.StoryCustomField{}
	if len(form) == 0 {
		return out
	}

	byID := NormalizeFields(fields)
	for _, f := range ApplicableFields(t, fields) {
		valueID := client.CustomFieldValueID(form[FormKey(f.CanonicalName)])
		if valueID == "" {
			continue
		}
		v, ok := byID[f.ID].ValuesByID[valueID]
		if !ok {
			continue
		}
		out = append(out, client.StoryCustomField{FieldID: f.ID, ValueID: valueID, Value: v.Value})
	}
	return out
}

// CustomFieldFormValues is the inverse of EncodeCustomFields, used to prefill an edit form
func CustomFieldFormValues(assigned []client.StoryCustomField, fields []client.CustomField) map[string]string {
	byID := NormalizeFields(fields)
	out := make(map[string]string, len(assigned))
	for _, a := range assigned {
		if f, ok := byID[a.FieldID]; ok {
			out[FormKey(f.CanonicalName)] = string(a.ValueID)
		}
	}
	return out
}
