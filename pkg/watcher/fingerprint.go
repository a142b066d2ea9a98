package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Normalize trims and collapses internal whitespace runs to a single space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// IdentityKey returns the identity field used for an item, chosen by
// priority external_id > url > title.
func IdentityKey(it *Item) (key, value string) {
	if v := Normalize(it.ExternalID); v != "" {
		return "external_id", v
	}
	if v := Normalize(it.URL); v != "" {
		return "url", v
	}
	return "title", Normalize(it.Title)
}

// IdentityFP hashes the fields that make an item the same logical entity
// across runs.
func IdentityFP(it *Item) string {
	key, value := IdentityKey(it)
	return hashFields(map[string]string{
		"source":    string(it.Source),
		"course_id": Normalize(it.CourseID),
		"key":       key,
		"value":     value,
	})
}

// StateFP hashes the source-specific projection of mutable fields.
func StateFP(it *Item) string {
	return hashFields(StateProjection(it))
}

// StateProjection is the normalized set of fields StateFP covers.
func StateProjection(it *Item) map[string]string {
	fields := map[string]string{"source": string(it.Source)}
	if it.Details != nil {
		for k, v := range it.Details.StateFields() {
			fields[k] = v
		}
	}
	switch it.Source {
	case SourceAnnouncement, SourceTeachingContent:
		fields["title"] = it.Title
	}
	for k, v := range fields {
		fields[k] = Normalize(v)
	}
	return fields
}

// hashFields hashes the canonical JSON of fields. encoding/json sorts map keys,
// so equal maps always produce the same digest.
func hashFields(fields map[string]string) string {
	b, err := json.Marshal(fields)
	if err != nil {
		// map[string]string always marshals
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
