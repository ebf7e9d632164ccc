package domain

import "encoding/json"

// Document is a single ActivityPub document: an activity or an object.
// Fields are dynamically typed the way they arrive on the wire - a property
// may be absent, a single string, an embedded object, or a list mixing both.
// The accessors below normalize that so callers never special-case it.
type Document map[string]any

// ParseDocument parses raw JSON into a Document.
func ParseDocument(raw []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// ID returns the document's id, or "" if absent.
func (d Document) ID() string {
	s, _ := d["id"].(string)
	return s
}

// Type returns the document's type. Multi-valued types collapse to the
// first entry.
func (d Document) Type() string {
	switch v := d["type"].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// refOf extracts an identity URI from a single property value: either the
// value itself (string) or its "id" (embedded object).
func refOf(v any) string {
	switch ref := v.(type) {
	case string:
		return ref
	case map[string]any:
		if id, ok := ref["id"].(string); ok {
			return id
		}
	case Document:
		return ref.ID()
	}
	return ""
}

// Refs returns all identity URIs under key, normalizing single values and
// lists, strings and embedded objects alike.
func (d Document) Refs(key string) []string {
	switch v := d[key].(type) {
	case nil:
		return nil
	case []any:
		var out []string
		for _, entry := range v {
			if ref := refOf(entry); ref != "" {
				out = append(out, ref)
			}
		}
		return out
	// Locally built documents address with []string; parsed ones never do.
	case []string:
		out := make([]string, 0, len(v))
		for _, ref := range v {
			if ref != "" {
				out = append(out, ref)
			}
		}
		return out
	default:
		if ref := refOf(v); ref != "" {
			return []string{ref}
		}
	}
	return nil
}

// FirstRef returns the first identity URI under key, or "".
func (d Document) FirstRef(key string) string {
	refs := d.Refs(key)
	if len(refs) == 0 {
		return ""
	}
	return refs[0]
}

// Actor returns the originating actor's URI.
func (d Document) Actor() string { return d.FirstRef("actor") }

// Embedded returns the first embedded object under key, or nil when the
// property is absent or holds only bare references.
func (d Document) Embedded(key string) Document {
	switch v := d[key].(type) {
	case map[string]any:
		return Document(v)
	case Document:
		return v
	case []any:
		for _, entry := range v {
			if m, ok := entry.(map[string]any); ok {
				return Document(m)
			}
		}
	}
	return nil
}

// Object returns the first embedded object of the "object" property.
func (d Document) Object() Document { return d.Embedded("object") }

// Recipients returns the public-visible audience: to + cc + audience.
// Blind fields are deliberately excluded; they are delivery-only.
func (d Document) Recipients() []string {
	var out []string
	for _, key := range []string{"to", "cc", "audience"} {
		out = append(out, d.Refs(key)...)
	}
	return out
}

// BlindRecipients returns the blind audience: bto + bcc.
func (d Document) BlindRecipients() []string {
	var out []string
	for _, key := range []string{"bto", "bcc"} {
		out = append(out, d.Refs(key)...)
	}
	return out
}

// Stripped returns a copy of the document without bto/bcc, suitable for the
// wire. Blind recipients must never appear in a delivered payload.
func (d Document) Stripped() Document {
	out := make(Document, len(d))
	for k, v := range d {
		if k == "bto" || k == "bcc" {
			continue
		}
		out[k] = v
	}
	return out
}

// Marshal serializes the document to JSON.
func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// PublicTokens are the addressing values meaning "visible to anyone".
// The full IRI is canonical; the two short forms appear in the wild.
var PublicTokens = []string{
	"https://www.w3.org/ns/activitystreams#Public",
	"as:Public",
	"Public",
}

// IsPublic reports whether uri is one of the recognized Public tokens.
func IsPublic(uri string) bool {
	for _, t := range PublicTokens {
		if uri == t {
			return true
		}
	}
	return false
}

// HasPublic reports whether any of uris is a Public token.
func HasPublic(uris []string) bool {
	for _, u := range uris {
		if IsPublic(u) {
			return true
		}
	}
	return false
}
