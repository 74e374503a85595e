// Package materialize turns CRDT state into the on-disk Markdown+YAML
// frontmatter representation committed by the compactor,
// and parses it back during rebuild. The frontmatter split/render logic is
// grounded on jra3-linear-fuse's internal/marshal package, generalized from
// an untyped map to Frontmatter's known-key struct plus an Extra map for
// round-tripping arbitrary keys.
package materialize

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

// Frontmatter is the recognized shape of a materialized entry's YAML
// header. Unknown keys round-trip
// through Extra rather than being dropped.
type Frontmatter struct {
	Title       string
	Description string
	PartOf      string
	Contents    []string
	Attachments []string
	Audience    []string
	Updated     time.Time
	Extra       map[string]any
}

// Render combines fm and body into one Markdown document.
func Render(fm Frontmatter, body string) ([]byte, error) {
	m := make(map[string]any, len(fm.Extra)+7)

	for k, v := range fm.Extra {
		m[k] = v
	}

	if fm.Title != "" {
		m["title"] = fm.Title
	}

	if fm.Description != "" {
		m["description"] = fm.Description
	}

	if fm.PartOf != "" {
		m["part_of"] = fm.PartOf
	}

	if len(fm.Contents) > 0 {
		m["contents"] = fm.Contents
	}

	if len(fm.Attachments) > 0 {
		m["attachments"] = fm.Attachments
	}

	if len(fm.Audience) > 0 {
		m["audience"] = fm.Audience
	}

	if !fm.Updated.IsZero() {
		m["updated"] = fm.Updated.UTC().Format(time.RFC3339)
	}

	var buf bytes.Buffer

	buf.WriteString(frontmatterDelimiter)
	buf.WriteString("\n")

	yamlBytes, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("materialize: marshaling frontmatter: %w", err)
	}

	buf.Write(yamlBytes)
	buf.WriteString(frontmatterDelimiter)
	buf.WriteString("\n\n")
	buf.WriteString(body)

	return buf.Bytes(), nil
}

// Parse splits content into its Frontmatter and body. A document with no
// leading delimiter is treated as having empty frontmatter.
func Parse(content []byte) (Frontmatter, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, frontmatterDelimiter) {
		return Frontmatter{Extra: map[string]any{}}, str, nil
	}

	rest := str[len(frontmatterDelimiter):]

	idx := strings.Index(rest, "\n"+frontmatterDelimiter)
	if idx == -1 {
		return Frontmatter{}, "", fmt.Errorf("materialize: unclosed frontmatter block")
	}

	rawYAML := rest[:idx]
	body := strings.TrimPrefix(rest[idx+len("\n"+frontmatterDelimiter):], "\n")
	body = strings.TrimPrefix(body, "\n") // the blank separator line Render writes

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(rawYAML), &raw); err != nil {
		return Frontmatter{}, "", fmt.Errorf("materialize: parsing frontmatter: %w", err)
	}

	fm := Frontmatter{Extra: map[string]any{}}

	for k, v := range raw {
		switch k {
		case "title":
			fm.Title, _ = v.(string)
		case "description":
			fm.Description, _ = v.(string)
		case "part_of":
			fm.PartOf, _ = toString(v)
		case "contents":
			fm.Contents = toStringSlice(v)
		case "attachments":
			fm.Attachments = toStringSlice(v)
		case "audience":
			fm.Audience = toStringSlice(v)
		case "updated":
			fm.Updated = parseUpdated(v)
		default:
			fm.Extra[k] = v
		}
	}

	return fm, body, nil
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func toStringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(list))

	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

// parseUpdated accepts either an RFC3339 string or a numeric epoch-millis
// value, returning the zero time if neither form applies.
func parseUpdated(v any) time.Time {
	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	case int:
		return time.UnixMilli(int64(t)).UTC()
	case int64:
		return time.UnixMilli(t).UTC()
	case float64:
		return time.UnixMilli(int64(t)).UTC()
	}

	return time.Time{}
}
