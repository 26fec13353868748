package entity

import (
	"fmt"
	"strings"
)

// TitleField is the payload key projected into IndexDocument.Title.
const TitleField = "title"

// IndexDocument is the search projection of an entity and the version it was derived from.
type IndexDocument struct {
	ID      string
	Title   string
	Text    string
	Fields  map[string]string
	Version int64
}

// Project derives the search document for e. Scalar payload values are
// flattened into Fields; Text joins every field but the title in key order.
func Project(e Entity) IndexDocument {
	doc := IndexDocument{
		ID:      e.ID,
		Title:   e.Payload.String(TitleField),
		Fields:  make(map[string]string, len(e.Payload)),
		Version: e.Version,
	}

	var text []string
	for _, k := range e.Payload.Keys() {
		v, ok := scalarText(e.Payload[k])
		if !ok {
			continue
		}
		doc.Fields[k] = v
		if k != TitleField && v != "" {
			text = append(text, v)
		}
	}
	doc.Text = strings.Join(text, "\n")
	return doc
}

func scalarText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool, float64, float32, int, int64, int32:
		return fmt.Sprint(t), true
	}
	return "", false
}
