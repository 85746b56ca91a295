package reports

import (
	"bytes"
	"encoding/json"
	"strings"

	"adlake/internal/services/importer/domain"
)

type page struct {
	Data []map[string]any `json:"data"`
}

func decodePage(body []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var p page
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return p.Data, nil
}

// ParseInsights reads an insights page. Action style arrays
// ([{"action_type":"link_click","value":"3"}]) become one column per type
func ParseInsights(body []byte) ([]domain.Row, error) {
	data, err := decodePage(body)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Row, 0, len(data))
	for _, rec := range data {
		row := domain.Row{}
		for k, v := range rec {
			if list, ok := v.([]any); ok && isActionList(list) {
				for _, it := range list {
					m := it.(map[string]any)
					name, _ := m["action_type"].(string)
					row[k+"_"+sanitize(name)] = scalar(m["value"])
				}
				continue
			}
			row[k] = scalar(v)
		}
		out = append(out, row)
	}
	return out, nil
}

// ParseDimension reads a dimension listing page. Nested objects are kept as JSON text
func ParseDimension(body []byte) ([]domain.Row, error) {
	data, err := decodePage(body)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Row, 0, len(data))
	for _, rec := range data {
		row := domain.Row{}
		for k, v := range rec {
			row[k] = scalar(v)
		}
		out = append(out, row)
	}
	return out, nil
}

func isActionList(list []any) bool {
	if len(list) == 0 {
		return false
	}
	for _, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := m["action_type"].(string); !ok {
			return false
		}
	}
	return true
}

// scalar keeps strings and numbers as text, nested values as compact JSON
func scalar(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		return string(b)
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, s)
}
