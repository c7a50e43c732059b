package querycore

import "fmt"

// Record is one JSON object within a database. Two reserved top-level keys
// carry metadata: "id" (unique within a database, assigned synthetically when
// absent) and "_database" (name of the source database).
type Record = map[string]interface{}

const (
	// FieldID is the reserved record identifier key
	FieldID = "id"
	// FieldDatabase is the reserved source-database key
	FieldDatabase = "_database"
	// FieldProperties holds platform-native typed cells
	FieldProperties = "properties"
)

// RecordID returns the record's id as a string, or "" when absent
func RecordID(rec Record) string {
	if v, ok := rec[FieldID]; ok && v != nil {
		return Stringify(v)
	}
	return ""
}

// normalizeRecord stamps metadata keys and flattens typed property cells.
// Records lacking an id get "{database}_{index}" deterministically by load
// order, so repeated loads of an unchanged file assign identical ids.
func normalizeRecord(rec Record, database string, index int) Record {
	if RecordID(rec) == "" {
		rec[FieldID] = fmt.Sprintf("%s_%d", database, index)
	}
	rec[FieldDatabase] = database

	if props, ok := rec[FieldProperties].(map[string]interface{}); ok {
		normalized := make(map[string]interface{}, len(props))
		for name, cell := range props {
			normalized[name] = normalizePropertyCell(cell)
		}
		rec[FieldProperties] = normalized
	}

	return rec
}

// normalizePropertyCell converts one platform-native typed cell to a single
// comparable value:
//
//	title/rich_text -> plain text
//	select          -> name string
//	multi_select    -> list of name strings
//	number          -> number
//	checkbox        -> bool
//	date            -> start field
//	people/relation -> list of ids
func normalizePropertyCell(cell interface{}) interface{} {
	m, ok := cell.(map[string]interface{})
	if !ok {
		return cell
	}

	if v, ok := m["title"]; ok {
		return richTextPlain(v)
	}
	if v, ok := m["rich_text"]; ok {
		return richTextPlain(v)
	}
	if v, ok := m["select"]; ok {
		if sel, ok := v.(map[string]interface{}); ok {
			return sel["name"]
		}
		return v
	}
	if v, ok := m["multi_select"]; ok {
		if items, ok := v.([]interface{}); ok {
			names := make([]interface{}, 0, len(items))
			for _, item := range items {
				if opt, ok := item.(map[string]interface{}); ok {
					names = append(names, opt["name"])
				}
			}
			return names
		}
		return v
	}
	if v, ok := m["number"]; ok {
		return v
	}
	if v, ok := m["checkbox"]; ok {
		return v
	}
	if v, ok := m["date"]; ok {
		if d, ok := v.(map[string]interface{}); ok {
			return d["start"]
		}
		return v
	}
	if v, ok := m["people"]; ok {
		return idList(v)
	}
	if v, ok := m["relation"]; ok {
		return idList(v)
	}

	return cell
}

// richTextPlain concatenates the plain_text runs of a title/rich_text cell
func richTextPlain(v interface{}) interface{} {
	runs, ok := v.([]interface{})
	if !ok {
		return v
	}
	text := ""
	for _, run := range runs {
		if r, ok := run.(map[string]interface{}); ok {
			if pt, ok := r["plain_text"].(string); ok {
				text += pt
			}
		}
	}
	return text
}

// idList extracts the id of each entry in a people/relation cell
func idList(v interface{}) interface{} {
	items, ok := v.([]interface{})
	if !ok {
		return v
	}
	ids := make([]interface{}, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			if id, ok := m["id"]; ok {
				ids = append(ids, id)
				continue
			}
		}
		ids = append(ids, item)
	}
	return ids
}

// cloneRecord makes a shallow copy so relationship resolution can attach
// nested records without mutating the loader's cached slice.
func cloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
