package notion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type wireRun struct {
	PlainText string `json:"plain_text"`
	Text      *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
}

type wireOption struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type wireRef struct {
	ID string `json:"id"`
}

type wireFormula struct {
	Type   string   `json:"type"`
	String *string  `json:"string"`
	Number *float64 `json:"number"`
}

type wireRollup struct {
	Type   string         `json:"type"`
	Number *float64       `json:"number"`
	Array  []wireProperty `json:"array"`
}

type wireProperty struct {
	Type        string       `json:"type"`
	Title       []wireRun    `json:"title"`
	RichText    []wireRun    `json:"rich_text"`
	Number      *float64     `json:"number"`
	PhoneNumber *string      `json:"phone_number"`
	Formula     *wireFormula `json:"formula"`
	Rollup      *wireRollup  `json:"rollup"`
	Select      *wireOption  `json:"select"`
	Status      *wireOption  `json:"status"`
	Relation    []wireRef    `json:"relation"`
}

type wirePage struct {
	Object     string                  `json:"object"`
	ID         string                  `json:"id"`
	Properties map[string]wireProperty `json:"properties"`
}

type wireQueryResult struct {
	Results    []wirePage `json:"results"`
	HasMore    bool       `json:"has_more"`
	NextCursor *string    `json:"next_cursor"`
}

type wireGroup struct {
	Name      string   `json:"name"`
	OptionIDs []string `json:"option_ids"`
}

type wireFieldSchema struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Relation *struct {
		DatabaseID string `json:"database_id"`
	} `json:"relation"`
	Select *struct {
		Options []wireOption `json:"options"`
	} `json:"select"`
	Status *struct {
		Options []wireOption `json:"options"`
		Groups  []wireGroup  `json:"groups"`
	} `json:"status"`
}

type wireDatabase struct {
	ID    string          `json:"id"`
	Title []wireRun       `json:"title"`
	Props json.RawMessage `json:"properties"`
}

func runsFromWire(in []wireRun) []TextRun {
	out := make([]TextRun, 0, len(in))
	for _, run := range in {
		text := run.PlainText
		if text == "" && run.Text != nil {
			text = run.Text.Content
		}
		out = append(out, TextRun{PlainText: text})
	}
	return out
}

func runsToWire(in []TextRun) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, run := range in {
		out = append(out, map[string]any{
			"type": "text",
			"text": map[string]any{"content": run.PlainText},
		})
	}
	return out
}

func optionFromWire(in *wireOption) *Option {
	if in == nil || strings.TrimSpace(in.Name) == "" {
		return nil
	}
	return &Option{ID: in.ID, Name: in.Name}
}

func (p wireProperty) decode() Property {
	switch Kind(p.Type) {
	case KindPlainText:
		return PlainText{Runs: runsFromWire(p.Title)}
	case KindLongText:
		return LongText{Runs: runsFromWire(p.RichText)}
	case KindNumber:
		return Number{Value: p.Number}
	case KindPhone:
		return Phone{Value: p.PhoneNumber}
	case KindComputed:
		if p.Formula == nil {
			return Computed{}
		}
		return Computed{Type: p.Formula.Type, String: p.Formula.String, Number: p.Formula.Number}
	case KindAggregated:
		if p.Rollup == nil {
			return Aggregated{}
		}
		items := make([]Property, 0, len(p.Rollup.Array))
		for _, item := range p.Rollup.Array {
			items = append(items, item.decode())
		}
		return Aggregated{Items: items, Number: p.Rollup.Number}
	case KindSingleChoice:
		return SingleChoice{Option: optionFromWire(p.Select)}
	case KindWorkflowStatus:
		return WorkflowStatus{Option: optionFromWire(p.Status)}
	case KindRelation:
		ids := make([]string, 0, len(p.Relation))
		for _, ref := range p.Relation {
			ids = append(ids, ref.ID)
		}
		return Relation{IDs: ids}
	default:
		return Unsupported{Type: p.Type}
	}
}

func (p wirePage) decode() Record {
	props := make(map[string]Property, len(p.Properties))
	for name, prop := range p.Properties {
		props[name] = prop.decode()
	}
	return Record{ID: p.ID, Properties: props}
}

// DecodeRecord parses a single page object.
func DecodeRecord(data []byte) (Record, error) {
	var page wirePage
	if err := json.Unmarshal(data, &page); err != nil {
		return Record{}, fmt.Errorf("decode page: %w", err)
	}
	return page.decode(), nil
}

// DecodeQueryResult parses a database query response.
func DecodeQueryResult(data []byte) (QueryResult, error) {
	var wire wireQueryResult
	if err := json.Unmarshal(data, &wire); err != nil {
		return QueryResult{}, fmt.Errorf("decode query result: %w", err)
	}
	out := QueryResult{
		Records: make([]Record, 0, len(wire.Results)),
		HasMore: wire.HasMore,
	}
	for _, page := range wire.Results {
		out.Records = append(out.Records, page.decode())
	}
	if wire.NextCursor != nil {
		out.NextCursor = *wire.NextCursor
	}
	return out, nil
}

// DecodeSchema parses a database object. Fields keep the order in which the
// properties object declares them.
func DecodeSchema(data []byte) (Schema, error) {
	var db wireDatabase
	if err := json.Unmarshal(data, &db); err != nil {
		return Schema{}, fmt.Errorf("decode database: %w", err)
	}
	names, raw, err := orderedObject(db.Props)
	if err != nil {
		return Schema{}, fmt.Errorf("decode database properties: %w", err)
	}
	var title strings.Builder
	for _, run := range runsFromWire(db.Title) {
		title.WriteString(run.PlainText)
	}
	schema := Schema{ID: db.ID, Title: title.String(), Fields: make([]Field, 0, len(names))}
	for _, name := range names {
		var wf wireFieldSchema
		if err := json.Unmarshal(raw[name], &wf); err != nil {
			return Schema{}, fmt.Errorf("decode property %q: %w", name, err)
		}
		field := Field{ID: wf.ID, Name: name, Kind: knownKind(wf.Type)}
		switch {
		case wf.Relation != nil:
			field.RelationTarget = wf.Relation.DatabaseID
		case wf.Status != nil:
			for _, opt := range wf.Status.Options {
				field.Options = append(field.Options, Option{ID: opt.ID, Name: opt.Name})
			}
			for _, g := range wf.Status.Groups {
				field.Groups = append(field.Groups, StatusGroup{Name: g.Name, OptionIDs: g.OptionIDs})
			}
		case wf.Select != nil:
			for _, opt := range wf.Select.Options {
				field.Options = append(field.Options, Option{ID: opt.ID, Name: opt.Name})
			}
		}
		schema.Fields = append(schema.Fields, field)
	}
	return schema, nil
}

func knownKind(wireType string) Kind {
	switch k := Kind(wireType); k {
	case KindPlainText, KindLongText, KindNumber, KindPhone, KindComputed,
		KindAggregated, KindSingleChoice, KindWorkflowStatus, KindRelation:
		return k
	default:
		return KindUnsupported
	}
}

// orderedObject returns the keys of a JSON object in document order along with
// their raw values.
func orderedObject(data []byte) ([]string, map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, map[string]json.RawMessage{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("expected object, got %v", tok)
	}
	var names []string
	values := map[string]json.RawMessage{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key, got %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, nil, err
		}
		if _, seen := values[key]; !seen {
			names = append(names, key)
		}
		values[key] = value
	}
	return names, values, nil
}

// EncodeProperty renders a writable property in the store's update format.
// Computed, aggregated and unsupported values are read-only.
func EncodeProperty(p Property) (map[string]any, error) {
	switch v := p.(type) {
	case PlainText:
		return map[string]any{"title": runsToWire(v.Runs)}, nil
	case LongText:
		return map[string]any{"rich_text": runsToWire(v.Runs)}, nil
	case Number:
		return map[string]any{"number": v.Value}, nil
	case Phone:
		return map[string]any{"phone_number": v.Value}, nil
	case SingleChoice:
		if v.Option == nil {
			return map[string]any{"select": nil}, nil
		}
		return map[string]any{"select": map[string]any{"name": v.Option.Name}}, nil
	case WorkflowStatus:
		if v.Option == nil {
			return map[string]any{"status": nil}, nil
		}
		return map[string]any{"status": map[string]any{"name": v.Option.Name}}, nil
	case Relation:
		refs := make([]map[string]any, 0, len(v.IDs))
		for _, id := range v.IDs {
			refs = append(refs, map[string]any{"id": id})
		}
		return map[string]any{"relation": refs}, nil
	case nil:
		return nil, fmt.Errorf("%w: nil property", ErrInvalidInput)
	default:
		return nil, fmt.Errorf("%w: %s properties are read-only", ErrInvalidInput, p.Kind())
	}
}

// EncodeProperties renders an update payload's properties object.
func EncodeProperties(props map[string]Property) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for name, prop := range props {
		encoded, err := EncodeProperty(prop)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		out[name] = encoded
	}
	return out, nil
}

// MarshalJSON renders the filter as a store property filter.
func (f Filter) MarshalJSON() ([]byte, error) {
	if strings.TrimSpace(f.Property) == "" || f.Kind == KindUnsupported {
		return nil, fmt.Errorf("%w: filter needs a property and kind", ErrInvalidInput)
	}
	switch f.Operator {
	case FilterIsEmpty, FilterIsNotEmpty:
	default:
		return nil, fmt.Errorf("%w: unsupported filter operator %q", ErrInvalidInput, f.Operator)
	}
	return json.Marshal(map[string]any{
		"property":     f.Property,
		string(f.Kind): map[string]any{f.Operator: true},
	})
}
