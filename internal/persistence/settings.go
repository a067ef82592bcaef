package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SettingKind is the discriminator stored next to every setting value.
type SettingKind string

const (
	SettingString SettingKind = "string"
	SettingInt    SettingKind = "int"
	SettingFloat  SettingKind = "float"
	SettingBool   SettingKind = "bool"
	SettingJSON   SettingKind = "json"
)

// Valid reports whether k is one of the five known kinds.
func (k SettingKind) Valid() bool {
	switch k {
	case SettingString, SettingInt, SettingFloat, SettingBool, SettingJSON:
		return true
	}
	return false
}

// SettingValue is a typed setting. Construct one with StringValue, IntValue,
// FloatValue, BoolValue or JSONValue; the zero value is an empty string.
type SettingValue struct {
	kind SettingKind
	s    string
	i    int64
	f    float64
	b    bool
	raw  json.RawMessage
}

func StringValue(v string) SettingValue { return SettingValue{kind: SettingString, s: v} }
func IntValue(v int64) SettingValue { return SettingValue{kind: SettingInt, i: v} }
func FloatValue(v float64) SettingValue { return SettingValue{kind: SettingFloat, f: v} }
func BoolValue(v bool) SettingValue { return SettingValue{kind: SettingBool, b: v} }

// JSONValue serializes v. Passing json.RawMessage or []byte stores the bytes
// as-is after checking they are well-formed.
func JSONValue(v any) (SettingValue, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return SettingValue{}, fmt.Errorf("encode json setting: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return SettingValue{}, errors.New("json setting is not well-formed")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return SettingValue{}, fmt.Errorf("compact json setting: %w", err)
	}
	return SettingValue{kind: SettingJSON, raw: compact.Bytes()}, nil
}

// ParseSettingValue decodes the stored text form of a setting of the given
// kind. Booleans accept "true", "1" and "yes" (any case) as true.
func ParseSettingValue(kind SettingKind, text string) (SettingValue, error) {
	switch kind {
	case SettingString, "":
		return StringValue(text), nil
	case SettingInt:
		i, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return SettingValue{}, fmt.Errorf("parse int setting %q: %w", text, err)
		}
		return IntValue(i), nil
	case SettingFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return SettingValue{}, fmt.Errorf("parse float setting %q: %w", text, err)
		}
		return FloatValue(f), nil
	case SettingBool:
		switch strings.ToLower(strings.TrimSpace(text)) {
		case "true", "1", "yes":
			return BoolValue(true), nil
		default:
			return BoolValue(false), nil
		}
	case SettingJSON:
		return JSONValue(json.RawMessage(text))
	default:
		return SettingValue{}, fmt.Errorf("unknown setting kind %q", kind)
	}
}

// Kind returns the value's discriminator.
func (v SettingValue) Kind() SettingKind {
	if v.kind == "" {
		return SettingString
	}
	return v.kind
}

// Text is the storage encoding of the value.
func (v SettingValue) Text() string {
	switch v.Kind() {
	case SettingInt:
		return strconv.FormatInt(v.i, 10)
	case SettingFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case SettingBool:
		return strconv.FormatBool(v.b)
	case SettingJSON:
		return string(v.raw)
	default:
		return v.s
	}
}

func (v SettingValue) String() string { return v.Text() }

// Int returns the integer payload and whether v is an int setting.
func (v SettingValue) Int() (int64, bool) { return v.i, v.Kind() == SettingInt }

// Float returns the float payload and whether v is a float setting. Int
// settings widen to float.
func (v SettingValue) Float() (float64, bool) {
	switch v.Kind() {
	case SettingFloat:
		return v.f, true
	case SettingInt:
		return float64(v.i), true
	}
	return 0, false
}

// Bool returns the boolean payload and whether v is a bool setting.
func (v SettingValue) Bool() (bool, bool) { return v.b, v.Kind() == SettingBool }

// JSON returns the raw document for json settings, nil otherwise.
func (v SettingValue) JSON() json.RawMessage {
	if v.Kind() != SettingJSON {
		return nil
	}
	return v.raw
}

// DecodeJSON unmarshals a json setting into dst.
func (v SettingValue) DecodeJSON(dst any) error {
	if v.Kind() != SettingJSON {
		return fmt.Errorf("setting is %s, not json", v.Kind())
	}
	return json.Unmarshal(v.raw, dst)
}

// Any returns the payload as a plain Go value: string, int64, float64, bool,
// or the decoded JSON document.
func (v SettingValue) Any() any {
	switch v.Kind() {
	case SettingInt:
		return v.i
	case SettingFloat:
		return v.f
	case SettingBool:
		return v.b
	case SettingJSON:
		var out any
		if err := json.Unmarshal(v.raw, &out); err != nil {
			return string(v.raw)
		}
		return out
	default:
		return v.s
	}
}

// MarshalJSON renders the payload, so settings print naturally in CLI output.
func (v SettingValue) MarshalJSON() ([]byte, error) {
	if v.Kind() == SettingJSON {
		return v.raw, nil
	}
	return json.Marshal(v.Any())
}

type settingSchema struct {
	schema *jsonschema.Schema
}

// RegisterSettingSchema attaches a JSON Schema to key. Later SetSetting
// calls for key must carry a json value that validates against it.
func (s *Store) RegisterSettingSchema(key string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return newError("register_setting_schema", KindInvalidArgument, fmt.Errorf("unmarshal schema JSON: %w", err))
	}
	url := "setting-" + key + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return newError("register_setting_schema", KindInvalidArgument, fmt.Errorf("add schema resource: %w", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return newError("register_setting_schema", KindInvalidArgument, fmt.Errorf("compile schema: %w", err))
	}
	s.schemaMu.Lock()
	s.schemas[key] = &settingSchema{schema: compiled}
	s.schemaMu.Unlock()
	return nil
}

func (s *Store) validateSetting(key string, v SettingValue) error {
	s.schemaMu.RLock()
	sch := s.schemas[key]
	s.schemaMu.RUnlock()
	if sch == nil {
		return nil
	}
	if v.Kind() != SettingJSON {
		return fmt.Errorf("setting %q requires a json value, got %s", key, v.Kind())
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(v.raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// SetSetting upserts key with value.
func (s *Store) SetSetting(ctx context.Context, key string, value SettingValue) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return s.fail(ctx, "set_setting", newError("set_setting", KindInvalidArgument, errors.New("key is required")))
	}
	if err := s.validateSetting(key, value); err != nil {
		return s.fail(ctx, "set_setting", newError("set_setting", KindInvalidArgument, err), "key", key)
	}
	_, err := s.exec(ctx, `
		INSERT INTO settings (key, value, type, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			type = excluded.type,
			updated_at = excluded.updated_at;
	`, key, value.Text(), string(value.Kind()), s.nowMillis())
	if err != nil {
		return s.fail(ctx, "set_setting", err, "key", key)
	}
	return nil
}

// GetSetting returns the value stored under key, or def when the key is
// absent. A stored value that no longer parses as its kind yields def and
// an error of kind KindDecode.
func (s *Store) GetSetting(ctx context.Context, key string, def SettingValue) (SettingValue, error) {
	var text, kind string
	err := s.db.QueryRowContext(ctx, `SELECT value, type FROM settings WHERE key = ?;`, key).Scan(&text, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, s.fail(ctx, "get_setting", err, "key", key)
	}
	v, err := ParseSettingValue(SettingKind(kind), text)
	if err != nil {
		return def, s.fail(ctx, "get_setting", newError("get_setting", KindDecode, err), "key", key)
	}
	return v, nil
}

// AllSettings returns every setting. Rows that fail to decode are returned
// as their raw text.
func (s *Store) AllSettings(ctx context.Context) (map[string]SettingValue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, type FROM settings ORDER BY key;`)
	if err != nil {
		return nil, s.fail(ctx, "all_settings", err)
	}
	defer rows.Close()

	out := make(map[string]SettingValue)
	for rows.Next() {
		var key, text, kind string
		if err := rows.Scan(&key, &text, &kind); err != nil {
			return nil, s.fail(ctx, "all_settings", err)
		}
		v, err := ParseSettingValue(SettingKind(kind), text)
		if err != nil {
			s.logger.Warn("setting decode failed; returning raw text", "key", key, "kind", kind, "error", err)
			v = StringValue(text)
		}
		out[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, "all_settings", err)
	}
	return out, nil
}
