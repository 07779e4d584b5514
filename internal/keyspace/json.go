package keyspace

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MarshalJSON encodes v in extended JSON: sentinels and types without a
// native JSON form become single-key "$" objects.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindMinKey:
		if v.missing {
			return []byte(`{"$undefined":true}`), nil
		}
		return []byte(`{"$minKey":1}`), nil
	case KindMaxKey:
		return []byte(`{"$maxKey":1}`), nil
	case KindNull:
		return []byte("null"), nil
	case KindNumber:
		if !v.isFloat {
			return []byte(strconv.FormatInt(v.i, 10)), nil
		}
		switch {
		case math.IsNaN(v.f):
			return []byte(`{"$numberDouble":"NaN"}`), nil
		case math.IsInf(v.f, 1):
			return []byte(`{"$numberDouble":"Infinity"}`), nil
		case math.IsInf(v.f, -1):
			return []byte(`{"$numberDouble":"-Infinity"}`), nil
		}
		s := strconv.FormatFloat(v.f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return []byte(s), nil
	case KindString:
		return json.Marshal(v.s)
	case KindBinary:
		return json.Marshal(map[string]string{"$binary": base64.StdEncoding.EncodeToString(v.b)})
	case KindBool:
		return []byte(strconv.FormatBool(v.Bool())), nil
	case KindTime:
		return json.Marshal(map[string]string{"$date": v.t.Format(time.RFC3339Nano)})
	}
	return nil, fmt.Errorf("cannot marshal value of kind %s", v.kind)
}

// UnmarshalJSON decodes the form produced by MarshalJSON. Integral JSON
// numbers decode to Int, all others to Float.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}

	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return fmt.Errorf("invalid value %q", data)
		}
		*v = Null()
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case '{':
		return v.unmarshalExtended(data)
	case '[':
		return fmt.Errorf("arrays are not valid shard key values")
	}

	s := string(data)
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			*v = Int(i)
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	*v = Float(f)
	return nil
}

func (v *Value) unmarshalExtended(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if len(obj) != 1 {
		return fmt.Errorf("embedded documents are not valid shard key values: %s", data)
	}
	for k, raw := range obj {
		switch k {
		case "$minKey":
			*v = MinKey()
		case "$maxKey":
			*v = MaxKey()
		case "$undefined":
			*v = Missing()
		case "$numberDouble":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			f, err := parseDouble(s)
			if err != nil {
				return err
			}
			*v = Float(f)
		case "$binary":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return fmt.Errorf("invalid $binary: %v", err)
			}
			*v = Binary(b)
		case "$date":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return err
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("invalid $date: %v", err)
			}
			*v = Time(t)
		default:
			return fmt.Errorf("embedded documents are not valid shard key values: %s", data)
		}
	}
	return nil
}

func parseDouble(s string) (float64, error) {
	switch s {
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, 64)
}

// MarshalJSON encodes a bound as a JSON array of values.
func (b Bound) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Value(b))
}
