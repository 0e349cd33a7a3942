// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// The types in this file decode leniently. Upstream services disagree on
// field types, so a mismatched field decodes to its zero value instead of
// failing the whole payload.

var jsonNull = []byte("null")

func isNull(b []byte) bool {
	return bytes.Equal(bytes.TrimSpace(b), jsonNull)
}

// opt holds an optional nested object. A value that does not decode as T is dropped.
type opt[T any] struct {
	v *T
}

func (o *opt[T]) UnmarshalJSON(b []byte) error {
	o.v = nil
	if isNull(b) {
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	o.v = &v
	return nil
}

func (o opt[T]) get() *T {
	return o.v
}

// number accepts JSON numbers and numeric strings
type number struct {
	val float64
	set bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	*n = number{}
	if isNull(b) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*n = number{val: f, set: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			*n = number{val: f, set: true}
		}
	}
	return nil
}

func (n number) ptr() *float64 {
	if !n.set {
		return nil
	}
	v := n.val
	return &v
}

func (n number) intPtr() *int {
	if !n.set {
		return nil
	}
	v := int(n.val)
	return &v
}

// text accepts strings, numbers and booleans
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	*t = ""
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = text(strings.TrimSpace(s))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*t = text(formatNumber(f))
		return nil
	}
	var flag bool
	if err := json.Unmarshal(b, &flag); err == nil {
		*t = text(strconv.FormatBool(flag))
	}
	return nil
}

func (t text) String() string {
	return string(t)
}

// itemKeys are the fields that carry the display text of a list item object,
// in lookup order.
var itemKeys = []string{"message", "text", "title", "strategy", "recommendation", "action", "name", "citation", "summary"}

// groupKeys are the grouped recommendation lists some services return
// instead of a flat array, in display order.
var groupKeys = []string{"immediate_actions", "lifestyle_changes", "better_alternatives", "shopping_tips", "meal_planning"}

// textList accepts a string, an array of strings or item objects, or an
// object of grouped lists.
type textList []string

func (l *textList) UnmarshalJSON(b []byte) error {
	*l = nil
	if isNull(b) {
		return nil
	}

	var single text
	if err := json.Unmarshal(b, &single); err == nil && single != "" {
		*l = textList{single.String()}
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err == nil {
		for _, raw := range items {
			if s := itemText(raw); s != "" {
				*l = append(*l, s)
			}
		}
		return nil
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(b, &object); err != nil {
		return nil
	}
	if s := objectText(object); s != "" {
		*l = textList{s}
		return nil
	}
	for _, key := range groupKeys {
		raw, ok := object[key]
		if !ok {
			continue
		}
		var group textList
		_ = group.UnmarshalJSON(raw)
		*l = append(*l, group...)
	}
	return nil
}

func itemText(raw json.RawMessage) string {
	var s text
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s.String()
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return ""
	}
	return objectText(object)
}

func objectText(object map[string]json.RawMessage) string {
	for _, key := range itemKeys {
		raw, ok := object[key]
		if !ok {
			continue
		}
		var s text
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s.String()
		}
	}
	return ""
}

// factMap keeps the numeric entries of an object
type factMap map[string]float64

func (m *factMap) UnmarshalJSON(b []byte) error {
	*m = nil
	var object map[string]json.RawMessage
	if err := json.Unmarshal(b, &object); err != nil {
		return nil
	}
	for key, raw := range object {
		var n number
		_ = n.UnmarshalJSON(raw)
		if !n.set {
			continue
		}
		if *m == nil {
			*m = make(factMap)
		}
		(*m)[key] = n.val
	}
	return nil
}

// compactObject returns raw compacted when it is a non-empty JSON object or array
func compactObject(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || isNull(trimmed) {
		return nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil
	}
	if buf.String() == "{}" || buf.String() == "[]" {
		return nil
	}
	return json.RawMessage(buf.Bytes())
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
