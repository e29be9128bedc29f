// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package canonicaljson

import (
	"strings"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty object", input: `{}`, want: `{}`},
		{name: "sorted keys", input: `{"one": 1, "two": "Two"}`, want: `{"one":1,"two":"Two"}`},
		{name: "reverse order", input: `{"b": "2", "a": "1"}`, want: `{"a":"1","b":"2"}`},
		{
			name:  "nested",
			input: `{"auth": {"success": true, "mxid": "@john.doe:example.com", "profile": {"display_name": "John Doe", "three_pids": [{"medium": "email", "address": "john.doe@example.org"}, {"medium": "msisdn", "address": "123456789"}]}}}`,
			want:  `{"auth":{"mxid":"@john.doe:example.com","profile":{"display_name":"John Doe","three_pids":[{"address":"john.doe@example.org","medium":"email"},{"address":"123456789","medium":"msisdn"}]},"success":true}}`,
		},
		{name: "unicode unescaped", input: `{"a": "日本語"}`, want: `{"a":"日本語"}`},
		{name: "unicode escape decoded", input: `{"a": "日"}`, want: `{"a":"日"}`},
		{name: "code point key order", input: `{"本": 2, "日": 1}`, want: `{"日":1,"本":2}`},
		{name: "integral exponent", input: `{"a": 1e3}`, want: `{"a":1000}`},
		{name: "zero fraction", input: `{"a": 2.0}`, want: `{"a":2}`},
		{name: "control char escaped", input: `{"a": "\u0001\n"}`, want: `{"a":"\u0001\n"}`},
		{name: "null", input: `{"a": null}`, want: `{"a":null}`},
		{name: "html not escaped", input: `{"a": "<&>"}`, want: `{"a":"<&>"}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Canonicalize([]byte(test.input))
			if err != nil {
				t.Fatalf("Canonicalize: %v", err)
			}
			if string(got) != test.want {
				t.Errorf("Canonicalize(%s) = %s, want %s", test.input, got, test.want)
			}
		})
	}
}

func TestRejectsFractions(t *testing.T) {
	if _, err := Canonicalize([]byte(`{"a": 1.5}`)); err == nil {
		t.Fatal("Canonicalize accepted a fractional number")
	}
}

func TestStrictRange(t *testing.T) {
	value, err := Parse([]byte(`{"a": 9007199254740992}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := Marshal(value); err != nil {
		t.Fatalf("Marshal (lenient): %v", err)
	}
	_, err = MarshalStrict(value)
	if err == nil || !strings.Contains(err.Error(), "safe range") {
		t.Fatalf("MarshalStrict error = %v, want safe range error", err)
	}
}

func TestParseRejectsNonObject(t *testing.T) {
	for _, input := range []string{`[]`, `"x"`, `null`, `{} {}`} {
		if _, err := Parse([]byte(input)); err == nil {
			t.Errorf("Parse(%s) succeeded, want error", input)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	original, err := Parse([]byte(`{"content": {"body": "hi"}, "list": [1]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cloned := Clone(original)
	cloned["content"].(map[string]any)["body"] = "changed"
	if original["content"].(map[string]any)["body"] != "hi" {
		t.Fatal("Clone shares nested maps with the original")
	}
}
