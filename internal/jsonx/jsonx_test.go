package jsonx

import (
	"errors"
	"reflect"
	"testing"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		in   string
		key  string
		want string
	}{
		{"bare", `{"a":"1"}`, "a", "1"},
		{"fenced", "Here you go:\n```json\n{\"a\":\"2\"}\n```\nthanks", "a", "2"},
		{"prose", `Sure! {"a":"3"} hope that helps {not json}`, "a", "3"},
		{"nested braces", `plan: {"a":"4","b":{"c":1}} done`, "a", "4"},
		{"array", `steps: [{"a":"5"}]`, "0.a", "5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.in)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if v := got.Get(tt.key).String(); v != tt.want {
				t.Errorf("%s = %q, want %q", tt.key, v, tt.want)
			}
		})
	}

	if _, err := Extract("no json here"); !errors.Is(err, ErrNoJSON) {
		t.Errorf("Extract(no json) err = %v, want ErrNoJSON", err)
	}
}

func TestStrings(t *testing.T) {
	doc, err := Extract(`{"list":["x"," ","y"],"one":"z","num":3}`)
	if err != nil {
		t.Fatal(err)
	}
	if got := Strings(doc.Get("list")); !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Errorf("Strings(list) = %v", got)
	}
	if got := Strings(doc.Get("one")); !reflect.DeepEqual(got, []string{"z"}) {
		t.Errorf("Strings(one) = %v", got)
	}
	if got := Strings(doc.Get("num")); got != nil {
		t.Errorf("Strings(num) = %v, want nil", got)
	}
	if got := First(doc, "missing", "one").String(); got != "z" {
		t.Errorf("First = %q", got)
	}
}
