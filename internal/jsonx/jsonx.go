// Package jsonx pulls JSON documents out of free-form model output.
package jsonx

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoJSON is returned when text contains no valid JSON object or array.
var ErrNoJSON = errors.New("no JSON document in response")

// Extract returns the first valid JSON object or array embedded in text.
// Markdown code fences and surrounding prose are ignored.
func Extract(text string) (gjson.Result, error) {
	text = strings.TrimSpace(text)
	if gjson.Valid(text) && (strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[")) {
		return gjson.Parse(text), nil
	}
	if fenced, ok := fencedBlock(text); ok && gjson.Valid(fenced) {
		return gjson.Parse(fenced), nil
	}

	for start := 0; start < len(text); start++ {
		open := text[start]
		if open != '{' && open != '[' {
			continue
		}
		closer := byte('}')
		if open == '[' {
			closer = ']'
		}
		for end := strings.LastIndexByte(text, closer); end > start; end = strings.LastIndexByte(text[:end], closer) {
			candidate := text[start : end+1]
			if gjson.Valid(candidate) {
				return gjson.Parse(candidate), nil
			}
		}
	}
	return gjson.Result{}, ErrNoJSON
}

func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// Strings reads r as a list of strings. A single string becomes a
// one-element list; anything else yields nil.
func Strings(r gjson.Result) []string {
	switch {
	case r.IsArray():
		var out []string
		for _, item := range r.Array() {
			if s := strings.TrimSpace(item.String()); s != "" {
				out = append(out, s)
			}
		}
		return out
	case r.Type == gjson.String:
		if s := strings.TrimSpace(r.String()); s != "" {
			return []string{s}
		}
	}
	return nil
}

// First returns the first of paths that exists in r.
func First(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
