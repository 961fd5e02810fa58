package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// LoadRaw reads path and every file it includes into one raw document.
// Included files are applied first, in order, and the including file is
// layered on top. Maps merge key by key. The providers list merges entry by
// entry, matched on name (or type when unnamed), so a file can tweak one
// provider from a shared base without restating the others. Any other list
// is replaced.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &fileLoader{active: map[string]bool{}}
	return l.load(path)
}

// fileLoader tracks the include chain being loaded to detect cycles.
type fileLoader struct {
	active map[string]bool
}

func (l *fileLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.active[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	l.active[abs] = true
	defer delete(l.active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument([]byte(expandEnv(string(data))), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	out := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		base, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		out = overlay(out, base)
	}
	return overlay(out, doc), nil
}

var envRef = regexp.MustCompile(`\$\{([^{}]+)\}`)

// expandEnv replaces ${VAR} with its environment value. ${VAR:-default}
// falls back to default when VAR is unset or empty. Bare $ is left alone so
// keys such as $include survive.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		key, fallback, hasDefault := strings.Cut(ref[2:len(ref)-1], ":-")
		if v := os.Getenv(strings.TrimSpace(key)); v != "" || !hasDefault {
			return v
		}
		return fallback
	})
}

// decodeDocument parses one file. .json and .json5 files are JSON5, which
// allows comments, trailing commas and unquoted keys; anything else is a
// single YAML document.
func decodeDocument(data []byte, path string) (map[string]any, error) {
	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes the $include key from doc and returns its paths.
func takeIncludes(doc map[string]any) ([]string, error) {
	v, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)
	var paths []string
	switch x := v.(type) {
	case nil:
	case string:
		paths = append(paths, x)
	case []any:
		for _, entry := range x {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths", includeKey)
	}
	out := paths[:0]
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// overlay applies top onto base and returns base.
func overlay(base, top map[string]any) map[string]any {
	for key, v := range top {
		if key == "providers" {
			if list, ok := v.([]any); ok {
				prev, _ := base[key].([]any)
				base[key] = mergeProviders(prev, list)
				continue
			}
		}
		base[key] = mergeValue(base[key], v)
	}
	return base
}

func mergeValue(base, top any) any {
	topMap, ok := top.(map[string]any)
	if !ok {
		return top
	}
	baseMap, ok := base.(map[string]any)
	if !ok {
		return topMap
	}
	for k, v := range topMap {
		baseMap[k] = mergeValue(baseMap[k], v)
	}
	return baseMap
}

// mergeProviders layers top's provider entries onto base. An entry whose
// name matches an earlier one is merged into it in place; the rest are
// appended in order.
func mergeProviders(base, top []any) []any {
	out := append([]any(nil), base...)
	index := make(map[string]int, len(out))
	for i, entry := range out {
		if key := providerKey(entry); key != "" {
			index[key] = i
		}
	}
	for _, entry := range top {
		key := providerKey(entry)
		if i, ok := index[key]; ok && key != "" {
			out[i] = mergeValue(out[i], entry)
			continue
		}
		if key != "" {
			index[key] = len(out)
		}
		out = append(out, entry)
	}
	return out
}

// providerKey mirrors applyDefaults: an unnamed provider is named after its
// type.
func providerKey(entry any) string {
	m, ok := entry.(map[string]any)
	if !ok {
		return ""
	}
	if name, _ := m["name"].(string); strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	typ, _ := m["type"].(string)
	return strings.TrimSpace(typ)
}

// decodeStrict turns the merged document into a Config, rejecting keys the
// Config does not know.
func decodeStrict(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
