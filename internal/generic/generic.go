// Package generic loads the plugin-style watch entries declared in an
// external JSON file. The file is read once before the watch table is
// frozen.
package generic

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"crashlogd/internal/inotify"
	"crashlogd/internal/watcher"
)

//go:embed schema.json
var schemaData []byte

const schemaURL = "https://crashlogd.local/generic.schema.json"

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaData)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(schemaURL)
})

var triggers = map[string]uint32{
	"close_write": inotify.MaskCloseWrite,
	"moved_to":    inotify.MaskMovedTo,
	"created":     inotify.MaskCreate,
}

// Rule is one declared watch entry.
type Rule struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Pattern string   `json:"pattern,omitempty"`
	File    bool     `json:"file,omitempty"`
	On      []string `json:"on,omitempty"`
}

// Mask returns the kernel mask for the rule. Without "on" a rule fires
// when a file is closed after writing or moved in.
func (r Rule) Mask() uint32 {
	if len(r.On) == 0 {
		return inotify.MaskCloseWrite | inotify.MaskMovedTo
	}
	var m uint32
	for _, on := range r.On {
		m |= triggers[on]
	}
	return m
}

type document struct {
	Version int    `json:"version"`
	Events  []Rule `json:"events"`
}

// Load reads and validates the file at path.
func Load(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("generic: %w", err)
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("generic: %s: %w", path, err)
	}
	return rules, nil
}

// Parse validates data against the embedded schema and decodes it.
func Parse(data []byte) ([]Rule, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return doc.Events, nil
}

// Entries converts rules into watch entries of type t served by h.
func Entries(rules []Rule, t watcher.EventType, h watcher.Handler) []watcher.Entry {
	entries := make([]watcher.Entry, 0, len(rules))
	for _, r := range rules {
		entries = append(entries, watcher.Entry{
			Mask:    r.Mask(),
			Type:    t,
			Name:    r.Name,
			Dir:     r.Path,
			Pattern: r.Pattern,
			File:    r.File,
			Handler: h,
		})
	}
	return entries
}
