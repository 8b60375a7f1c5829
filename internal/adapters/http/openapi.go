package http

import (
	_ "embed"
	"fmt"
	"maps"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPIYAML []byte

var (
	openAPIDoc     map[string]any
	openAPIDocOnce sync.Once
	openAPIDocErr  error
)

// openAPIDocument returns the parsed OpenAPI document. It is decoded on
// first access and shared afterwards; callers must not modify it.
func openAPIDocument() (map[string]any, error) {
	openAPIDocOnce.Do(func() {
		openAPIDoc, openAPIDocErr = parseOpenAPI(openAPIYAML)
	})
	return openAPIDoc, openAPIDocErr
}

// parseOpenAPI decodes a YAML OpenAPI document into JSON-compatible values.
func parseOpenAPI(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding OpenAPI document: %w", err)
	}
	if _, ok := doc["openapi"].(string); !ok {
		return nil, fmt.Errorf("OpenAPI document has no version")
	}
	return doc, nil
}

// withServer returns a shallow copy of doc whose only server is base, so
// that clients behind a proxy see the public URL.
func withServer(doc map[string]any, base string) map[string]any {
	out := maps.Clone(doc)
	out["servers"] = []map[string]string{{"url": base}}
	return out
}
