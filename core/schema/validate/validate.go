package validate

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

const maxRecordBytes = 10 * 1024 * 1024

var compiled sync.Map

func ValidateJSONFile(schema []byte, jsonPath string) error {
	data, err := readDocument(jsonPath, "json")
	if err != nil {
		return err
	}
	return ValidateJSON(schema, data)
}

func ValidateJSON(schema []byte, data []byte) error {
	checker, err := compile(schema)
	if err != nil {
		return err
	}
	return check(checker, data)
}

func ValidateJSONLFile(schema []byte, jsonlPath string) error {
	data, err := readDocument(jsonlPath, "jsonl")
	if err != nil {
		return err
	}
	return ValidateJSONL(schema, data)
}

// ValidateJSONL validates every non-blank line as its own document and
// reports the first failing line number.
func ValidateJSONL(schema []byte, data []byte) error {
	checker, err := compile(schema)
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	for number := 1; scanner.Scan(); number++ {
		record := bytes.TrimSpace(scanner.Bytes())
		if len(record) == 0 {
			continue
		}
		if err := check(checker, record); err != nil {
			return fmt.Errorf("jsonl line %d: %w", number, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return nil
}

func readDocument(path string, kind string) ([]byte, error) {
	// #nosec G304 -- document path is explicit local user input.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", kind, err)
	}
	return data, nil
}

func compile(schema []byte) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil, fmt.Errorf("compile schema: empty schema")
	}
	key := sha256.Sum256(schema)
	if cached, ok := compiled.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	result, err := compiler.Compile(schema)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	actual, _ := compiled.LoadOrStore(key, result)
	return actual.(*jsonschema.Schema), nil
}

func check(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors))
	for keyword, detail := range result.Errors {
		problems = append(problems, fmt.Sprintf("%s: %v", keyword, detail))
	}
	sort.Strings(problems)
	return fmt.Errorf("schema validation failed: %s", strings.Join(problems, "; "))
}
