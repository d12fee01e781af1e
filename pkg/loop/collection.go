package loop

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/smilemakc/agentflow/pkg/models"
)

// StateReader is the read-only Workflow State view a ForEach loop
// needs to resolve a state_key collection source.
type StateReader interface {
	StateValue(key string) (json.RawMessage, bool)
}

// ResolveCollection resolves a ForEach loop's item list once, at loop
// entry, per spec.
func ResolveCollection(ctx context.Context, src *models.CollectionSource, state StateReader) ([]any, error) {
	if src == nil {
		return nil, fmt.Errorf("loop: for_each requires a collection source")
	}

	switch src.Kind {
	case models.CollectionInline:
		return src.Inline, nil

	case models.CollectionRange:
		return resolveRange(src), nil

	case models.CollectionStateKey:
		return resolveStateKey(src, state)

	case models.CollectionFile:
		return resolveFile(src)

	case models.CollectionHTTP:
		return resolveHTTP(ctx, src)

	default:
		return nil, fmt.Errorf("loop: unknown collection source kind %q", src.Kind)
	}
}

func resolveRange(src *models.CollectionSource) []any {
	step := src.RangeStep
	if step == 0 {
		step = 1
	}
	var items []any
	if step > 0 {
		for i := src.RangeStart; i < src.RangeEnd; i += step {
			items = append(items, i)
		}
	} else {
		for i := src.RangeStart; i > src.RangeEnd; i += step {
			items = append(items, i)
		}
	}
	return items
}

func resolveStateKey(src *models.CollectionSource, state StateReader) ([]any, error) {
	if state == nil {
		return nil, fmt.Errorf("loop: no workflow state available to resolve state_key %q", src.StateKey)
	}
	raw, ok := state.StateValue(src.StateKey)
	if !ok {
		return nil, fmt.Errorf("loop: state key %q not found", src.StateKey)
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("loop: state key %q is not a JSON array: %w", src.StateKey, err)
	}
	return items, nil
}

func resolveFile(src *models.CollectionSource) ([]any, error) {
	content, err := os.ReadFile(src.FilePath)
	if err != nil {
		return nil, fmt.Errorf("loop: read collection file %s: %w", src.FilePath, err)
	}

	switch src.FileFormat {
	case "", "json":
		var items []any
		if err := json.Unmarshal(content, &items); err != nil {
			return nil, fmt.Errorf("loop: parse %s as JSON array: %w", src.FilePath, err)
		}
		return items, nil

	case "jsonlines":
		var items []any
		scanner := bufio.NewScanner(bytes.NewReader(content))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var item any
			if err := json.Unmarshal([]byte(line), &item); err != nil {
				return nil, fmt.Errorf("loop: parse jsonlines entry: %w", err)
			}
			items = append(items, item)
		}
		return items, scanner.Err()

	case "csv":
		reader := csv.NewReader(bytes.NewReader(content))
		records, err := reader.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("loop: parse %s as CSV: %w", src.FilePath, err)
		}
		items := make([]any, len(records))
		for i, r := range records {
			row := make([]any, len(r))
			for j, v := range r {
				row[j] = v
			}
			items[i] = row
		}
		return items, nil

	case "lines":
		var items []any
		scanner := bufio.NewScanner(bytes.NewReader(content))
		for scanner.Scan() {
			items = append(items, scanner.Text())
		}
		return items, scanner.Err()

	default:
		return nil, fmt.Errorf("loop: unknown file format %q", src.FileFormat)
	}
}

func resolveHTTP(ctx context.Context, src *models.CollectionSource) ([]any, error) {
	if src.HTTP == nil {
		return nil, fmt.Errorf("loop: http collection source requires http config")
	}
	spec := src.HTTP

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if spec.Body != "" {
		body = strings.NewReader(spec.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
	if err != nil {
		return nil, fmt.Errorf("loop: build http collection request: %w", err)
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loop: http collection fetch: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("loop: read http collection response: %w", err)
	}

	if spec.ResponseFormat == "text" {
		var items []any
		scanner := bufio.NewScanner(bytes.NewReader(respBody))
		for scanner.Scan() {
			items = append(items, scanner.Text())
		}
		return items, scanner.Err()
	}

	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("loop: parse http collection response as JSON: %w", err)
	}

	if spec.JSONPath != "" {
		for _, segment := range strings.Split(spec.JSONPath, ".") {
			if segment == "" {
				continue
			}
			m, ok := decoded.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("loop: json_path %q does not resolve against response", spec.JSONPath)
			}
			decoded, ok = m[segment]
			if !ok {
				return nil, fmt.Errorf("loop: json_path segment %q not found", segment)
			}
		}
	}

	items, ok := decoded.([]any)
	if !ok {
		return nil, fmt.Errorf("loop: http collection response is not a JSON array")
	}
	return items, nil
}
