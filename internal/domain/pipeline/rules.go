package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/target/quotaflow/internal/domain/model"
)

// DefaultContentExpression picks the first text-like field of a payload.
const DefaultContentExpression = "content || text || message || document"

const schemaBaseURL = "https://quotaflow.local/schemas/"

type payloadRules struct {
	contentExpr string
	schema      *jsonschema.Schema
}

func compileRules(wt model.WorkType, def Definition) (*payloadRules, error) {
	expr := strings.TrimSpace(def.ContentExpression)
	if expr == "" {
		expr = DefaultContentExpression
	}
	if _, err := jmespath.Compile(expr); err != nil {
		return nil, fmt.Errorf("pipeline: %s content expression: %w", wt, err)
	}

	rules := &payloadRules{contentExpr: expr}
	if strings.TrimSpace(def.Schema) == "" {
		return rules, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(def.Schema))
	if err != nil {
		return nil, fmt.Errorf("pipeline: %s schema: %w", wt, err)
	}
	url := schemaBaseURL + string(wt) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("pipeline: %s schema: %w", wt, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %s schema: %w", wt, err)
	}
	rules.schema = sch
	return rules, nil
}

// contentLength evaluates the content expression and counts characters. Non-string matches are
// measured as JSON and payloads without a match fall back to their raw length.
func (r *payloadRules) contentLength(payload json.RawMessage) int {
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return utf8.RuneCount(payload)
	}
	v, err := jmespath.Search(r.contentExpr, data)
	if err != nil || v == nil {
		return utf8.RuneCount(payload)
	}
	if s, ok := v.(string); ok {
		return utf8.RuneCountInString(s)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return utf8.RuneCount(payload)
	}
	return utf8.RuneCount(b)
}

func (r *payloadRules) validate(payload json.RawMessage) error {
	if r.schema == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return r.schema.Validate(inst)
}
