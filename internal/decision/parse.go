package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tradeloop/internal/pkg/jsonutil"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const decisionSchemaJSON = `{
  "type": "object",
  "anyOf": [{"required": ["recommendation"]}, {"required": ["action"]}],
  "properties": {
    "recommendation": {"type": "string"},
    "action": {"type": "string"},
    "reasoning": {"type": ["string", "null"]},
    "position_sizing": {"type": ["number", "null"], "minimum": 0, "maximum": 100},
    "stop_loss": {"type": ["number", "null"], "minimum": 0, "maximum": 100},
    "take_profit": {"type": ["number", "null"], "minimum": 0},
    "next_cycle_seconds": {"type": ["number", "null"], "minimum": 0}
  }
}`

const reflectionSchemaJSON = `{
  "type": "object",
  "required": ["reflection"],
  "properties": {
    "reflection": {"type": "string", "minLength": 1},
    "improvements": {"type": ["array", "string", "null"], "items": {"type": "string"}},
    "stat_summary": {"type": ["string", "object", "null"]}
  }
}`

var (
	decisionSchema   = mustCompile("decision.json", decisionSchemaJSON)
	reflectionSchema = mustCompile("reflection.json", reflectionSchemaJSON)
)

func mustCompile(name, raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(raw)); err != nil {
		panic(err)
	}
	return compiler.MustCompile(name)
}

var numericFields = []string{"position_sizing", "stop_loss", "take_profit", "next_cycle_seconds"}

// extract pulls the JSON object out of a model reply and checks it against schema.
func extract(raw string, schema *jsonschema.Schema) (gjson.Result, error) {
	obj, ok := jsonutil.ExtractObject(raw)
	if !ok {
		return gjson.Result{}, errors.New("no json object in reply")
	}
	if !gjson.Valid(obj) {
		return gjson.Result{}, errors.New("invalid json")
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		return gjson.Result{}, err
	}
	for _, key := range numericFields {
		if v, ok := doc[key]; ok {
			doc[key] = numeric(v)
		}
	}
	if err := schema.Validate(doc); err != nil {
		return gjson.Result{}, fmt.Errorf("schema: %w", err)
	}
	clean, err := json.Marshal(doc)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(clean), nil
}

// ParseDecision validates a model reply and decodes it into a Decision.
func ParseDecision(raw string) (Decision, error) {
	doc, err := extract(raw, decisionSchema)
	if err != nil {
		return Decision{}, err
	}
	label := doc.Get("recommendation").String()
	if label == "" {
		label = doc.Get("action").String()
	}
	action, ok := ParseAction(label)
	if !ok {
		return Decision{}, fmt.Errorf("unknown recommendation %q", label)
	}
	d := Decision{
		Action:           action,
		Reasoning:        strings.TrimSpace(doc.Get("reasoning").String()),
		SizingPct:        doc.Get("position_sizing").Float(),
		StopLossPct:      optionalFloat(doc.Get("stop_loss")),
		TakeProfitPct:    optionalFloat(doc.Get("take_profit")),
		NextCycleSeconds: int(doc.Get("next_cycle_seconds").Int()),
	}
	if d.Action == Hold {
		d.SizingPct = 0
	}
	if d.Reasoning == "" {
		d.Reasoning = "no reasoning given"
	}
	return d, nil
}

// ParseReflection validates a reflection reply; improvements may be a list or one string.
func ParseReflection(raw string) (Reflection, error) {
	doc, err := extract(raw, reflectionSchema)
	if err != nil {
		return Reflection{}, err
	}
	r := Reflection{Text: strings.TrimSpace(doc.Get("reflection").String())}
	imp := doc.Get("improvements")
	switch {
	case imp.IsArray():
		for _, item := range imp.Array() {
			if s := strings.TrimSpace(item.String()); s != "" {
				r.Improvements = append(r.Improvements, s)
			}
		}
	case imp.Type == gjson.String:
		r.Improvements = splitImprovements(imp.String())
	}
	if s := doc.Get("stat_summary"); s.Exists() && s.Type != gjson.Null {
		r.StatSummary = strings.TrimSpace(s.String())
	}
	return r, nil
}

func optionalFloat(v gjson.Result) *float64 {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	f := v.Float()
	return &f
}

func splitImprovements(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == ';' }) {
		part = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(part), "-*0123456789."))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// numeric turns "15" or "15%" into 15; models often quote numbers.
func numeric(v any) any {
	str, ok := v.(string)
	if !ok {
		return v
	}
	s := strings.TrimSuffix(strings.TrimSpace(str), "%")
	if s == "" {
		return nil
	}
	if num, err := strconv.ParseFloat(s, 64); err == nil {
		return num
	}
	return v
}
