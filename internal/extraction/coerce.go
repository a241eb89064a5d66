package extraction

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Lllllllleong/casefileflow/internal/models"
)

const narrativeSchemaJSON = `{
  "type": "object",
  "required": ["contenido_denuncia"]
}`

var narrativeSchema = mustCompile("narrative.schema.json", narrativeSchemaJSON)

func mustCompile(url, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", url, err))
	}
	s, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", url, err))
	}
	return s
}

// Coerce turns raw model output into a payload that always carries the narrative
// field. Output that is not a JSON object with that field is wrapped as the
// narrative text itself. Coerce never fails.
func Coerce(raw string) map[string]any {
	text := strings.TrimSpace(raw)
	if payload, ok := parseNarrative(stripFence(text)); ok {
		return payload
	}
	return map[string]any{models.NarrativeField: text}
}

func parseNarrative(text string) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	if err := narrativeSchema.Validate(v); err != nil {
		return nil, false
	}
	payload, ok := v.(map[string]any)
	return payload, ok
}

// stripFence removes a surrounding markdown code fence such as ```json ... ```.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") || len(text) < 6 {
		return text
	}
	body := strings.TrimSuffix(strings.TrimPrefix(text, "```"), "```")
	if i := strings.IndexByte(body, '\n'); i >= 0 && !strings.ContainsAny(body[:i], "{[\"") {
		body = body[i+1:]
	}
	return strings.TrimSpace(body)
}

// ArtifactKey is the object written beside the extractor output at resultKey.
func ArtifactKey(resultKey string) string {
	dir := path.Dir(resultKey)
	if dir == "." {
		return models.NarrativeField + ".json"
	}
	return dir + "/" + models.NarrativeField + ".json"
}
