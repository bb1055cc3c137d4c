package agentloop

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vespid-ai/vespid/pkg/errs"
)

// Output modes.
const (
	OutputText = "text"
	OutputJSON = "json"
)

// finalOutput validates and bounds the final envelope output per the
// configured output mode.
func finalOutput(p *Params, output json.RawMessage, maxOutputChars int) (json.RawMessage, error) {
	if p.OutputMode != OutputJSON {
		return boundTextOutput(output, maxOutputChars), nil
	}

	if len(output) == 0 || !json.Valid(output) {
		return nil, errs.New(errs.CodeInvalidAgentJSONOutput, "final output is not valid JSON")
	}
	if len(output) > maxOutputChars {
		return nil, errs.Newf(errs.CodeInvalidAgentJSONOutput,
			"final output exceeds %d chars", maxOutputChars)
	}
	if len(p.OutputSchema) > 0 {
		if err := validateAgainstSchema(p.OutputSchema, output); err != nil {
			return nil, err
		}
	}
	return output, nil
}

// boundTextOutput truncates oversized string outputs; non-string JSON values
// pass through untouched.
func boundTextOutput(output json.RawMessage, maxChars int) json.RawMessage {
	var s string
	if err := json.Unmarshal(output, &s); err != nil || len(s) <= maxChars {
		return output
	}
	bounded, err := json.Marshal(s[:maxChars])
	if err != nil {
		return output
	}
	return bounded
}

// validateAgainstSchema checks the output against the node's JSON schema. A
// broken schema is a node configuration problem, not an agent output one.
func validateAgainstSchema(schema, output json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return errs.Newf(errs.CodeInvalidNodeConfig, "output schema is not valid JSON: %v", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output.schema.json", doc); err != nil {
		return errs.Newf(errs.CodeInvalidNodeConfig, "output schema rejected: %v", err)
	}
	compiled, err := compiler.Compile("output.schema.json")
	if err != nil {
		return errs.Newf(errs.CodeInvalidNodeConfig, "output schema failed to compile: %v", err)
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(output))
	if err != nil {
		return errs.New(errs.CodeInvalidAgentJSONOutput, "final output is not valid JSON")
	}
	if err := compiled.Validate(instance); err != nil {
		return errs.Newf(errs.CodeInvalidAgentJSONOutput, "final output violates schema: %v", err)
	}
	return nil
}
