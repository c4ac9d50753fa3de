package tool

import "github.com/mitchellh/mapstructure"

// decodeArgs decodes a tool call's generic map[string]any payload into a
// typed struct, tolerating the loosely-typed JSON round trip an LLM's
// tool-call arguments go through (numbers as float64, etc). Decode
// failures are handlers' business, not the agent loop's: per spec.md §7
// propagation policy, callers return them as a tool-call failure result
// rather than an error, so the agent can react and retry the call.
func decodeArgs(args map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(args)
}
