package jsonrepair

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractObjectsPrefersFencedBlock(t *testing.T) {
	text := "here you go\n```json\n{\"tool\": \"bash\", \"command\": \"ls\"}\n```\nthanks"
	objs := ExtractObjects(text)
	require.Len(t, objs, 1)
	require.JSONEq(t, `{"tool":"bash","command":"ls"}`, objs[0])
}

func TestExtractObjectsFindsBareBraceObjectOutsideFence(t *testing.T) {
	text := `sure, calling {"tool": "bash", "command": "ls"} now`
	objs := ExtractObjects(text)
	require.Len(t, objs, 1)
	require.JSONEq(t, `{"tool":"bash","command":"ls"}`, objs[0])
}

func TestExtractObjectsIgnoresBracesInsideStrings(t *testing.T) {
	text := `{"command": "echo {not a nested object}"}`
	objs := ExtractObjects(text)
	require.Len(t, objs, 1)
	require.JSONEq(t, `{"command": "echo {not a nested object}"}`, objs[0])
}

func TestExtractObjectsFindsMultipleTopLevelObjects(t *testing.T) {
	text := `{"a": 1} some text {"b": 2}`
	objs := ExtractObjects(text)
	require.Len(t, objs, 2)
	require.JSONEq(t, `{"a":1}`, objs[0])
	require.JSONEq(t, `{"b":2}`, objs[1])
}

func TestExtractObjectsDoesNotDoubleCountFencedBraces(t *testing.T) {
	text := "```json\n{\"a\": 1}\n```"
	objs := ExtractObjects(text)
	require.Len(t, objs, 1)
}

func TestRepairClosesUnterminatedString(t *testing.T) {
	repaired := Repair(`{"command": "ls -la`)
	require.Equal(t, `{"command": "ls -la"}`, repaired)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(repaired), &out))
	require.Equal(t, "ls -la", out["command"])
}

func TestRepairBalancesUnclosedBracesAndBrackets(t *testing.T) {
	repaired := Repair(`{"tasks": ["a", "b"`)
	require.Equal(t, `{"tasks": ["a", "b"]}`, repaired)
}

func TestRepairDropsTrailingComma(t *testing.T) {
	repaired := Repair(`{"a": 1,`)
	require.Equal(t, `{"a": 1}`, repaired)
}

func TestRepairHandlesNestedStructures(t *testing.T) {
	repaired := Repair(`{"outer": {"inner": [1, 2, {"deep": "val`)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(repaired), &out))
}

func TestRepairIsNoopOnAlreadyValidJSON(t *testing.T) {
	valid := `{"a": 1, "b": [1,2,3]}`
	require.Equal(t, valid, Repair(valid))
}

func TestRepairHandlesEscapedQuoteBeforeTruncation(t *testing.T) {
	repaired := Repair(`{"command": "echo \"hello`)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(repaired), &out))
	require.Equal(t, `echo "hello`, out["command"])
}

func TestParseObjectParsesValidJSONWithoutRepair(t *testing.T) {
	obj, repaired, err := ParseObject(`{"a": 1}`)
	require.NoError(t, err)
	require.False(t, repaired)
	require.Equal(t, float64(1), obj["a"])
}

func TestParseObjectRepairsTruncatedJSON(t *testing.T) {
	obj, repaired, err := ParseObject(`{"a": 1, "b": "truncated`)
	require.NoError(t, err)
	require.True(t, repaired)
	require.Equal(t, "truncated", obj["b"])
}

func TestParseObjectReturnsErrorWhenUnrecoverable(t *testing.T) {
	_, _, err := ParseObject(`not json at all`)
	require.Error(t, err)
}

func TestExtractObjectsEmptyInput(t *testing.T) {
	require.Empty(t, ExtractObjects(""))
	require.Empty(t, ExtractObjects("no json here"))
}
