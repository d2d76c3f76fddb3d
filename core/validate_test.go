package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenSchema(allowExtra bool) UsageSchema {
	return UsageSchema{
		Fields: map[string]FieldSpec{
			"input_tokens":  {Type: FieldNumber, Required: true},
			"output_tokens": {Type: FieldNumber, Required: true},
			"model":         {Type: FieldString},
		},
		AllowExtra: allowExtra,
	}
}

func TestSchemaForExactBeatsPattern(t *testing.T) {
	exact := UsageSchema{Fields: map[string]FieldSpec{"a": {Type: FieldAny}}}
	pattern := UsageSchema{Fields: map[string]FieldSpec{"b": {Type: FieldAny}}}
	ss := SchemaSet{
		"openai::gpt-4o": exact,
		"openai::*":      pattern,
	}

	got, ok := ss.SchemaFor("openai::gpt-4o")
	require.True(t, ok)
	assert.Contains(t, got.Fields, "a")

	got, ok = ss.SchemaFor("openai::gpt-3.5")
	require.True(t, ok)
	assert.Contains(t, got.Fields, "b")

	_, ok = ss.SchemaFor("anthropic::claude")
	assert.False(t, ok)
}

func TestValidateConformingPayload(t *testing.T) {
	err := tokenSchema(false).Validate("svc", map[string]interface{}{
		"input_tokens":  float64(10),
		"output_tokens": 20,
		"model":         "gpt-4o",
	})
	assert.NoError(t, err)
}

func TestValidateReportsAllProblems(t *testing.T) {
	err := tokenSchema(false).Validate("svc", map[string]interface{}{
		"output_tokens": "twenty",
		"surprise":      1,
	})
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "svc", verr.ServiceKey)
	assert.Equal(t, []string{"input_tokens"}, verr.Missing)
	assert.Equal(t, []string{"surprise"}, verr.Extra)
	assert.Equal(t, []string{"output_tokens"}, verr.TypeErrors)
	assert.True(t, IsValidationError(err))
}

func TestValidateAllowExtra(t *testing.T) {
	err := tokenSchema(true).Validate("svc", map[string]interface{}{
		"input_tokens":  1,
		"output_tokens": 2,
		"surprise":      "ok",
	})
	assert.NoError(t, err)
}

func TestTypeMatches(t *testing.T) {
	cases := []struct {
		ft    FieldType
		value interface{}
		want  bool
	}{
		{FieldNumber, 1, true},
		{FieldNumber, int64(1), true},
		{FieldNumber, 1.5, true},
		{FieldNumber, "1", false},
		{FieldString, "x", true},
		{FieldString, 1, false},
		{FieldBool, true, true},
		{FieldObject, map[string]interface{}{}, true},
		{FieldArray, []interface{}{}, true},
		{FieldAny, struct{}{}, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, typeMatches(c.ft, c.value), "%s %v", c.ft, c.value)
	}
}
