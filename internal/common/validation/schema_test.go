package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"age": {"type": "integer", "minimum": 0}
	}
}`

func TestSchema_ValidateBytes(t *testing.T) {
	s := MustCompile(testSchema)

	tests := []struct {
		name      string
		doc       string
		wantValid bool
		badField  string
	}{
		{"valid", `{"name":"Ana","age":30}`, true, ""},
		{"missing required", `{"age":30}`, false, "(root)"},
		{"wrong type", `{"name":"Ana","age":"thirty"}`, false, "age"},
		{"empty name", `{"name":""}`, false, "name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.ValidateBytes([]byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, res.Valid)
			if tt.badField != "" {
				assert.True(t, res.HasErrors(tt.badField), res.GetErrorMessages())
			}
		})
	}
}

func TestSchema_ValidateBytesNotJSON(t *testing.T) {
	_, err := MustCompile(testSchema).ValidateBytes([]byte("not json"))
	assert.Error(t, err)
}

func TestSchema_ValidateValue(t *testing.T) {
	res, err := MustCompile(testSchema).ValidateValue(map[string]interface{}{"name": "Ana"})
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestCompile_InvalidSchema(t *testing.T) {
	_, err := Compile(`{"type": 12}`)
	assert.Error(t, err)
}

func TestValidators(t *testing.T) {
	assert.True(t, ValidateEmail("owner@salon.example.com"))
	assert.False(t, ValidateEmail("owner@"))
	assert.True(t, ValidatePhone("+55 11 99999-0000"))
	assert.False(t, ValidatePhone("12345"))
	assert.True(t, ValidateTimeOfDay("09:30"))
	assert.False(t, ValidateTimeOfDay("9:30"))
	assert.False(t, ValidateTimeOfDay("24:00"))
}
