package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultRedactor(t *testing.T) *Redactor {
	t.Helper()
	r, err := NewRedactor(DefaultRedactionConfig())
	require.NoError(t, err)
	return r
}

func TestRedact_SensitiveKeys(t *testing.T) {
	r := defaultRedactor(t)

	out, paths := r.Redact(map[string]any{
		"apiKey":     "sk-12345",
		"Password":   "hunter2",
		"campaignId": "c1",
	})

	assert.Equal(t, "[REDACTED]", out["apiKey"])
	assert.Equal(t, "[REDACTED]", out["Password"])
	assert.Equal(t, "c1", out["campaignId"])
	assert.Len(t, paths, 2)
}

func TestRedact_NestedPaths(t *testing.T) {
	r := defaultRedactor(t)

	out, paths := r.Redact(map[string]any{
		"provider": map[string]any{"clientSecret": "abc"},
	})

	nested := out["provider"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["clientSecret"])
	assert.Contains(t, paths, "provider.clientSecret")
}

func TestRedact_EmailAndBearerValues(t *testing.T) {
	r := defaultRedactor(t)

	out, paths := r.Redact(map[string]any{
		"note":   "contact alice@example.com about this",
		"header": "Bearer abc.def.ghi",
	})

	assert.NotContains(t, out["note"], "alice@example.com")
	assert.NotContains(t, out["header"], "abc.def.ghi")
	assert.Len(t, paths, 2)
}

func TestRedact_DoesNotMutateInput(t *testing.T) {
	r := defaultRedactor(t)
	in := map[string]any{"secret": "s1"}

	out, _ := r.Redact(in)

	assert.Equal(t, "s1", in["secret"])
	assert.Equal(t, "[REDACTED]", out["secret"])
}

func TestRedact_EmptySnapshot(t *testing.T) {
	r := defaultRedactor(t)
	out, paths := r.Redact(nil)
	assert.Nil(t, out)
	assert.Empty(t, paths)
}

func TestNewRedactor_InvalidPattern(t *testing.T) {
	_, err := NewRedactor(RedactionConfig{ValuePatterns: []string{"("}})
	require.Error(t, err)
}
