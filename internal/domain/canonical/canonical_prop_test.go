package canonical

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCanonicalizeProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("canonicalize is idempotent", prop.ForAll(
		func(m map[string]string) bool {
			once, err := Canonicalize(m)
			if err != nil {
				return false
			}
			var decoded any
			if err := json.Unmarshal(once, &decoded); err != nil {
				return false
			}
			twice, err := Canonicalize(decoded)
			if err != nil {
				return false
			}
			return string(once) == string(twice)
		},
		gen.MapOf(gen.Identifier(), gen.AnyString()),
	))

	properties.Property("hash is stable and hex-shaped", prop.ForAll(
		func(m map[string]string) bool {
			h1, err := Hash(m)
			if err != nil {
				return false
			}
			h2, err := Hash(m)
			if err != nil {
				return false
			}
			return h1 == h2 && len(h1) == 64
		},
		gen.MapOf(gen.Identifier(), gen.AnyString()),
	))

	properties.TestingRun(t)
}
