package envelope

import (
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subalert/notification-worker/internal/apperrors"
)

const (
	testUserID = "11111111-2222-3333-4444-555555555555"
	testSubID  = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
)

func newTestValidator(registered ...string) *Validator {
	set := map[string]bool{}
	for _, r := range registered {
		set[r] = true
	}
	return NewValidator(func(t string) bool { return set[t] }, zerolog.Nop())
}

func baseEnvelope(results string) []byte {
	return []byte(fmt.Sprintf(`{
		"version": "1.0",
		"processor_type": "boe",
		"trace_id": "trace-1",
		"request": {"user_id": %q, "subscription_id": %q, "prompts": ["ayudas vivienda"]},
		"results": %s
	}`, testUserID, testSubID, results))
}

func TestNormalizeCanonicalMatches(t *testing.T) {
	v := newTestValidator("boe")

	env, err := v.Normalize(baseEnvelope(`{
		"query_date": "2025-05-02",
		"matches": [
			{"prompt": "ayudas vivienda", "documents": [
				{"title": "Resolución de ayudas", "summary": "texto", "links": {"html": "https://boe.es/doc"}}
			]}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "trace-1", env.TraceID)
	assert.Equal(t, testUserID, env.Request.UserID)
	assert.Equal(t, "2025-05-02", env.Results.QueryDate)
	require.Len(t, env.Results.Matches, 1)
	require.Len(t, env.Results.Matches[0].Documents, 1)
	assert.Equal(t, "Resolución de ayudas", env.Results.Matches[0].Documents[0].Title)
}

func TestNormalizeMalformedJSON(t *testing.T) {
	v := newTestValidator("boe")

	_, err := v.Normalize([]byte(`{"version": "1.0",`))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeParse, apperrors.CodeOf(err))
}

func TestNormalizeIDFallbacks(t *testing.T) {
	v := newTestValidator("boe")

	t.Run("top-level aliases", func(t *testing.T) {
		raw := []byte(fmt.Sprintf(`{
			"processor_type": "boe",
			"user_id": %q,
			"subscription_id": %q
		}`, testUserID, testSubID))
		env, err := v.Normalize(raw)
		require.NoError(t, err)
		assert.Equal(t, testUserID, env.Request.UserID)
		assert.Equal(t, testSubID, env.Request.SubscriptionID)
	})

	t.Run("context object", func(t *testing.T) {
		raw := []byte(fmt.Sprintf(`{
			"processor_type": "boe",
			"context": {"user_id": %q, "subscription_id": %q}
		}`, testUserID, testSubID))
		env, err := v.Normalize(raw)
		require.NoError(t, err)
		assert.Equal(t, testUserID, env.Request.UserID)
	})

	t.Run("request wins over aliases", func(t *testing.T) {
		other := "99999999-8888-7777-6666-555555555555"
		raw := []byte(fmt.Sprintf(`{
			"processor_type": "boe",
			"user_id": %q,
			"request": {"user_id": %q, "subscription_id": %q}
		}`, other, testUserID, testSubID))
		env, err := v.Normalize(raw)
		require.NoError(t, err)
		assert.Equal(t, testUserID, env.Request.UserID)
	})
}

func TestNormalizeRejectsBadIDs(t *testing.T) {
	v := newTestValidator("boe")

	cases := []struct {
		name string
		raw  string
	}{
		{"missing user_id", fmt.Sprintf(`{"processor_type":"boe","request":{"subscription_id":%q}}`, testSubID)},
		{"missing subscription_id", fmt.Sprintf(`{"processor_type":"boe","request":{"user_id":%q}}`, testUserID)},
		{"non-uuid user_id", fmt.Sprintf(`{"processor_type":"boe","request":{"user_id":"user-42","subscription_id":%q}}`, testSubID)},
		{"injection attempt", fmt.Sprintf(`{"processor_type":"boe","request":{"user_id":"abc'; DROP TABLE notifications;--","subscription_id":%q}}`, testSubID)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Normalize([]byte(tc.raw))
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
		})
	}
}

func TestNormalizeProcessorType(t *testing.T) {
	v := newTestValidator("boe")

	t.Run("missing type", func(t *testing.T) {
		raw := []byte(fmt.Sprintf(`{"request":{"user_id":%q,"subscription_id":%q}}`, testUserID, testSubID))
		_, err := v.Normalize(raw)
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
	})

	t.Run("unregistered type", func(t *testing.T) {
		raw := []byte(fmt.Sprintf(`{"processor_type":"dou","request":{"user_id":%q,"subscription_id":%q}}`, testUserID, testSubID))
		_, err := v.Normalize(raw)
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeUnknownProcessor, apperrors.CodeOf(err))
	})
}

func TestNormalizeGeneratesTraceID(t *testing.T) {
	v := newTestValidator("boe")

	raw := []byte(fmt.Sprintf(`{"processor_type":"boe","request":{"user_id":%q,"subscription_id":%q}}`, testUserID, testSubID))
	env, err := v.Normalize(raw)
	require.NoError(t, err)
	assert.True(t, IsUUID(env.TraceID), "generated trace id should be a UUID, got %q", env.TraceID)
}

func TestRecoverMatchesNestedFirstResult(t *testing.T) {
	v := newTestValidator("boe")

	env, err := v.Normalize(baseEnvelope(`{
		"results": [
			{"prompt": "ayudas", "matches": [
				{"prompt": "ayudas", "documents": [{"title": "Doc A", "links": {"html": "https://x"}}]}
			]}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, env.Results.Matches, 1)
	assert.Equal(t, "Doc A", env.Results.Matches[0].Documents[0].Title)
}

func TestRecoverMatchesFlattenNestedResults(t *testing.T) {
	v := newTestValidator("boe")

	env, err := v.Normalize(baseEnvelope(`{
		"results": [
			{"prompt": "primero", "matches": [{"documents": [{"title": "Doc A"}]}]},
			{"prompt": "segundo", "matches": [{"documents": [{"title": "Doc B"}]}]}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, env.Results.Matches, 2)
	// Parent prompt is inherited by matches that carry none.
	assert.Equal(t, "primero", env.Results.Matches[0].Prompt)
	assert.Equal(t, "segundo", env.Results.Matches[1].Prompt)
}

func TestRecoverMatchesResultsAsMatches(t *testing.T) {
	v := newTestValidator("boe")

	env, err := v.Normalize(baseEnvelope(`{
		"results": [
			{"prompt": "directo", "documents": [{"title": "Doc C"}]}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, env.Results.Matches, 1)
	assert.Equal(t, "directo", env.Results.Matches[0].Prompt)
	assert.Equal(t, "Doc C", env.Results.Matches[0].Documents[0].Title)
}

func TestRecoverMatchesEmptySubstitute(t *testing.T) {
	v := newTestValidator("boe")

	cases := map[string]string{
		"results is a string":   `"oops"`,
		"results.results junk":  `{"results": [{"neither": true}]}`,
		"results absent":        `null`,
		"results empty object":  `{}`,
		"matches not an array":  `{"matches": {"bad": 1}}`,
	}
	for name, results := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := v.Normalize(baseEnvelope(results))
			require.NoError(t, err)
			// Placeholder match carries the request's first prompt.
			require.Len(t, env.Results.Matches, 1)
			assert.Equal(t, "ayudas vivienda", env.Results.Matches[0].Prompt)
			assert.Empty(t, env.Results.Matches[0].Documents)
		})
	}
}

func TestPlaceholderUsesDefaultPromptWithoutRequestPrompts(t *testing.T) {
	v := newTestValidator("boe")

	raw := []byte(fmt.Sprintf(`{"processor_type":"boe","request":{"user_id":%q,"subscription_id":%q}}`, testUserID, testSubID))
	env, err := v.Normalize(raw)
	require.NoError(t, err)
	require.Len(t, env.Results.Matches, 1)
	assert.Equal(t, DefaultPrompt, env.Results.Matches[0].Prompt)
}

func TestNormalizeDocumentDefaults(t *testing.T) {
	v := newTestValidator("boe")

	env, err := v.Normalize(baseEnvelope(`{
		"matches": [{"prompt": "p", "documents": [{"title": "  ", "summary": "", "links": {"html": ""}}]}]
	}`))
	require.NoError(t, err)
	doc := env.Results.Matches[0].Documents[0]
	assert.Equal(t, "Documento sin título", doc.Title)
	assert.Equal(t, "about:blank", doc.Links.HTML)
	assert.NotEmpty(t, doc.PublicationDate)
}

func TestTruncateSummary(t *testing.T) {
	assert.Equal(t, "corto", TruncateSummary("corto"))

	exact := strings.Repeat("a", 200)
	assert.Equal(t, exact, TruncateSummary(exact))

	long := strings.Repeat("b", 250)
	got := TruncateSummary(long)
	assert.Equal(t, 200, len([]rune(got)))
	assert.Equal(t, strings.Repeat("b", 197)+"...", got)

	// Rune-aware: multibyte text must not be cut mid-character.
	longES := strings.Repeat("ñ", 250)
	gotES := TruncateSummary(longES)
	assert.Equal(t, 200, len([]rune(gotES)))
	assert.True(t, strings.HasSuffix(gotES, "..."))
}

func TestIsUUID(t *testing.T) {
	assert.True(t, IsUUID(testUserID))
	assert.True(t, IsUUID(strings.ToUpper(testUserID)))

	for _, bad := range []string{
		"",
		"not-a-uuid",
		"11111111222233334444555555555555",
		"11111111-2222-3333-4444-55555555555",
		"11111111-2222-3333-4444-5555555555550",
		"abc'; DROP TABLE notifications;--",
		testUserID + "'",
	} {
		assert.False(t, IsUUID(bad), "expected %q to be rejected", bad)
	}
}
