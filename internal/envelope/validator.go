package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/subalert/notification-worker/internal/apperrors"
)

const (
	// DefaultPrompt fills the placeholder match when an envelope carries none.
	DefaultPrompt = "Default prompt"

	defaultTitle     = "Documento sin título"
	linkSentinel     = "about:blank"
	summaryMaxChars  = 200
	summaryKeptChars = 197
)

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsUUID reports whether s matches the canonical hyphenated UUID form,
// any version. Session-variable assignment interpolates this value, so the
// strict pattern is load-bearing, not cosmetic.
func IsUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

// Validator turns raw inbound bytes into a normalized Envelope, repairing
// the payload shapes upstream parsers have historically drifted into.
type Validator struct {
	isRegistered func(processorType string) bool
	lg           zerolog.Logger
}

func NewValidator(isRegistered func(string) bool, lg zerolog.Logger) *Validator {
	return &Validator{
		isRegistered: isRegistered,
		lg:           lg.With().Str("component", "validator").Logger(),
	}
}

// rawEnvelope is the permissive ingress shape: results stays opaque until the
// matches recovery pass, and the legacy id aliases are visible for fallback.
type rawEnvelope struct {
	Version       string          `json:"version"`
	ProcessorType string          `json:"processor_type"`
	Timestamp     string          `json:"timestamp"`
	TraceID       string          `json:"trace_id"`
	Request       Request         `json:"request"`
	Results       json.RawMessage `json:"results"`
	Metadata      Metadata        `json:"metadata"`

	// Legacy top-level aliases
	UserID         string `json:"user_id"`
	SubscriptionID string `json:"subscription_id"`
	Context        *struct {
		UserID         string `json:"user_id"`
		SubscriptionID string `json:"subscription_id"`
	} `json:"context"`
}

type rawResults struct {
	QueryDate string          `json:"query_date"`
	Matches   json.RawMessage `json:"matches"`
	Results   json.RawMessage `json:"results"`
}

type nestedResult struct {
	Prompt  string          `json:"prompt"`
	Matches json.RawMessage `json:"matches"`
}

// Normalize parses and repairs raw bytes into an Envelope. It never fails on
// repairable shapes; it fails terminally on unparseable JSON, missing or
// malformed user/subscription ids, and unregistered processor types.
func (v *Validator) Normalize(raw []byte) (*Envelope, error) {
	var re rawEnvelope
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, apperrors.NewParse("malformed envelope JSON", err)
	}

	env := &Envelope{
		Version:       re.Version,
		ProcessorType: strings.TrimSpace(re.ProcessorType),
		Timestamp:     re.Timestamp,
		TraceID:       strings.TrimSpace(re.TraceID),
		Request:       re.Request,
		Metadata:      re.Metadata,
	}
	if env.TraceID == "" {
		env.TraceID = uuid.NewString()
	}

	lg := v.lg.With().Str("trace_id", env.TraceID).Logger()

	// User and subscription ids: request first, then the legacy locations.
	env.Request.UserID = firstID(re.Request.UserID, re.UserID, contextUserID(&re))
	env.Request.SubscriptionID = firstID(re.Request.SubscriptionID, re.SubscriptionID, contextSubscriptionID(&re))

	if env.Request.UserID == "" {
		return nil, apperrors.NewValidation("envelope is missing user_id")
	}
	if env.Request.SubscriptionID == "" {
		return nil, apperrors.NewValidation("envelope is missing subscription_id")
	}
	if !IsUUID(env.Request.UserID) {
		return nil, apperrors.NewValidation(fmt.Sprintf("user_id %q is not a UUID", env.Request.UserID))
	}
	if !IsUUID(env.Request.SubscriptionID) {
		return nil, apperrors.NewValidation(fmt.Sprintf("subscription_id %q is not a UUID", env.Request.SubscriptionID))
	}

	if env.ProcessorType == "" {
		return nil, apperrors.NewValidation("envelope is missing processor_type")
	}
	if v.isRegistered != nil && !v.isRegistered(env.ProcessorType) {
		return nil, apperrors.NewUnknownProcessor(fmt.Sprintf("no processor registered for type %q", env.ProcessorType))
	}

	matches, queryDate := v.recoverMatches(re.Results, lg)
	env.Results.QueryDate = queryDate

	// Uniform shape: the rest of the pipeline always sees at least one match.
	if len(matches) == 0 {
		matches = []Match{{
			Prompt:    env.FirstPrompt(DefaultPrompt),
			Documents: []Document{},
		}}
	}

	for i := range matches {
		if strings.TrimSpace(matches[i].Prompt) == "" {
			matches[i].Prompt = env.FirstPrompt(DefaultPrompt)
		}
		if matches[i].Documents == nil {
			matches[i].Documents = []Document{}
		}
		for j := range matches[i].Documents {
			normalizeDocument(&matches[i].Documents[j])
		}
	}
	env.Results.Matches = matches

	return env, nil
}

// recoverMatches returns the matches sequence, trying the legacy nested
// layouts in order when results.matches is absent.
func (v *Validator) recoverMatches(raw json.RawMessage, lg zerolog.Logger) ([]Match, string) {
	if len(raw) == 0 {
		return nil, ""
	}

	var rr rawResults
	if err := json.Unmarshal(raw, &rr); err != nil {
		lg.Warn().Err(err).Msg("results is not an object; substituting empty matches")
		return nil, ""
	}

	if len(rr.Matches) > 0 {
		var matches []Match
		if err := json.Unmarshal(rr.Matches, &matches); err == nil {
			return matches, rr.QueryDate
		}
		lg.Warn().Msg("results.matches is not a sequence; attempting legacy recovery")
	}

	if len(rr.Results) == 0 {
		return nil, rr.QueryDate
	}

	var nested []nestedResult
	if err := json.Unmarshal(rr.Results, &nested); err == nil && len(nested) > 0 {
		// Strategy (a): single nested result carrying its own matches.
		if len(nested) == 1 && len(nested[0].Matches) > 0 {
			var matches []Match
			if err := json.Unmarshal(nested[0].Matches, &matches); err == nil {
				lg.Info().Str("strategy", "nested_first_result").Msg("recovered matches from legacy payload")
				return matches, rr.QueryDate
			}
		}

		// Strategy (b): flatten matches across all nested results,
		// inheriting the parent prompt where a match has none.
		var flattened []Match
		for _, n := range nested {
			if len(n.Matches) == 0 {
				continue
			}
			var part []Match
			if err := json.Unmarshal(n.Matches, &part); err != nil {
				continue
			}
			for i := range part {
				if part[i].Prompt == "" {
					part[i].Prompt = n.Prompt
				}
			}
			flattened = append(flattened, part...)
		}
		if len(flattened) > 0 {
			lg.Info().Str("strategy", "flatten_nested_results").Int("matches", len(flattened)).
				Msg("recovered matches from legacy payload")
			return flattened, rr.QueryDate
		}
	}

	// Strategy (c): results.results itself is already a matches array.
	var direct []Match
	if err := json.Unmarshal(rr.Results, &direct); err == nil && len(direct) > 0 && hasAnyContent(direct) {
		lg.Info().Str("strategy", "results_as_matches").Msg("recovered matches from legacy payload")
		return direct, rr.QueryDate
	}

	// Strategy (d): nothing salvageable.
	lg.Info().Str("strategy", "empty_substitute").Msg("no matches recoverable; substituting empty sequence")
	return nil, rr.QueryDate
}

func hasAnyContent(matches []Match) bool {
	for _, m := range matches {
		if m.Prompt != "" || len(m.Documents) > 0 {
			return true
		}
	}
	return false
}

// normalizeDocument applies the document invariants: non-empty title, bounded
// summary, a link sentinel, and a publication date.
func normalizeDocument(d *Document) {
	if strings.TrimSpace(d.Title) == "" {
		d.Title = defaultTitle
	}
	d.Summary = TruncateSummary(d.Summary)
	if strings.TrimSpace(d.Links.HTML) == "" {
		d.Links.HTML = linkSentinel
	}
	if strings.TrimSpace(d.PublicationDate) == "" {
		d.PublicationDate = time.Now().UTC().Format(time.RFC3339)
	}
}

// TruncateSummary bounds a summary to 200 characters, keeping 197 plus an
// ellipsis when it runs over.
func TruncateSummary(s string) string {
	r := []rune(s)
	if len(r) <= summaryMaxChars {
		return s
	}
	return string(r[:summaryKeptChars]) + "..."
}

func firstID(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func contextUserID(re *rawEnvelope) string {
	if re.Context == nil {
		return ""
	}
	return re.Context.UserID
}

func contextSubscriptionID(re *rawEnvelope) string {
	if re.Context == nil {
		return ""
	}
	return re.Context.SubscriptionID
}
