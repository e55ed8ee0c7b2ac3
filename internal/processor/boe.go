package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/subalert/notification-worker/internal/envelope"
	"github.com/subalert/notification-worker/internal/notification"
)

// TypeBOE identifies envelopes produced by the BOE bulletin parser.
const TypeBOE = "boe"

const boeFallbackTitle = "Alerta BOE"

// BOE maps official-bulletin documents to notification drafts.
type BOE struct {
	creator Creator
	lg      zerolog.Logger
}

func NewBOE(creator Creator, lg zerolog.Logger) *BOE {
	return &BOE{
		creator: creator,
		lg:      lg.With().Str("component", "boe_processor").Logger(),
	}
}

func (p *BOE) Type() string           { return TypeBOE }
func (p *BOE) RequiresDatabase() bool { return true }

func (p *BOE) Validate(env *envelope.Envelope) error {
	if env.ProcessorType != TypeBOE {
		return fmt.Errorf("envelope type %q is not %q", env.ProcessorType, TypeBOE)
	}
	if env.Results.Matches == nil {
		return fmt.Errorf("envelope has no matches sequence")
	}
	return nil
}

// Transform layers BOE defaults on top of the generic normalization.
func (p *BOE) Transform(env *envelope.Envelope) *envelope.Envelope {
	for i := range env.Results.Matches {
		docs := env.Results.Matches[i].Documents
		for j := range docs {
			if docs[j].RelevanceScore < 0 {
				docs[j].RelevanceScore = 0
			}
			if docs[j].RelevanceScore > 1 {
				docs[j].RelevanceScore = 1
			}
			if strings.TrimSpace(docs[j].BulletinType) == "" {
				docs[j].BulletinType = "BOE"
			}
		}
	}
	return env
}

func (p *BOE) Process(ctx context.Context, env *envelope.Envelope) (*notification.Outcome, error) {
	var drafts []notification.Draft
	for _, m := range env.Results.Matches {
		for _, d := range m.Documents {
			drafts = append(drafts, p.draft(env, m.Prompt, d))
		}
	}

	p.lg.Debug().Str("trace_id", env.TraceID).Int("drafts", len(drafts)).Msg("built BOE drafts")
	return persistWithRetry(ctx, p.creator, drafts)
}

func (p *BOE) draft(env *envelope.Envelope, prompt string, d envelope.Document) notification.Draft {
	return notification.Draft{
		UserID:         env.Request.UserID,
		SubscriptionID: env.Request.SubscriptionID,
		Title:          boeTitle(d, prompt),
		Content:        d.Summary,
		SourceURL:      d.Links.HTML,
		EntityType:     boeEntityType(d),
		Metadata: map[string]any{
			"prompt":           prompt,
			"relevance_score":  d.RelevanceScore,
			"publication_date": d.PublicationDate,
			"issuing_body":     d.IssuingBody,
			"section":          d.Section,
			"department":       d.Department,
			"original_title":   d.Title,
			"processor_type":   TypeBOE,
			"trace_id":         env.TraceID,
		},
	}
}

// boeTitle picks the notification title. First winner:
//  1. notification_title, when it carries real content;
//  2. title under the same filters, bounded to 80 chars;
//  3. synthesized from document type, issuer and localized date;
//  4. a generic alert with a prompt excerpt.
func boeTitle(d envelope.Document, prompt string) string {
	if usableTitle(d.NotificationTitle) {
		return strings.TrimSpace(d.NotificationTitle)
	}
	if usableTitle(d.Title) {
		return truncateEllipsis(strings.TrimSpace(d.Title), 80)
	}
	if docType := strings.TrimSpace(d.DocumentType); docType != "" {
		issuer := firstNonEmpty(d.IssuingBody, d.Department)
		if issuer != "" {
			return fmt.Sprintf("%s - %s (%s)", docType, issuer, spanishDate(d.PublicationDate))
		}
		return fmt.Sprintf("%s (%s)", docType, spanishDate(d.PublicationDate))
	}
	return boeFallbackTitle + ": " + truncateEllipsis(prompt, 30)
}

// usableTitle filters out the junk values upstream parsers emit: empty or
// near-empty strings, the literal "string" placeholder, and anything that
// still contains the word "notification".
func usableTitle(s string) bool {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= 3 {
		return false
	}
	lower := strings.ToLower(s)
	if lower == "string" {
		return false
	}
	return !strings.Contains(lower, "notification")
}

func boeEntityType(d envelope.Document) string {
	haystack := strings.ToLower(d.DocumentType + " " + d.Title + " " + d.Summary)
	switch {
	case strings.Contains(haystack, "resolución") || strings.Contains(haystack, "resolucion"):
		return "boe:resolution"
	case strings.Contains(haystack, "anuncio") || strings.Contains(haystack, "convocatoria"):
		return "boe:announcement"
	default:
		return "boe:document"
	}
}
