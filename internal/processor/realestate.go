package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/subalert/notification-worker/internal/envelope"
	"github.com/subalert/notification-worker/internal/notification"
)

// TypeRealEstate identifies envelopes produced by the listings parser.
const TypeRealEstate = "real-estate"

const defaultPropertyType = "Inmueble"

// RealEstate maps property listings to notification drafts.
type RealEstate struct {
	creator Creator
	lg      zerolog.Logger
}

func NewRealEstate(creator Creator, lg zerolog.Logger) *RealEstate {
	return &RealEstate{
		creator: creator,
		lg:      lg.With().Str("component", "realestate_processor").Logger(),
	}
}

func (p *RealEstate) Type() string           { return TypeRealEstate }
func (p *RealEstate) RequiresDatabase() bool { return true }

func (p *RealEstate) Validate(env *envelope.Envelope) error {
	if env.ProcessorType != TypeRealEstate {
		return fmt.Errorf("envelope type %q is not %q", env.ProcessorType, TypeRealEstate)
	}
	if env.Results.Matches == nil {
		return fmt.Errorf("envelope has no matches sequence")
	}
	return nil
}

// Transform fills listing-specific defaults so draft construction never deals
// with nil locations or empty property types.
func (p *RealEstate) Transform(env *envelope.Envelope) *envelope.Envelope {
	for i := range env.Results.Matches {
		docs := env.Results.Matches[i].Documents
		for j := range docs {
			if docs[j].Location == nil {
				docs[j].Location = &envelope.Location{}
			}
			if strings.TrimSpace(docs[j].PropertyType) == "" {
				docs[j].PropertyType = defaultPropertyType
			}
		}
	}
	return env
}

func (p *RealEstate) Process(ctx context.Context, env *envelope.Envelope) (*notification.Outcome, error) {
	var drafts []notification.Draft
	for _, m := range env.Results.Matches {
		for _, d := range m.Documents {
			drafts = append(drafts, p.draft(env, m.Prompt, d))
		}
	}

	p.lg.Debug().Str("trace_id", env.TraceID).Int("drafts", len(drafts)).Msg("built listing drafts")
	return persistWithRetry(ctx, p.creator, drafts)
}

func (p *RealEstate) draft(env *envelope.Envelope, prompt string, d envelope.Document) notification.Draft {
	meta := map[string]any{
		"prompt":          prompt,
		"relevance_score": d.RelevanceScore,
		"price":           d.Price,
		"location":        map[string]string{"city": d.Location.City, "region": d.Location.Region},
		"property_type":   d.PropertyType,
		"processor_type":  TypeRealEstate,
		"trace_id":        env.TraceID,
	}
	if d.SizeSqm != nil {
		meta["size_sqm"] = *d.SizeSqm
	}
	if d.Rooms != nil {
		meta["rooms"] = *d.Rooms
	}

	return notification.Draft{
		UserID:         env.Request.UserID,
		SubscriptionID: env.Request.SubscriptionID,
		Title:          listingTitle(d),
		Content:        listingContent(d),
		SourceURL:      d.Links.HTML,
		EntityType:     "real-estate:listing",
		Metadata:       meta,
	}
}

// listingTitle renders "250.000 € - Piso en Valencia".
func listingTitle(d envelope.Document) string {
	return fmt.Sprintf("%s - %s en %s", formatEuro(d.Price), d.PropertyType, d.Location.City)
}

func listingContent(d envelope.Document) string {
	var b strings.Builder
	b.WriteString(d.Summary)
	if d.SizeSqm != nil {
		b.WriteString(fmt.Sprintf(" Superficie: %s m².", formatNumber(*d.SizeSqm)))
	}
	if d.Rooms != nil {
		b.WriteString(fmt.Sprintf(" Habitaciones: %d.", *d.Rooms))
	}
	return b.String()
}
