package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"apigen/internal/apierr"
	"apigen/internal/metrics"
	"apigen/internal/model"
	"apigen/internal/store"
)

// Registry creates, lists, and deletes served endpoints. It holds the only
// write reference to the store; the HTTP server reads through it.
type Registry struct {
	store   *store.Store
	baseURL string
}

// New constructs a registry. baseURL is the externally reachable server root
// used to compose access URLs, e.g. "http://127.0.0.1:8080".
func New(st *store.Store, baseURL string) *Registry {
	return &Registry{store: st, baseURL: strings.TrimSuffix(baseURL, "/")}
}

const (
	suffixLen      = 4
	createAttempts = 10
	maxSlugTokens  = 3
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "for": true,
	"and": true, "or": true, "to": true, "in": true, "on": true,
	"with": true, "from": true, "my": true, "me": true, "get": true,
	"show": true, "list": true, "all": true, "data": true,
}

var nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Create registers a shaped response under a fresh endpoint id. Collisions
// with existing ids regenerate the random suffix and retry.
func (r *Registry) Create(ctx context.Context, parsed *model.ParsedResponse, description string) (*model.EndpointInfo, error) {
	if parsed == nil || len(parsed.Data) == 0 {
		return nil, apierr.New(apierr.KindStoreCreation, "cannot register an empty response").
			WithHint("run the scrape again before publishing")
	}

	base := slugify(description)
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		endpointID := base + "-" + randomSuffix()
		now := time.Now().UTC()

		rec := model.EndpointRecord{
			EndpointID:       endpointID,
			JSONData:         parsed.Data,
			Description:      description,
			SourceURLs:       parsed.Meta.DataSources,
			RecordsCount:     parsed.Meta.RecordsParsed,
			Fields:           parsed.Meta.FieldsExtracted,
			ParsingTimestamp: parsed.Meta.Timestamp,
			CreatedAt:        now,
		}
		if rec.ParsingTimestamp.IsZero() {
			rec.ParsingTimestamp = now
		}

		err := r.store.InsertEndpoint(ctx, rec)
		if err == nil {
			metrics.RecordEndpointCreated()
			return &model.EndpointInfo{
				EndpointID:   endpointID,
				AccessURL:    r.AccessURL(endpointID),
				Description:  description,
				CreatedAt:    now,
				RecordsCount: rec.RecordsCount,
			}, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, apierr.Wrap(apierr.KindStoreCreation, err, "store endpoint")
		}
		lastErr = err
	}
	return nil, apierr.Wrap(apierr.KindStoreCreation, lastErr,
		"could not find a free endpoint id after %d attempts", createAttempts)
}

// Get reads one endpoint. A missing id returns (nil, nil).
func (r *Registry) Get(ctx context.Context, endpointID string) (*model.EndpointRecord, error) {
	return r.store.GetEndpoint(ctx, endpointID)
}

// List returns endpoint summaries ordered by creation time descending.
func (r *Registry) List(ctx context.Context) ([]model.EndpointInfo, error) {
	recs, err := r.store.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.EndpointInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, model.EndpointInfo{
			EndpointID:   rec.EndpointID,
			AccessURL:    r.AccessURL(rec.EndpointID),
			Description:  rec.Description,
			CreatedAt:    rec.CreatedAt,
			RecordsCount: rec.RecordsCount,
		})
	}
	return out, nil
}

// Delete removes one endpoint; it reports whether a row was removed.
func (r *Registry) Delete(ctx context.Context, endpointID string) (bool, error) {
	removed, err := r.store.DeleteEndpoint(ctx, endpointID)
	if err == nil && removed {
		metrics.RecordEndpointDeleted()
	}
	return removed, err
}

// AccessURL composes the served URL for an endpoint id.
func (r *Registry) AccessURL(endpointID string) string {
	return fmt.Sprintf("%s/api/data/%s", r.baseURL, endpointID)
}

// slugify lower-cases the description, strips stop words, and joins the
// first meaningful tokens.
func slugify(description string) string {
	cleaned := nonSlugRe.ReplaceAllString(strings.ToLower(description), " ")

	var tokens []string
	for _, tok := range strings.Fields(cleaned) {
		if stopWords[tok] {
			continue
		}
		tokens = append(tokens, tok)
		if len(tokens) == maxSlugTokens {
			break
		}
	}
	if len(tokens) == 0 {
		return "endpoint"
	}
	return strings.Join(tokens, "-")
}

// randomSuffix draws four characters from [a-z0-9]. UUID hex is a strict
// subset of that alphabet.
func randomSuffix() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:suffixLen]
}
