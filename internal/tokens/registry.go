// Package tokens counts output tokens of participant and moderator messages.
package tokens

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/tjfontaine/polyglot-roundtable/internal/completion"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
)

// Counter counts the tokens of a text for a model.
type Counter interface {
	CountText(ctx context.Context, modelRef, text string) (int, error)
	SupportsModel(modelRef string) bool
}

// Count is a token count and whether it was estimated.
type Count struct {
	Tokens    int  `json:"tokens"`
	Estimated bool `json:"estimated,omitempty"`
}

// Registry manages token counters for different model families.
// Registered counters are consulted in order; the fallback estimator covers
// everything else.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the tiktoken counter registered and
// the estimator as fallback.
func NewRegistry() *Registry {
	r := &Registry{fallback: NewEstimator()}
	r.Register(NewOpenAICounter())
	return r
}

// Register adds a token counter to the registry.
func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

// SetFallback sets the fallback counter for unsupported models.
func (r *Registry) SetFallback(counter Counter) {
	r.fallback = counter
}

// GetCounter returns the appropriate counter for a model.
func (r *Registry) GetCounter(modelRef string) Counter {
	for _, counter := range r.counters {
		if counter.SupportsModel(modelRef) {
			return counter
		}
	}
	return r.fallback
}

// CountText counts text with the counter for modelRef.
func (r *Registry) CountText(ctx context.Context, modelRef, text string) (Count, error) {
	counter := r.GetCounter(modelRef)
	if counter == nil {
		return Count{}, fmt.Errorf("no token counter available for model: %s", modelRef)
	}
	n, err := counter.CountText(ctx, modelRef, text)
	if err != nil {
		return Count{}, err
	}
	_, estimated := counter.(*Estimator)
	return Count{Tokens: n, Estimated: estimated}, nil
}

// ParticipantUsage is the output of one participant in a round.
type ParticipantUsage struct {
	ParticipantIndex int    `json:"participant_index"`
	ParticipantID    string `json:"participant_id,omitempty"`
	ModelRef         string `json:"model_ref,omitempty"`
	Count
}

// RoundUsage totals the output tokens of a round.
type RoundUsage struct {
	RoundNumber  int                `json:"round_number"`
	Participants []ParticipantUsage `json:"participants,omitempty"`
	Moderator    *Count             `json:"moderator,omitempty"`
	Total        int                `json:"total"`
	Estimated    bool               `json:"estimated,omitempty"`
}

// RoundUsage counts the text of every complete participant and moderator
// message in round. Messages still streaming or interrupted are skipped.
func (r *Registry) RoundUsage(ctx context.Context, messages []domain.Message, round int) (RoundUsage, error) {
	usage := RoundUsage{RoundNumber: round}
	for i := range messages {
		msg := &messages[i]
		if msg.RoundNumber != round || !msg.HasText() || !completion.IsMessageComplete(msg) {
			continue
		}

		switch msg.Role {
		case domain.RoleAssistant:
			md, _ := msg.Assistant()
			if md.ParticipantIndex == nil {
				continue
			}
			c, err := r.CountText(ctx, md.ModelRef, msg.Text())
			if err != nil {
				return RoundUsage{}, fmt.Errorf("count participant %d: %w", *md.ParticipantIndex, err)
			}
			usage.Participants = append(usage.Participants, ParticipantUsage{
				ParticipantIndex: *md.ParticipantIndex,
				ParticipantID:    md.ParticipantID,
				ModelRef:         md.ModelRef,
				Count:            c,
			})
			usage.add(c)
		case domain.RoleModerator:
			c, err := r.CountText(ctx, msg.ModelRef(), msg.Text())
			if err != nil {
				return RoundUsage{}, fmt.Errorf("count moderator: %w", err)
			}
			usage.Moderator = &c
			usage.add(c)
		}
	}
	return usage, nil
}

func (u *RoundUsage) add(c Count) {
	u.Total += c.Tokens
	u.Estimated = u.Estimated || c.Estimated
}

// Estimator provides token count estimation based on character length.
// This is the fallback for model families without a tokenizer.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountText estimates the token count, rounding up.
func (e *Estimator) CountText(ctx context.Context, modelRef, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return int(math.Ceil(float64(len(text)) / e.CharsPerToken)), nil
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(modelRef string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches reports whether model matches any pattern. Model references may
// carry a provider prefix such as "openai/gpt-4o".
func (m *ModelMatcher) Matches(model string) bool {
	model = stripProvider(model)
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

func stripProvider(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		return model[i+1:]
	}
	return model
}
