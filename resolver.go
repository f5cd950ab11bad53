package chatcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrResolve marks a failure to map a counterpart to a conversation.
var ErrResolve = errors.New("conversation resolution failed")

// Resolution is the outcome of resolving a counterpart.
type Resolution struct {
	ConversationID string
	Counterpart    User
	// Created is true when the conversation was opened by this resolution
	// rather than discovered in the user's list.
	Created bool
}

// Resolver maps a counterpart to a durable conversation, discovering an
// existing one before creating a new one.
type Resolver struct {
	api              ConversationAPI
	conversationType string
	log              zerolog.Logger
	metrics          *Metrics
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithConversationType sets the type sent when opening a conversation.
func WithConversationType(t string) ResolverOption {
	return func(r *Resolver) {
		if t != "" {
			r.conversationType = t
		}
	}
}

func WithResolverLogger(log zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

func WithResolverMetrics(m *Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

func NewResolver(api ConversationAPI, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		api:              api,
		conversationType: DefaultConversationType,
		log:              zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve finds the conversation between self and counterpart, opening one
// only when the user's conversation list has no match. A failed list fetch
// is returned as an error and never falls through to creation.
func (r *Resolver) Resolve(ctx context.Context, self, counterpart User, orderID string) (*Resolution, error) {
	if self.ID == "" || counterpart.ID == "" {
		r.metrics.resolution("error")
		return nil, fmt.Errorf("%w: self and counterpart ids are required", ErrResolve)
	}
	log := r.log.With().Str("user_id", self.ID).Str("counterpart_id", counterpart.ID).Logger()

	convs, err := r.api.ListConversations(ctx, self.ID)
	if err != nil {
		r.metrics.resolution("error")
		log.Warn().Err(err).Msg("conversation discovery failed")
		return nil, fmt.Errorf("%w: list conversations: %w", ErrResolve, err)
	}

	for i := range convs {
		conv := &convs[i]
		if conv.ID == "" || !conv.HasParticipant(counterpart.ID) {
			continue
		}
		r.metrics.resolution("found")
		log.Debug().Str("conversation_id", conv.ID).Msg("conversation discovered")
		return &Resolution{
			ConversationID: conv.ID,
			Counterpart:    counterpartProfile(conv, self.ID, counterpart),
		}, nil
	}

	conv, err := r.api.OpenConversation(ctx, OpenConversationRequest{
		Participants: []string{self.ID, counterpart.ID},
		Type:         r.conversationType,
		OrderID:      orderID,
	})
	if err != nil {
		r.metrics.resolution("error")
		log.Warn().Err(err).Msg("open conversation failed")
		return nil, fmt.Errorf("%w: open conversation: %w", ErrResolve, err)
	}
	if conv == nil || conv.ID == "" {
		r.metrics.resolution("error")
		return nil, fmt.Errorf("%w: open conversation returned no id", ErrResolve)
	}

	r.metrics.resolution("created")
	log.Info().Str("conversation_id", conv.ID).Msg("conversation opened")
	return &Resolution{
		ConversationID: conv.ID,
		Counterpart:    counterpartProfile(conv, self.ID, counterpart),
		Created:        true,
	}, nil
}

// counterpartProfile prefers the populated participant entry and falls back
// to the chat-list entry the user selected.
func counterpartProfile(conv *Conversation, selfID string, selected User) User {
	ref, ok := conv.Counterpart(selfID)
	if !ok || ref.Profile == nil {
		return selected
	}
	p := *ref.Profile
	if p.Name == "" {
		p.Name = selected.Name
	}
	if p.Image == "" {
		p.Image = selected.Image
	}
	if p.Role == "" {
		p.Role = selected.Role
	}
	return p
}
