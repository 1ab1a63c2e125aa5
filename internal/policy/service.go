package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"guardian/internal/domain"
	"guardian/internal/ledger"
	"guardian/internal/store"
)

// Service manages the policy lifecycle: import as draft, publish onto the
// ledger, list and inspect.
type Service struct {
	Store   store.Store
	Gateway *ledger.Gateway
	Log     zerolog.Logger
	Now     func() time.Time
}

func (s Service) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Import stores a policy definition as a new draft. Block ids are
// regenerated so an imported tree never collides with the policy it was
// exported from.
func (s Service) Import(ctx context.Context, name, version, ownerDID string, definition []byte) (domain.Policy, error) {
	def, err := ParseDefinition(definition)
	if err != nil {
		return domain.Policy{}, err
	}
	def.RegenerateIDs()
	encoded, err := def.Encode()
	if err != nil {
		return domain.Policy{}, err
	}
	now := s.now()
	p := domain.Policy{
		ID:         uuid.New().String(),
		UUID:       uuid.New().String(),
		Name:       name,
		Version:    version,
		OwnerDID:   ownerDID,
		Status:     domain.PolicyStatusDraft,
		Definition: string(encoded),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Store.CreatePolicy(ctx, p); err != nil {
		return domain.Policy{}, err
	}
	s.Log.Info().Str("policy", p.ID).Str("name", name).Str("version", version).Msg("policy imported")
	return p, nil
}

// Publish validates the draft, binds it to a fresh topic pair, anchors the
// policy message and marks it published. A validation failure moves the
// policy to the error status; published versions are immutable.
func (s Service) Publish(ctx context.Context, id string) (domain.Policy, error) {
	p, err := s.Store.GetPolicy(ctx, id)
	if err != nil {
		return domain.Policy{}, err
	}
	if err := canPublish(p.Status); err != nil {
		return domain.Policy{}, err
	}

	p.Status = domain.PolicyStatusPublish
	if err := s.Store.SavePolicy(ctx, p); err != nil {
		return domain.Policy{}, err
	}

	def, err := ParseDefinition([]byte(p.Definition))
	if err == nil {
		env := &Env{Policy: p, Store: s.Store, Gateway: s.Gateway, Log: s.Log}
		_, err = Build(def, env)
	}
	if err != nil {
		return s.publishFailed(ctx, p, err)
	}

	topicID, err := s.Gateway.CreateTopic(ctx, "policy:"+p.UUID)
	if err != nil {
		return s.publishFailed(ctx, p, err)
	}
	instanceTopicID, err := s.Gateway.CreateTopic(ctx, "instance:"+p.UUID)
	if err != nil {
		return s.publishFailed(ctx, p, err)
	}
	p.TopicID = topicID
	p.InstanceTopicID = instanceTopicID

	body, err := json.Marshal(map[string]string{
		"uuid":            p.UUID,
		"name":            p.Name,
		"version":         p.Version,
		"owner":           p.OwnerDID,
		"instanceTopicId": instanceTopicID,
	})
	if err != nil {
		return s.publishFailed(ctx, p, err)
	}
	msg := ledger.NewEnvelope(ledger.TypePolicy, ledger.ActionPublishPolicy)
	msg.Account = p.OwnerDID
	msg.SetDocument(body)
	messageID, err := s.Gateway.Submit(ctx, topicID, msg)
	if err != nil {
		return s.publishFailed(ctx, p, err)
	}
	p.MessageID = messageID

	p.Status = domain.PolicyStatusPublished
	if err := s.Store.SavePolicy(ctx, p); err != nil {
		return domain.Policy{}, err
	}
	s.Log.Info().Str("policy", p.ID).Str("topic", topicID).Str("message", messageID).Msg("policy published")
	return p, nil
}

// publishFailed parks the policy in the error status so the publish can be
// re-driven once the cause clears. Without this a transient ledger failure
// would strand the policy mid-transition, and canPublish would reject every
// later attempt.
func (s Service) publishFailed(ctx context.Context, p domain.Policy, cause error) (domain.Policy, error) {
	p.Status = domain.PolicyStatusError
	if err := s.Store.SavePolicy(ctx, p); err != nil {
		return domain.Policy{}, err
	}
	s.Log.Warn().Err(cause).Str("policy", p.ID).Msg("publish failed, policy parked in error status")
	return domain.Policy{}, cause
}

func canPublish(status string) error {
	switch status {
	case domain.PolicyStatusDraft, domain.PolicyStatusError:
		return nil
	case domain.PolicyStatusPublished, domain.PolicyStatusPublish:
		return fmt.Errorf("policy is already %s", status)
	default:
		return fmt.Errorf("unknown policy status %q", status)
	}
}

// List returns policies, optionally filtered by owner.
func (s Service) List(ctx context.Context, ownerDID string) ([]domain.Policy, error) {
	f := store.Filter{}
	if ownerDID != "" {
		f["owner"] = ownerDID
	}
	return s.Store.FindPolicies(ctx, f)
}

// Get returns one policy by id.
func (s Service) Get(ctx context.Context, id string) (domain.Policy, error) {
	return s.Store.GetPolicy(ctx, id)
}

// Provenance returns the stored documents that reference the given message
// in their relationships, i.e. the message's direct dependents.
func (s Service) Provenance(ctx context.Context, messageID string) ([]domain.Document, error) {
	return s.Store.FindDocuments(ctx,
		store.Filter{"relationships": store.InStrings([]string{messageID})}, store.Options{})
}
