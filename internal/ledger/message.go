package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageType tags the payload carried by an envelope.
type MessageType string

const (
	TypeVCDocument  MessageType = "vc-document"
	TypeVPDocument  MessageType = "vp-document"
	TypeDIDDocument MessageType = "did-document"
	TypePolicy      MessageType = "policy"
	TypeTopic       MessageType = "topic"
	TypeToken       MessageType = "token"
)

// Action describes what the envelope does.
type Action string

const (
	ActionCreateVC       Action = "create-vc-document"
	ActionCreateVP       Action = "create-vp-document"
	ActionCreateDID      Action = "create-did-document"
	ActionPublishPolicy  Action = "publish-policy"
	ActionCreateTopic    Action = "create-topic"
	ActionCreateToken    Action = "create-token"
	ActionRevokeDocument Action = "revoke-document"
	ActionDeleteDocument Action = "delete-document"
)

// Status of the message subject.
type Status string

const (
	StatusIssue   Status = "ISSUE"
	StatusRevoke  Status = "REVOKE"
	StatusDeleted Status = "DELETED"
)

// Revocation reasons recorded on revoke envelopes.
const (
	ReasonDocumentRevoked = "Document Revoked"
	ReasonParentRevoked   = "Parent Revoked"
)

// Envelope is the protocol message wrapping a credential, presentation,
// identity, topic or token payload for ledger submission. MessageID, TopicID
// and SequenceNumber are assigned by the consensus service after submission
// and totally order all messages on a topic.
type Envelope struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	Action        Action          `json:"action"`
	Status        Status          `json:"status"`
	Account       string          `json:"account,omitempty"`
	Document      json.RawMessage `json:"document,omitempty"`
	Hash          string          `json:"hash,omitempty"`
	Relationships []string        `json:"relationships,omitempty"`
	RevokeMessage string          `json:"revokeMessage,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	RevokeOwner   string          `json:"revokeOwner,omitempty"`
	ParentIDs     []string        `json:"parentIds,omitempty"`

	MessageID          string `json:"-"`
	TopicID            string `json:"-"`
	SequenceNumber     int64  `json:"-"`
	ConsensusTimestamp string `json:"-"`
}

// NewEnvelope returns an ISSUE envelope with a fresh message uuid.
func NewEnvelope(t MessageType, action Action) *Envelope {
	return &Envelope{
		ID:     uuid.New().String(),
		Type:   t,
		Action: action,
		Status: StatusIssue,
	}
}

// SetDocument attaches the payload and records its content hash.
func (e *Envelope) SetDocument(doc []byte) {
	e.Document = json.RawMessage(doc)
	sum := sha256.Sum256(doc)
	e.Hash = hex.EncodeToString(sum[:])
}

// Revoke turns the envelope into a revocation referencing the original
// message. A non-empty parentIDs marks a cascade from a revoked parent.
func (e *Envelope) Revoke(message, owner string, parentIDs []string) {
	e.Status = StatusRevoke
	e.Action = ActionRevokeDocument
	e.RevokeMessage = message
	e.RevokeOwner = owner
	e.ParentIDs = parentIDs
	if len(parentIDs) > 0 {
		e.Reason = ReasonParentRevoked
	} else {
		e.Reason = ReasonDocumentRevoked
	}
	// A revoke envelope carries no payload of its own.
	e.Document = nil
	e.Hash = ""
	e.Relationships = nil
}

// Delete marks the subject deleted without carrying a payload.
func (e *Envelope) Delete(message string) {
	e.Status = StatusDeleted
	e.Action = ActionDeleteDocument
	e.RevokeMessage = message
	e.Reason = "Document Deleted"
	e.Document = nil
	e.Hash = ""
	e.Relationships = nil
}

// Encode serializes the envelope body for submission.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses an envelope body read back from a topic.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the envelope against the closed type and action sets.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeVCDocument, TypeVPDocument, TypeDIDDocument, TypePolicy, TypeTopic, TypeToken:
	default:
		return fmt.Errorf("invalid message type: %q", e.Type)
	}
	switch e.Status {
	case StatusIssue, StatusRevoke, StatusDeleted:
	default:
		return fmt.Errorf("invalid message status: %q", e.Status)
	}
	if e.ID == "" {
		return fmt.Errorf("envelope id is required")
	}
	if e.Status == StatusRevoke && e.RevokeMessage == "" {
		return fmt.Errorf("revoke envelope requires a message")
	}
	return nil
}

// IsRevoked reports whether the envelope carries a revocation.
func (e *Envelope) IsRevoked() bool {
	return e.Status == StatusRevoke
}
