package domain

// Policy statuses.
const (
	PolicyStatusDraft     = "draft"
	PolicyStatusPublish   = "publish"
	PolicyStatusPublished = "published"
	PolicyStatusError     = "error"
)

// Document statuses. Documents are never deleted, only status-transitioned.
const (
	DocStatusPending = "pending"
	DocStatusIssued  = "issued"
	DocStatusRevoked = "revoked"
	DocStatusRetired = "retired"
)

// Document kinds.
const (
	DocKindVC  = "vc"
	DocKindVP  = "vp"
	DocKindDID = "did"
)

// Actor locations.
const (
	LocationLocal  = "local"
	LocationRemote = "remote"
)

// Policy is a deployed, versioned copy of a block tree bound to a topic pair.
// Versions are immutable once published.
type Policy struct {
	ID              string `json:"id"`
	UUID            string `json:"uuid"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	OwnerDID        string `json:"owner_did"`
	Status          string `json:"status" enum:"draft,publish,published,error"`
	TopicID         string `json:"topic_id,omitempty"`
	InstanceTopicID string `json:"instance_topic_id,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
	Definition      string `json:"definition,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

// Document is a credential, presentation or identity record produced during
// policy execution. Relationships hold the message ids of prior ledger
// messages this document derives from, forming the provenance chain.
type Document struct {
	ID            string   `json:"id"`
	PolicyID      string   `json:"policy_id"`
	BlockID       string   `json:"block_id,omitempty"`
	Kind          string   `json:"kind" enum:"vc,vp,did"`
	Type          string   `json:"type,omitempty"`
	OwnerDID      string   `json:"owner_did"`
	AssigneeDID   *string  `json:"assignee_did,omitempty"`
	GroupID       *string  `json:"group_id,omitempty"`
	Status        string   `json:"status" enum:"pending,issued,revoked,retired"`
	Hash          string   `json:"hash,omitempty"`
	MessageID     string   `json:"message_id,omitempty"`
	TopicID       string   `json:"topic_id,omitempty"`
	Relationships []string `json:"relationships,omitempty"`
	Content       string   `json:"content"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

// BlockState is per-(policy, block, actor) scratch data. Actors never observe
// each other's in-flight state; persisting it lets a restarted runtime recover
// mid-workflow actors.
type BlockState struct {
	PolicyID  string `json:"policy_id"`
	BlockID   string `json:"block_id"`
	ActorDID  string `json:"actor_did"`
	Data      string `json:"data"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// TopicCache records the highest consensus timestamp and sequence number
// consumed from a topic so re-synchronization resumes without duplication.
type TopicCache struct {
	SyncScope     string `json:"sync_scope"`
	TopicID       string `json:"topic_id"`
	LastTimestamp string `json:"last_timestamp"`
	LastSequence  int64  `json:"last_sequence"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

// Actor is the authenticated identity executing against a policy instance.
type Actor struct {
	DID      string `json:"did"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
	Location string `json:"location" enum:"local,remote"`
}

// GroupMember binds an actor to a group within one policy.
type GroupMember struct {
	PolicyID  string `json:"policy_id"`
	GroupID   string `json:"group_id"`
	ActorDID  string `json:"actor_did"`
	Role      string `json:"role"`
	Owner     bool   `json:"owner"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Token is a token definition created by a create-token block.
type Token struct {
	ID        string `json:"id"`
	PolicyID  string `json:"policy_id"`
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	OwnerDID  string `json:"owner_did"`
	MessageID string `json:"message_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
