package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"guardian/internal/domain"
)

// Store is the narrow CRUD/query contract the policy core uses for policies,
// documents, block state and topic-offset checkpoints. All writes go through
// atomic create/update primitives; no cross-document transactions are assumed.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (s Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

// --- policies ---

var policyColumns = map[string]string{
	"id":      "id",
	"uuid":    "uuid",
	"version": "version",
	"owner":   "owner_did",
	"status":  "status",
}

const policyFields = `id,uuid,name,version,owner_did,status,topic_id,instance_topic_id,message_id,definition,created_at,updated_at`

func (s Store) CreatePolicy(ctx context.Context, p domain.Policy) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO policies(`+policyFields+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.UUID, p.Name, p.Version, p.OwnerDID, p.Status, nullable(p.TopicID), nullable(p.InstanceTopicID),
		nullable(p.MessageID), nullable(p.Definition), p.CreatedAt, p.UpdatedAt)
	return err
}

func (s Store) SavePolicy(ctx context.Context, p domain.Policy) error {
	p.UpdatedAt = s.now()
	res, err := s.DB.ExecContext(ctx, `UPDATE policies SET name=?, version=?, owner_did=?, status=?, topic_id=?, instance_topic_id=?, message_id=?, definition=?, updated_at=? WHERE id=?`,
		p.Name, p.Version, p.OwnerDID, p.Status, nullable(p.TopicID), nullable(p.InstanceTopicID),
		nullable(p.MessageID), nullable(p.Definition), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPolicy(scan func(...any) error) (domain.Policy, error) {
	var p domain.Policy
	var topicID, instanceTopicID, messageID, definition sql.NullString
	err := scan(&p.ID, &p.UUID, &p.Name, &p.Version, &p.OwnerDID, &p.Status,
		&topicID, &instanceTopicID, &messageID, &definition, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.TopicID = topicID.String
	p.InstanceTopicID = instanceTopicID.String
	p.MessageID = messageID.String
	p.Definition = definition.String
	return p, nil
}

func (s Store) GetPolicy(ctx context.Context, id string) (domain.Policy, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+policyFields+` FROM policies WHERE id=?`, id)
	return scanPolicy(row.Scan)
}

func (s Store) FindPolicies(ctx context.Context, f Filter) ([]domain.Policy, error) {
	where, args, err := buildWhere(policyColumns, f)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+policyFields+` FROM policies `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- documents ---

var documentColumns = map[string]string{
	"id":            "id",
	"policy_id":     "policy_id",
	"block_id":      "block_id",
	"kind":          "kind",
	"type":          "type",
	"owner":         "owner_did",
	"assignee":      "assignee_did",
	"group_id":      "group_id",
	"status":        "status",
	"hash":          "hash",
	"message_id":    "message_id",
	"topic_id":      "topic_id",
	"relationships": "relationships",
}

const documentFields = `id,policy_id,block_id,kind,type,owner_did,assignee_did,group_id,status,hash,message_id,topic_id,relationships,content,created_at,updated_at`

func marshalRelationships(rel []string) (any, error) {
	if len(rel) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(rel)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s Store) CreateDocument(ctx context.Context, d domain.Document) error {
	rel, err := marshalRelationships(d.Relationships)
	if err != nil {
		return fmt.Errorf("marshal relationships: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO documents(`+documentFields+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.PolicyID, nullable(d.BlockID), d.Kind, nullable(d.Type), d.OwnerDID,
		nullableStringPtr(d.AssigneeDID), nullableStringPtr(d.GroupID), d.Status, nullable(d.Hash),
		nullable(d.MessageID), nullable(d.TopicID), rel, d.Content, d.CreatedAt, d.UpdatedAt)
	return err
}

func (s Store) SaveDocument(ctx context.Context, d domain.Document) error {
	rel, err := marshalRelationships(d.Relationships)
	if err != nil {
		return fmt.Errorf("marshal relationships: %w", err)
	}
	d.UpdatedAt = s.now()
	res, err := s.DB.ExecContext(ctx, `UPDATE documents SET block_id=?, kind=?, type=?, owner_did=?, assignee_did=?, group_id=?, status=?, hash=?, message_id=?, topic_id=?, relationships=?, content=?, updated_at=? WHERE id=?`,
		nullable(d.BlockID), d.Kind, nullable(d.Type), d.OwnerDID, nullableStringPtr(d.AssigneeDID),
		nullableStringPtr(d.GroupID), d.Status, nullable(d.Hash), nullable(d.MessageID), nullable(d.TopicID),
		rel, d.Content, d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDocument(scan func(...any) error) (domain.Document, error) {
	var d domain.Document
	var blockID, docType, assignee, groupID, hash, messageID, topicID, rel sql.NullString
	err := scan(&d.ID, &d.PolicyID, &blockID, &d.Kind, &docType, &d.OwnerDID, &assignee, &groupID,
		&d.Status, &hash, &messageID, &topicID, &rel, &d.Content, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.BlockID = blockID.String
	d.Type = docType.String
	if assignee.Valid {
		d.AssigneeDID = &assignee.String
	}
	if groupID.Valid {
		d.GroupID = &groupID.String
	}
	d.Hash = hash.String
	d.MessageID = messageID.String
	d.TopicID = topicID.String
	if rel.Valid && rel.String != "" {
		if err := json.Unmarshal([]byte(rel.String), &d.Relationships); err != nil {
			return d, fmt.Errorf("unmarshal relationships: %w", err)
		}
	}
	return d, nil
}

func (s Store) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+documentFields+` FROM documents WHERE id=?`, id)
	return scanDocument(row.Scan)
}

func (s Store) FindDocuments(ctx context.Context, f Filter, opts Options) ([]domain.Document, error) {
	where, args, err := buildWhere(documentColumns, f)
	if err != nil {
		return nil, err
	}
	order := "created_at ASC, id ASC"
	if opts.OrderBy != "" {
		column, ok := documentColumns[opts.OrderBy]
		if !ok {
			return nil, fmt.Errorf("unknown order field %q", opts.OrderBy)
		}
		order = column + " ASC"
		if opts.Desc {
			order = column + " DESC"
		}
	}
	query := `SELECT ` + documentFields + ` FROM documents ` + where + ` ORDER BY ` + order
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (s Store) FindOneDocument(ctx context.Context, f Filter) (domain.Document, error) {
	docs, err := s.FindDocuments(ctx, f, Options{Limit: 1})
	if err != nil {
		return domain.Document{}, err
	}
	if len(docs) == 0 {
		return domain.Document{}, ErrNotFound
	}
	return docs[0], nil
}

// --- block state ---

func (s Store) SaveBlockState(ctx context.Context, st domain.BlockState) error {
	st.UpdatedAt = s.now()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO block_states(policy_id,block_id,actor_did,data,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(policy_id,block_id,actor_did) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		st.PolicyID, st.BlockID, st.ActorDID, st.Data, st.UpdatedAt)
	return err
}

func (s Store) GetBlockState(ctx context.Context, policyID, blockID, actorDID string) (domain.BlockState, error) {
	var st domain.BlockState
	err := s.DB.QueryRowContext(ctx, `SELECT policy_id,block_id,actor_did,data,updated_at FROM block_states WHERE policy_id=? AND block_id=? AND actor_did=?`,
		policyID, blockID, actorDID).
		Scan(&st.PolicyID, &st.BlockID, &st.ActorDID, &st.Data, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	return st, err
}

func (s Store) ListBlockStates(ctx context.Context, policyID, blockID string) ([]domain.BlockState, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT policy_id,block_id,actor_did,data,updated_at FROM block_states WHERE policy_id=? AND block_id=?`, policyID, blockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BlockState
	for rows.Next() {
		var st domain.BlockState
		if err := rows.Scan(&st.PolicyID, &st.BlockID, &st.ActorDID, &st.Data, &st.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// --- topic cache ---

func (s Store) SaveTopicCache(ctx context.Context, tc domain.TopicCache) error {
	tc.UpdatedAt = s.now()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO topic_cache(sync_scope,topic_id,last_timestamp,last_sequence,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(sync_scope,topic_id) DO UPDATE SET last_timestamp=excluded.last_timestamp, last_sequence=excluded.last_sequence, updated_at=excluded.updated_at`,
		tc.SyncScope, tc.TopicID, tc.LastTimestamp, tc.LastSequence, tc.UpdatedAt)
	return err
}

func (s Store) GetTopicCache(ctx context.Context, syncScope, topicID string) (domain.TopicCache, error) {
	var tc domain.TopicCache
	err := s.DB.QueryRowContext(ctx, `SELECT sync_scope,topic_id,last_timestamp,last_sequence,updated_at FROM topic_cache WHERE sync_scope=? AND topic_id=?`,
		syncScope, topicID).
		Scan(&tc.SyncScope, &tc.TopicID, &tc.LastTimestamp, &tc.LastSequence, &tc.UpdatedAt)
	if err == sql.ErrNoRows {
		return tc, ErrNotFound
	}
	return tc, err
}

// --- group members ---

func (s Store) UpsertGroupMember(ctx context.Context, m domain.GroupMember) error {
	if m.CreatedAt == "" {
		m.CreatedAt = s.now()
	}
	owner := 0
	if m.Owner {
		owner = 1
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO group_members(policy_id,group_id,actor_did,role,owner,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(policy_id,group_id,actor_did) DO UPDATE SET role=excluded.role, owner=excluded.owner`,
		m.PolicyID, m.GroupID, m.ActorDID, m.Role, owner, m.CreatedAt)
	return err
}

func (s Store) RemoveGroupMember(ctx context.Context, policyID, groupID, actorDID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM group_members WHERE policy_id=? AND group_id=? AND actor_did=?`, policyID, groupID, actorDID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s Store) ListGroupMembers(ctx context.Context, policyID, groupID string) ([]domain.GroupMember, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT policy_id,group_id,actor_did,role,owner,created_at FROM group_members WHERE policy_id=? AND group_id=? ORDER BY created_at ASC`, policyID, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGroupMembers(rows)
}

// FindActorGroups returns every group membership an actor holds in a policy.
func (s Store) FindActorGroups(ctx context.Context, policyID, actorDID string) ([]domain.GroupMember, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT policy_id,group_id,actor_did,role,owner,created_at FROM group_members WHERE policy_id=? AND actor_did=? ORDER BY created_at ASC`, policyID, actorDID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGroupMembers(rows)
}

func scanGroupMembers(rows *sql.Rows) ([]domain.GroupMember, error) {
	var res []domain.GroupMember
	for rows.Next() {
		var m domain.GroupMember
		var owner int
		if err := rows.Scan(&m.PolicyID, &m.GroupID, &m.ActorDID, &m.Role, &owner, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Owner = owner != 0
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- tokens ---

func (s Store) CreateToken(ctx context.Context, t domain.Token) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO tokens(id,policy_id,name,symbol,owner_did,message_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.PolicyID, t.Name, t.Symbol, t.OwnerDID, nullable(t.MessageID), t.CreatedAt)
	return err
}

func (s Store) GetToken(ctx context.Context, id string) (domain.Token, error) {
	var t domain.Token
	var messageID sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT id,policy_id,name,symbol,owner_did,message_id,created_at FROM tokens WHERE id=?`, id).
		Scan(&t.ID, &t.PolicyID, &t.Name, &t.Symbol, &t.OwnerDID, &messageID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.MessageID = messageID.String
	return t, err
}
