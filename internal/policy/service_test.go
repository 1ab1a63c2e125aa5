package policy_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"guardian/internal/domain"
	"guardian/internal/ledger"
	"guardian/internal/policy"
)

func newService(t *testing.T) (policy.Service, testEnv) {
	t.Helper()
	env := newTestEnv(t)
	svc := policy.Service{Store: env.Store, Gateway: env.Gateway, Log: zerolog.Nop()}
	return svc, env
}

const importDefinition = `{
	"root": {
		"id": "orig-root", "tag": "root", "blockType": "interfaceContainerBlock",
		"children": [
			{"id": "orig-child", "tag": "probe1", "blockType": "probeBlock", "inputEvents": ["RunEvent"]}
		]
	}
}`

func TestImportRegeneratesBlockIDs(t *testing.T) {
	svc, env := newService(t)
	p, err := svc.Import(env.Ctx, "Imported", "1.0.0", "did:owner", []byte(importDefinition))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if p.Status != domain.PolicyStatusDraft {
		t.Fatalf("status = %s", p.Status)
	}
	if strings.Contains(p.Definition, "orig-root") || strings.Contains(p.Definition, "orig-child") {
		t.Fatal("imported definition kept original block ids")
	}
	def, err := policy.ParseDefinition([]byte(p.Definition))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if def.Root.Tag != "root" || def.Root.Children[0].Tag != "probe1" {
		t.Fatal("tags must survive import")
	}
}

func TestPublishAnchorsAndTransitions(t *testing.T) {
	svc, env := newService(t)
	p, err := svc.Import(env.Ctx, "Publishable", "1.0.0", "did:owner", []byte(importDefinition))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	published, err := svc.Publish(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if published.Status != domain.PolicyStatusPublished {
		t.Fatalf("status = %s", published.Status)
	}
	if published.TopicID == "" || published.InstanceTopicID == "" {
		t.Fatalf("missing topic pair: %+v", published)
	}
	if published.MessageID == "" {
		t.Fatal("policy message not anchored")
	}
	if env.Consensus.Submitted == 0 {
		t.Fatal("no ledger writes committed")
	}

	// Published versions are immutable; a second publish is rejected.
	if _, err := svc.Publish(env.Ctx, p.ID); err == nil {
		t.Fatal("expected error publishing twice")
	}
}

func TestPublishInvalidDefinitionSetsErrorStatus(t *testing.T) {
	svc, env := newService(t)
	bad := `{
		"root": {
			"id": "b1", "tag": "root", "blockType": "switchBlock",
			"options": {"conditions": [{"expression": "amount > 0", "target": "nowhere"}]}
		}
	}`
	p, err := svc.Import(env.Ctx, "Broken", "1.0.0", "did:owner", []byte(bad))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := svc.Publish(env.Ctx, p.ID); err == nil {
		t.Fatal("expected validation failure")
	}
	got, err := svc.Get(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.PolicyStatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if env.Consensus.Submitted != 0 {
		t.Fatal("invalid policy must not touch the ledger")
	}
}

func TestPublishRecoversFromLedgerFailure(t *testing.T) {
	svc, env := newService(t)
	p, err := svc.Import(env.Ctx, "Flaky", "1.0.0", "did:owner", []byte(importDefinition))
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	// Exhaust the retry budget on the policy-message submit.
	env.Consensus.FailNext = 3
	if _, err := svc.Publish(env.Ctx, p.ID); !errors.Is(err, ledger.ErrTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	got, err := svc.Get(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.PolicyStatusError {
		t.Fatalf("status = %s, want error so the publish can be re-driven", got.Status)
	}

	// Once the ledger is healthy again the same policy publishes.
	published, err := svc.Publish(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if published.Status != domain.PolicyStatusPublished {
		t.Fatalf("status = %s", published.Status)
	}
	if published.MessageID == "" {
		t.Fatal("republished policy not anchored")
	}
}

func TestProvenanceListsDirectDependents(t *testing.T) {
	svc, env := newService(t)
	env.seedAnchored(t, "a", "mA", `{"amount":1}`, nil)
	env.seedAnchored(t, "b", "mB", `{"amount":2}`, []string{"mA"})
	env.seedAnchored(t, "c", "mC", `{"amount":3}`, []string{"mB"})

	docs, err := svc.Provenance(env.Ctx, "mA")
	if err != nil {
		t.Fatalf("provenance: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "b" {
		t.Fatalf("expected only b, got %+v", docs)
	}
}
