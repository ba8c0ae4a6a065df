package file

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaperone-dev/chaperone/internal/domain/ledger"
)

func newTestLedgerStorage(t *testing.T) *LedgerStorage {
	t.Helper()
	s, err := NewLedgerStorage(LedgerStorageConfig{Dir: t.TempDir()}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLedgerStorage_AppendReadBack(t *testing.T) {
	s := newTestLedgerStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, e := range []*ledger.Entry{
		{ID: "1", EventType: ledger.EventActionProposed, ActorID: "a1", EnvelopeID: "e1", EntryHash: "h1", Timestamp: now},
		{ID: "2", EventType: ledger.EventActionDenied, ActorID: "a1", EnvelopeID: "e1", EntryHash: "h2", PreviousEntryHash: "h1", Timestamp: now.Add(time.Second)},
	} {
		require.NoError(t, s.Append(ctx, e))
	}

	got, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "h1", got[1].PreviousEntryHash)
}

func TestLedgerStorage_QueryFilters(t *testing.T) {
	s := newTestLedgerStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, e := range []*ledger.Entry{
		{ID: "1", EventType: ledger.EventActionProposed, ActorID: "a1", EnvelopeID: "e1", EntryHash: "h1", Timestamp: now.Add(-time.Hour)},
		{ID: "2", EventType: ledger.EventActionExecuted, ActorID: "a2", EnvelopeID: "e2", EntryHash: "h2", Timestamp: now},
	} {
		require.NoError(t, s.Append(ctx, e))
	}

	byActor, err := s.Query(ctx, ledger.Filter{ActorID: "a2"})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, "2", byActor[0].ID)

	since, err := s.Query(ctx, ledger.Filter{Since: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, since, 1)

	limited, err := s.Query(ctx, ledger.Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "1", limited[0].ID)
}

func TestLedgerStorage_SizeRotation(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLedgerStorage(LedgerStorageConfig{Dir: dir, MaxFileSizeMB: 1}, slog.Default())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	// Force the rotation threshold down so the test stays small.
	s.maxFileSize = 512

	ctx := context.Background()
	now := time.Now().UTC()
	big := make(map[string]any)
	for i := 0; i < 20; i++ {
		big[string(rune('a'+i))] = "0123456789012345678901234567890123456789"
	}
	for i := 0; i < 4; i++ {
		e := &ledger.Entry{ID: string(rune('A' + i)), EventType: ledger.EventActionExecuted, ActorID: "a", EntryHash: "h", Timestamp: now, Snapshot: big}
		require.NoError(t, s.Append(ctx, e))
	}

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Greater(t, len(files), 1, "expected suffix rotation to produce multiple files")

	got, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestLedgerStorage_ReadsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC()

	s1, err := NewLedgerStorage(LedgerStorageConfig{Dir: dir}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, s1.Append(ctx, &ledger.Entry{ID: "1", EventType: ledger.EventActionProposed, ActorID: "a", EntryHash: "h1", Timestamp: now}))
	require.NoError(t, s1.Close())

	s2, err := NewLedgerStorage(LedgerStorageConfig{Dir: dir}, slog.Default())
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	require.NoError(t, s2.Append(ctx, &ledger.Entry{ID: "2", EventType: ledger.EventActionExecuted, ActorID: "a", EntryHash: "h2", PreviousEntryHash: "h1", Timestamp: now.Add(time.Second)}))
	got, err := s2.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
}

func TestEvidenceStore_PutGet(t *testing.T) {
	s, err := NewEvidenceStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ptr, err := s.Put(ctx, "env-1/snapshot.json", []byte(`{"big":true}`))
	require.NoError(t, err)
	assert.Equal(t, "file://env-1/snapshot.json", ptr)

	blob, err := s.Get(ctx, ptr)
	require.NoError(t, err)
	assert.Equal(t, `{"big":true}`, string(blob))
}

func TestEvidenceStore_RejectsTraversal(t *testing.T) {
	s, err := NewEvidenceStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"../escape", "a/../../b", "/abs/path", ""} {
		_, err := s.Put(ctx, key, []byte("x"))
		assert.Error(t, err, "key %q", key)
	}
	_, err = s.Get(ctx, "file://../escape")
	assert.Error(t, err)
	_, err = s.Get(ctx, "s3://bucket/key")
	assert.Error(t, err)
}

func TestLoadFixtures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	doc := `
principals:
  - id: agent-1
    type: agent
    displayName: Ads Agent
specs:
  - principalId: agent-1
    profile: guarded
    trustBehaviors: ["ads.report.*"]
overlays:
  - id: ov-1
    specId: agent-1
    mode: restrict
    priority: 1
    active: true
    patch:
      additionalForbiddenBehaviors: ["ads.account.delete"]
delegations:
  - id: d-1
    grantor: admin
    grantee: lead
    scope: "ads.*"
policies:
  - id: pol-1
    name: big spend needs approval
    priority: 10
    active: true
    celCondition: 'double(parameters.amount) > 1000.0'
    effect: require_approval
    approvalLevel: elevated
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	f, err := LoadFixtures(path)
	require.NoError(t, err)
	require.Len(t, f.Principals, 1)
	require.Len(t, f.Policies, 1)
	assert.Equal(t, "elevated", string(f.Policies[0].ApprovalLevel))
	assert.Equal(t, "restrict", string(f.Overlays[0].Mode))
}

func TestLoadFixtures_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown principal": `
specs:
  - principalId: ghost
`,
		"bad effect": `
policies:
  - id: p1
    effect: shrug
`,
		"modify without patch": `
policies:
  - id: p1
    effect: modify
`,
		"unknown field": `
principals:
  - id: a
    type: agent
    nonsense: true
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "f.yaml")
			require.NoError(t, os.WriteFile(path, []byte(doc), 0600))
			_, err := LoadFixtures(path)
			assert.Error(t, err)
		})
	}
}
