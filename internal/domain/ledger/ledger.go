package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaperone-dev/chaperone/internal/domain/canonical"
	"github.com/chaperone-dev/chaperone/internal/domain/risk"
)

// inlineEvidenceLimit is the largest snapshot evidence blob kept inside
// an entry; anything bigger is offloaded to the evidence store.
const inlineEvidenceLimit = 10 * 1024

// RecordParams is the input to one append.
type RecordParams struct {
	EventType      EventType
	ActorID        string
	ActorType      ActorType
	EntityID       string
	EntityType     string
	RiskCategory   risk.Category
	Snapshot       map[string]any
	Evidence       map[string][]byte
	Summary        string
	EnvelopeID     string
	OrganizationID string
}

// Ledger serializes appends so the previous-hash chain holds under
// concurrent writers.
type Ledger struct {
	storage  Storage
	evidence EvidenceStore
	redactor *Redactor
	logger   *slog.Logger

	mu   sync.Mutex
	head string
	// headLoaded guards the lazy head read on first append.
	headLoaded bool
}

// New builds a ledger. The evidence store and redactor are optional;
// without a redactor snapshots are stored as given.
func New(storage Storage, evidence EvidenceStore, redactor *Redactor, logger *slog.Logger) *Ledger {
	return &Ledger{storage: storage, evidence: evidence, redactor: redactor, logger: logger}
}

// Record appends one entry. Redaction happens before hashing so the
// hashed snapshot and the stored snapshot are the same bytes.
func (l *Ledger) Record(ctx context.Context, p RecordParams) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.headLoaded {
		if err := l.loadHead(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAppendFailed, err)
		}
	}

	entry := &Entry{
		ID:                uuid.NewString(),
		SchemaVersion:     canonical.Version,
		ChainHashVersion:  canonical.ChainHashVersion,
		EventType:         p.EventType,
		ActorID:           p.ActorID,
		ActorType:         p.ActorType,
		EntityID:          p.EntityID,
		EntityType:        p.EntityType,
		RiskCategory:      p.RiskCategory,
		Snapshot:          p.Snapshot,
		Summary:           p.Summary,
		PreviousEntryHash: l.head,
		Timestamp:         time.Now().UTC(),
		EnvelopeID:        p.EnvelopeID,
		OrganizationID:    p.OrganizationID,
	}

	if l.redactor != nil {
		redacted, paths := l.redactor.Redact(p.Snapshot)
		entry.Snapshot = redacted
		entry.RedactionApplied = len(paths) > 0
	}

	for key, blob := range p.Evidence {
		if l.evidence != nil && len(blob) > inlineEvidenceLimit {
			pointer, err := l.evidence.Put(ctx, entry.ID+"-"+key, blob)
			if err != nil {
				return nil, fmt.Errorf("%w: offload evidence %s: %v", ErrAppendFailed, key, err)
			}
			entry.EvidencePointers = append(entry.EvidencePointers, pointer)
			continue
		}
		if entry.Snapshot == nil {
			entry.Snapshot = make(map[string]any)
		}
		entry.Snapshot[key] = string(blob)
	}

	hash, err := ComputeEntryHash(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	entry.EntryHash = hash

	if err := l.storage.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	l.head = entry.EntryHash

	if l.logger != nil {
		l.logger.Debug("audit entry recorded",
			"entry_id", entry.ID,
			"event_type", string(entry.EventType),
			"envelope_id", entry.EnvelopeID,
		)
	}
	return entry, nil
}

func (l *Ledger) loadHead(ctx context.Context) error {
	entries, err := l.storage.GetAll(ctx)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		l.head = entries[len(entries)-1].EntryHash
	}
	l.headLoaded = true
	return nil
}

// Query passes through to storage.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	return l.storage.Query(ctx, f)
}

// GetAll passes through to storage.
func (l *Ledger) GetAll(ctx context.Context) ([]*Entry, error) {
	return l.storage.GetAll(ctx)
}

// ComputeEntryHash hashes every field of the entry except EntryHash
// itself, over canonical JSON. The field map is explicit so adding a
// struct field is a deliberate schema change.
func ComputeEntryHash(e *Entry) (string, error) {
	fields := map[string]any{
		"id":               e.ID,
		"schemaVersion":    e.SchemaVersion,
		"chainHashVersion": e.ChainHashVersion,
		"eventType":        string(e.EventType),
		"actorId":          e.ActorID,
		"actorType":        string(e.ActorType),
		"entityId":         e.EntityID,
		"entityType":       e.EntityType,
		"riskCategory":     string(e.RiskCategory),
		"snapshot":         e.Snapshot,
		"evidencePointers": e.EvidencePointers,
		"summary":          e.Summary,
		"timestamp":        e.Timestamp.UTC().Format(time.RFC3339Nano),
		"envelopeId":       e.EnvelopeID,
		"organizationId":   e.OrganizationID,
		"redactionApplied": e.RedactionApplied,
	}
	if e.PreviousEntryHash != "" {
		fields["previousEntryHash"] = e.PreviousEntryHash
	} else {
		fields["previousEntryHash"] = nil
	}
	return canonical.Hash(fields)
}

// VerifyChain checks previous-hash continuity over entries in order.
// It returns the zero-based index of the first break, or -1 when the
// chain holds.
func VerifyChain(entries []*Entry) int {
	for i, e := range entries {
		if i == 0 {
			if e.PreviousEntryHash != "" {
				return 0
			}
			continue
		}
		if e.PreviousEntryHash != entries[i-1].EntryHash {
			return i
		}
	}
	return -1
}

// DeepVerify additionally recomputes every entry hash. It returns the
// indexes of entries whose stored hash does not match the recomputed
// one, plus the first chain break (-1 when intact).
func DeepVerify(entries []*Entry) (mismatches []int, firstBreak int, err error) {
	for i, e := range entries {
		h, hashErr := ComputeEntryHash(e)
		if hashErr != nil {
			return nil, -1, fmt.Errorf("recompute entry %d: %w", i, hashErr)
		}
		if h != e.EntryHash {
			mismatches = append(mismatches, i)
		}
	}
	return mismatches, VerifyChain(entries), nil
}
