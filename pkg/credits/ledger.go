package credits

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const defaultMetadataJSON = "{}"

// LedgerService appends to and reads the append-only ledger. Entries are
// never edited or deleted.
type LedgerService struct {
	store Store
	nowFn func() int64
}

// NewLedgerService wires a LedgerService.
func NewLedgerService(store Store, now func() int64) (*LedgerService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &LedgerService{store: store, nowFn: now}, nil
}

// Append records one ledger entry. The caller supplies the signed amount and
// the balance snapshot; Append stamps identity and creation time.
func (service *LedgerService) Append(ctx context.Context, entry Entry) (Entry, error) {
	normalized, err := NewUserID(entry.UserID)
	if err != nil {
		return Entry{}, err
	}
	if _, err := ParseEntryKind(entry.Kind.String()); err != nil {
		return Entry{}, err
	}
	entry.UserID = normalized
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	if entry.MetadataJSON == "" {
		entry.MetadataJSON = defaultMetadataJSON
	}
	if entry.CreatedUnixUTC == 0 {
		entry.CreatedUnixUTC = service.nowFn()
	}
	if err := service.store.InsertEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// History lists ledger entries for a user before a cutoff time, newest first.
func (service *LedgerService) History(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	normalized, err := NewUserID(userID)
	if err != nil {
		return nil, err
	}
	if beforeUnixUTC == 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListEntries(ctx, normalized, beforeUnixUTC, limit)
}

// Summary aggregates a user's ledger into additions versus deductions.
func (service *LedgerService) Summary(ctx context.Context, userID string) (Summary, error) {
	normalized, err := NewUserID(userID)
	if err != nil {
		return Summary{}, err
	}
	return service.store.SummarizeEntries(ctx, normalized)
}
