package localstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"codeflow/api/internal/store"
	"codeflow/api/internal/util"
)

// HistoryLog keeps run-history records that have not reached the remote store.
type HistoryLog struct {
	tier Tier
	mu   sync.Mutex
	now  func() time.Time
}

func NewHistoryLog(tier Tier) *HistoryLog {
	return &HistoryLog{tier: tier, now: time.Now}
}

// Append records draft under a freshly minted local id and client timestamp.
func (l *HistoryLog) Append(owner string, draft store.HistoryDraft) (store.HistoryRecord, error) {
	record := store.HistoryRecord{
		ID:        util.NewID(store.LocalIDTag),
		Timestamp: l.now().UTC(),
		Language:  draft.Language,
		Code:      draft.Code,
		Title:     draft.Title,
		Comment:   draft.Comment,
		Origin:    store.OriginLocalPending,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	records, err := l.load(owner)
	if err != nil {
		return store.HistoryRecord{}, err
	}
	records = append([]store.HistoryRecord{record}, records...)
	if err := l.save(owner, records); err != nil {
		return store.HistoryRecord{}, err
	}
	return record, nil
}

// List returns the owner's local records, most recent first.
func (l *HistoryLog) List(owner string) ([]store.HistoryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records, err := l.load(owner)
	if err != nil {
		return nil, err
	}
	SortHistory(records)
	return records, nil
}

func (l *HistoryLog) Delete(owner, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records, err := l.load(owner)
	if err != nil {
		return false, err
	}
	kept := make([]store.HistoryRecord, 0, len(records))
	for _, record := range records {
		if record.ID != id {
			kept = append(kept, record)
		}
	}
	if len(kept) == len(records) {
		return false, nil
	}
	return true, l.save(owner, kept)
}

func (l *HistoryLog) load(owner string) ([]store.HistoryRecord, error) {
	raw, err := l.tier.Read(HistoryStore, owner)
	if err != nil {
		return nil, fmt.Errorf("load local history: %w", err)
	}
	records := make([]store.HistoryRecord, 0)
	if len(raw) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode local history: %w", err)
	}
	return records, nil
}

func (l *HistoryLog) save(owner string, records []store.HistoryRecord) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode local history: %w", err)
	}
	if err := l.tier.Write(HistoryStore, owner, payload); err != nil {
		return fmt.Errorf("persist local history: %w", err)
	}
	return nil
}

func SortHistory(records []store.HistoryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.After(records[j].Timestamp)
		}
		return records[i].ID < records[j].ID
	})
}
