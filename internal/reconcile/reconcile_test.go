package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/conversation"
)

// fakeMergeStore models conversations and messages in memory with the
// same merge semantics as the real store: messages move to the lowest
// id, emptied conversations disappear.
type fakeMergeStore struct {
	convs    map[int64]*fakeConv
	mergeErr error
	merges   int
}

type fakeConv struct {
	id          int64
	ownerID     string
	channel     channel.ChannelType
	matchKey    string
	messages    []string
	needsMerge  bool
	lastMessage string
}

func newFakeMergeStore() *fakeMergeStore {
	return &fakeMergeStore{convs: map[int64]*fakeConv{}}
}

func (f *fakeMergeStore) add(id int64, ownerID, matchKey string, messages ...string) {
	f.convs[id] = &fakeConv{
		id: id, ownerID: ownerID, channel: channel.TypeWhatsApp,
		matchKey: matchKey, messages: messages, needsMerge: true,
	}
}

func (f *fakeMergeStore) OwnersWithDuplicates(context.Context) ([]string, error) {
	seen := map[string]map[string]int{}
	for _, c := range f.convs {
		if seen[c.ownerID] == nil {
			seen[c.ownerID] = map[string]int{}
		}
		seen[c.ownerID][c.matchKey]++
	}
	var owners []string
	for owner, keys := range seen {
		for _, n := range keys {
			if n > 1 {
				owners = append(owners, owner)
				break
			}
		}
	}
	return owners, nil
}

func (f *fakeMergeStore) FindDuplicateGroups(_ context.Context, ownerID string) ([]conversation.DuplicateGroup, error) {
	byKey := map[string][]int64{}
	for _, c := range f.convs {
		if c.ownerID != ownerID {
			continue
		}
		byKey[c.matchKey] = append(byKey[c.matchKey], c.id)
	}
	var groups []conversation.DuplicateGroup
	for key, ids := range byKey {
		if len(ids) < 2 {
			continue
		}
		sortInt64s(ids)
		groups = append(groups, conversation.DuplicateGroup{
			OwnerID: ownerID, Channel: channel.TypeWhatsApp, MatchKey: key, IDs: ids,
		})
	}
	return groups, nil
}

func (f *fakeMergeStore) Merge(_ context.Context, group conversation.DuplicateGroup) error {
	f.merges++
	if f.mergeErr != nil {
		return f.mergeErr
	}
	canonical, ok := f.convs[group.Canonical()]
	if !ok {
		return nil
	}
	for _, id := range group.Duplicates() {
		dup, ok := f.convs[id]
		if !ok {
			continue
		}
		canonical.messages = append(canonical.messages, dup.messages...)
		delete(f.convs, id)
	}
	// The real store rewrites the summary row unconditionally, even
	// when no messages ended up on the canonical side.
	canonical.needsMerge = false
	canonical.lastMessage = ""
	if n := len(canonical.messages); n > 0 {
		canonical.lastMessage = canonical.messages[n-1]
	}
	return nil
}

func sortInt64s(ids []int64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func (f *fakeMergeStore) totalMessages() int {
	total := 0
	for _, c := range f.convs {
		total += len(c.messages)
	}
	return total
}

func TestRunMergesDuplicatesPreservingMessages(t *testing.T) {
	t.Parallel()

	store := newFakeMergeStore()
	store.add(3, "owner-5", "11988887777", "oi", "tudo bem?")
	store.add(9, "owner-5", "11988887777", "oi de novo")
	store.add(4, "owner-5", "11977776666", "outro contato")

	before := store.totalMessages()
	s := NewService(store, nil)
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Merged != 1 {
		t.Fatalf("report = %+v, want 1 merged", report)
	}
	if store.totalMessages() != before {
		t.Fatalf("messages = %d, want %d unchanged", store.totalMessages(), before)
	}
	if _, gone := store.convs[9]; gone {
		t.Fatal("duplicate conversation 9 should be deleted")
	}
	canonical := store.convs[3]
	if canonical == nil || len(canonical.messages) != 3 {
		t.Fatalf("canonical = %+v, want 3 messages on lowest id", canonical)
	}
	if _, ok := store.convs[4]; !ok {
		t.Fatal("unrelated conversation should survive")
	}
}

func TestRunClearsMergeFlagOnEmptyCanonical(t *testing.T) {
	t.Parallel()

	// Both sides of the duplicate pair are empty shells. The merge
	// still has to rewrite the canonical summary, or the flag would
	// stay set and every later run would retry the same group.
	store := newFakeMergeStore()
	store.add(3, "owner-5", "11988887777")
	store.add(9, "owner-5", "11988887777")

	s := NewService(store, nil)
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Merged != 1 {
		t.Fatalf("report = %+v, want 1 merged", report)
	}
	canonical := store.convs[3]
	if canonical == nil {
		t.Fatal("canonical conversation missing")
	}
	if canonical.needsMerge {
		t.Fatal("needs_merge still set after merging empty conversations")
	}
	if canonical.lastMessage != "" {
		t.Fatalf("lastMessage = %q, want empty", canonical.lastMessage)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeMergeStore()
	store.add(3, "owner-5", "11988887777", "oi")
	store.add(9, "owner-5", "11988887777", "oi de novo")

	s := NewService(store, nil)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if report.Owners != 0 || report.Merged != 0 {
		t.Fatalf("second run report = %+v, want no-op", report)
	}
}

func TestRunOwnerContinuesPastFailedGroup(t *testing.T) {
	t.Parallel()

	store := newFakeMergeStore()
	store.add(1, "owner-5", "key-a", "m1")
	store.add(2, "owner-5", "key-a", "m2")
	store.add(5, "owner-5", "key-b", "m3")
	store.add(6, "owner-5", "key-b", "m4")
	store.mergeErr = errors.New("lock timeout")

	s := NewService(store, nil)
	report, err := s.RunOwner(context.Background(), "owner-5")
	if err != nil {
		t.Fatalf("RunOwner() error = %v", err)
	}
	if report.FailedGroups != 2 || report.Merged != 0 {
		t.Fatalf("report = %+v, want both groups failed", report)
	}
	if store.merges != 2 {
		t.Fatalf("merge attempts = %d, want 2", store.merges)
	}
}

func TestRunOwnerNoDuplicates(t *testing.T) {
	t.Parallel()

	store := newFakeMergeStore()
	store.add(1, "owner-5", "key-a", "m1")

	s := NewService(store, nil)
	report, err := s.RunOwner(context.Background(), "owner-5")
	if err != nil {
		t.Fatalf("RunOwner() error = %v", err)
	}
	if report.Groups != 0 {
		t.Fatalf("report = %+v, want no groups", report)
	}
}
