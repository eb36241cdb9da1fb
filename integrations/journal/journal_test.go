package journal

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"keydrop/core/events"
	"keydrop/core/types"
	"keydrop/native/drops"
)

type claimEvent struct{ evt *types.Event }

func (c claimEvent) EventType() string   { return c.evt.Type }
func (c claimEvent) Event() *types.Event { return c.evt }

type plainEvent string

func (p plainEvent) EventType() string { return string(p) }

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open("sqlite", dsn)
	require.NoError(t, err)
	return db
}

func newTestJournal(t *testing.T, opts ...Option) *Journal {
	t.Helper()
	j := New(openTestDB(t), slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	t.Cleanup(j.Close)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	j.SetNowFunc(func() time.Time {
		now = now.Add(time.Second)
		return now
	})
	return j
}

func issued(id uuid.UUID, typ string) events.Event {
	return claimEvent{evt: &types.Event{Type: typ, Attributes: map[string]string{
		"claimId":  id.String(),
		"dropId":   "drop-1",
		"keyId":    "key-1",
		"funder":   "funder.testnet",
		"receiver": "alice.testnet",
		"use":      "2",
		"assets":   "token.testnet,near",
	}}}
}

func settled(id uuid.UUID, typ, refunded string) events.Event {
	return claimEvent{evt: &types.Event{Type: typ, Attributes: map[string]string{
		"claimId":    id.String(),
		"entrypoint": drops.EntrypointClaim,
		"dropId":     "drop-1",
		"keyId":      "key-1",
		"funder":     "funder.testnet",
		"receiver":   "alice.testnet",
		"refunded":   refunded,
	}}}
}

func TestJournalTracksClaimLifecycle(t *testing.T) {
	j := newTestJournal(t)
	id := uuid.New()

	j.Emit(issued(id, drops.EventTypeCreateAccountAndClaim))
	j.Flush()
	record, err := j.Claim(id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, record.Status)
	require.Equal(t, drops.EntrypointCreateAccountAndClaim, record.Entrypoint)
	require.Equal(t, uint32(2), record.Use)
	require.Equal(t, "token.testnet,near", record.Assets)
	require.Nil(t, record.SettledAt)

	pending, err := j.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	j.Emit(settled(id, drops.EventTypeClaimRefunded, "6"))
	j.Flush()
	record, err = j.Claim(id)
	require.NoError(t, err)
	require.Equal(t, StatusRefundApplied, record.Status)
	require.Equal(t, "6", record.Refunded)
	require.NotNil(t, record.SettledAt)
	require.Equal(t, "token.testnet,near", record.Assets)

	pending, err = j.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestJournalSettlementWithoutIssue(t *testing.T) {
	j := newTestJournal(t)
	id := uuid.New()
	j.Emit(settled(id, drops.EventTypeClaimFinalized, "0"))
	j.Flush()

	record, err := j.Claim(id)
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, record.Status)
	require.Equal(t, drops.EntrypointClaim, record.Entrypoint)
}

func TestJournalIgnoresDuplicatesAndForeignEvents(t *testing.T) {
	j := newTestJournal(t)
	id := uuid.New()
	j.Emit(issued(id, drops.EventTypeClaim))
	j.Emit(issued(id, drops.EventTypeClaim))
	j.Emit(plainEvent(drops.EventTypeClaim))
	j.Emit(claimEvent{evt: &types.Event{Type: "other.event", Attributes: map[string]string{"claimId": uuid.NewString()}}})
	j.Emit(claimEvent{evt: &types.Event{Type: drops.EventTypeClaim, Attributes: map[string]string{"claimId": "bad"}}})
	j.Flush()

	records, err := j.ClaimsForDrop("drop-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, id, records[0].ID)
}

func TestJournalMissingClaim(t *testing.T) {
	j := newTestJournal(t)
	_, err := j.Claim(uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
}

func TestJournalEmitDoesNotWaitOnStorage(t *testing.T) {
	db := openTestDB(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:block", func(*gorm.DB) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}))
	const queueSize = 4
	j := New(db, slog.New(slog.NewTextHandler(io.Discard, nil)), WithQueueSize(queueSize))
	t.Cleanup(j.Close)

	first := uuid.New()
	j.Emit(issued(first, drops.EventTypeClaim))
	<-entered

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < queueSize+3; i++ {
			j.Emit(issued(uuid.New(), drops.EventTypeClaim))
		}
	}()
	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a stalled write")
	}

	close(release)
	j.Flush()
	records, err := j.ClaimsForDrop("drop-1", 100)
	require.NoError(t, err)
	require.Len(t, records, queueSize+1)
	require.Equal(t, first, records[0].ID)
}

func TestJournalCloseDrainsQueue(t *testing.T) {
	j := New(openTestDB(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	id := uuid.New()
	j.Emit(issued(id, drops.EventTypeClaim))
	j.Emit(settled(id, drops.EventTypeClaimFinalized, "0"))
	j.Close()
	j.Close()
	j.Emit(issued(uuid.New(), drops.EventTypeClaim))
	j.Flush()

	record, err := j.Claim(id)
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, record.Status)
	records, err := j.ClaimsForDrop("drop-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
}
