package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"x402chat/internal/types"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func msgAt(id, conv string, role types.Role, text string, sec int) types.Message {
	return types.NewTextMessage(id, conv, role, text, time.Unix(int64(1700000000+sec), 0))
}

func TestNewLocalStore(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, DefaultDriver, s.Driver())
	assert.Equal(t, CurrentSchemaVersion, GetSchemaVersion(s.db))
	assert.True(t, columnExists(s.db, "conversations", "title"))
}

func TestOpenFileBackedReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat.db")
	ctx := context.Background()

	s, err := NewLocalStore(path)
	require.NoError(t, err)
	require.NoError(t, s.InsertMessage(ctx, msgAt("m1", "c1", types.RoleUser, "hi", 0)))
	require.NoError(t, s.Close())

	s, err = NewLocalStore(path)
	require.NoError(t, err)
	defer s.Close()
	msgs, err := s.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text())
}

func TestMessagesOrderedByCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Inserted out of order; ties broken by insertion order.
	require.NoError(t, s.InsertMessage(ctx, msgAt("m3", "c1", types.RoleUser, "third", 2)))
	require.NoError(t, s.InsertMessage(ctx, msgAt("m1", "c1", types.RoleUser, "first", 0)))
	require.NoError(t, s.InsertMessage(ctx, msgAt("m2", "c1", types.RoleAssistant, "second", 1)))
	require.NoError(t, s.InsertMessage(ctx, msgAt("m2b", "c1", types.RoleUser, "second-b", 1)))
	require.NoError(t, s.InsertMessage(ctx, msgAt("x1", "c2", types.RoleUser, "other", 0)))

	msgs, err := s.Messages(ctx, "c1")
	require.NoError(t, err)

	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m2b", "m3"}, ids)
}

func TestMessagesEmptyConversation(t *testing.T) {
	s := newTestStore(t)
	msgs, err := s.Messages(context.Background(), "nope")
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestInsertMessageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch, unsub := s.Subscribe(8)
	defer unsub()

	m := msgAt("m1", "c1", types.RoleUser, "hi", 0)
	require.NoError(t, s.InsertMessage(ctx, m))
	require.NoError(t, s.InsertMessage(ctx, m))

	msgs, err := s.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Len(t, ch, 1, "duplicate insert must not notify")
}

func TestUpsertMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch, unsub := s.Subscribe(8)
	defer unsub()

	m := types.Message{ID: "a1", ConversationID: "c1", Role: types.RoleAssistant, CreatedAt: time.Unix(1700000000, 0)}
	m.Parts = []types.Part{{Kind: types.PartReasoning, Text: "thinking"}}
	require.NoError(t, s.UpsertMessage(ctx, m))

	m.Parts = append(m.Parts, types.Part{Kind: types.PartText, Text: "answer"})
	require.NoError(t, s.UpsertMessage(ctx, m))

	got, err := s.GetMessage(ctx, "a1")
	require.NoError(t, err)
	if diff := cmp.Diff(m.Parts, got.Parts); diff != "" {
		t.Errorf("parts mismatch (-want +got):\n%s", diff)
	}

	first := <-ch
	second := <-ch
	assert.Equal(t, OpInsert, first.Op)
	assert.Equal(t, OpUpdate, second.Op)
	assert.Equal(t, "answer", second.Message.Text())
}

func TestDeleteMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertMessage(ctx, msgAt("m1", "c1", types.RoleUser, "hi", 0)))

	require.NoError(t, s.DeleteMessage(ctx, "c1", "m1"))
	assert.ErrorIs(t, s.DeleteMessage(ctx, "c1", "m1"), ErrNotFound)

	_, err := s.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMalformedRowSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertMessage(ctx, msgAt("m1", "c1", types.RoleUser, "ok", 0)))
	_, err := s.db.Exec(`INSERT INTO messages (id, conversation_id, role, parts_json, created_at) VALUES ('bad', 'c1', 'user', '{not json', 1)`)
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO messages (id, conversation_id, role, parts_json, created_at) VALUES ('bad2', 'c1', 'robot', '[]', 2)`)
	require.NoError(t, err)

	msgs, err := s.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tick := time.Unix(1700000000, 0)
	s.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	c, err := s.CreateConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)

	_, err = s.CreateConversation(ctx, "c2")
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, "")
	assert.Error(t, err)

	require.NoError(t, s.SetTitle(ctx, "c1", "Gas prices"))
	assert.ErrorIs(t, s.SetTitle(ctx, "missing", "x"), ErrNotFound)

	// Writing to c1 makes it the most recent.
	require.NoError(t, s.InsertMessage(ctx, msgAt("m1", "c1", types.RoleUser, "hi", 0)))

	list, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].ID)
	assert.Equal(t, "Gas prices", list[0].Title)

	_, err = s.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteConversationCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch, unsub := s.Subscribe(8)
	defer unsub()

	require.NoError(t, s.InsertMessage(ctx, msgAt("m1", "c1", types.RoleUser, "hi", 0)))
	require.NoError(t, s.InsertMessage(ctx, msgAt("m2", "c1", types.RoleAssistant, "hello", 1)))
	<-ch
	<-ch

	require.NoError(t, s.DeleteConversation(ctx, "c1"))
	msgs, err := s.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	change := <-ch
	assert.Equal(t, OpConversationDeleted, change.Op)
	assert.Equal(t, "c1", change.ConversationID)

	assert.ErrorIs(t, s.DeleteConversation(ctx, "c1"), ErrNotFound)
}

func TestKV(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetItem(ctx, "k", "v1"))
	require.NoError(t, s.SetItem(ctx, "k", "v2"))
	v, ok, err := s.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.RemoveItem(ctx, "k"))
	require.NoError(t, s.RemoveItem(ctx, "k"))
	_, ok, _ = s.GetItem(ctx, "k")
	assert.False(t, ok)
}

func TestKVPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"draft:a", "draft:b", "drafts", "active_conversation_id", "draft%x"} {
		require.NoError(t, s.SetItem(ctx, k, "x"))
	}

	keys, err := s.Keys(ctx, "draft:")
	require.NoError(t, err)
	assert.Equal(t, []string{"draft:a", "draft:b"}, keys)

	n, err := s.RemovePrefix(ctx, "draft:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err = s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"active_conversation_id", "draft%x", "drafts"}, keys)
}

func TestSubscribeDropsWhenFull(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ch, unsub := s.Subscribe(1)

	require.NoError(t, s.InsertMessage(ctx, msgAt("m1", "c1", types.RoleUser, "a", 0)))
	require.NoError(t, s.InsertMessage(ctx, msgAt("m2", "c1", types.RoleUser, "b", 1)))

	assert.Equal(t, 1, s.Dropped())
	assert.Equal(t, "m1", (<-ch).Message.ID)

	unsub()
	_, open := <-ch
	assert.False(t, open)
	unsub()
}

func TestCloseClosesSubscribers(t *testing.T) {
	s, err := NewLocalStore(":memory:")
	require.NoError(t, err)
	ch, _ := s.Subscribe(1)
	require.NoError(t, s.Close())

	_, open := <-ch
	assert.False(t, open)

	late, _ := s.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
}

func TestCgoDriver(t *testing.T) {
	s, err := Open(CgoDriver, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.InsertMessage(ctx, msgAt("m1", "c1", types.RoleUser, "hi", 0)))
	msgs, err := s.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, CgoDriver, s.Driver())
}
