// Package sessiontest holds behavior tests shared by every session.Store.
package sessiontest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/antigravity/internal/session"
)

// RunStoreTests exercises the Store contract against stores built by newStore.
// Each subtest gets a fresh store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) session.Store) {
	ctx := context.Background()

	t.Run("create is durable and titled", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, "")
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, session.DefaultTitle, created.Title)

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Empty(t, got.History)
		assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Second)
	})

	t.Run("ids are unique", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Create(ctx, "a")
		require.NoError(t, err)
		b, err := s.Create(ctx, "b")
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("update round-trips history in order", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, "")
		require.NoError(t, err)

		var history []session.Turn
		for i := 0; i < 5; i++ {
			history = append(history, session.Turn{
				UserMessage: fmt.Sprintf("question %d", i),
				Assistant:   session.Text(fmt.Sprintf("answer %d", i)),
			})
			require.NoError(t, s.Update(ctx, created.ID, history, ""))
		}
		history = append(history, session.Turn{
			UserMessage: "draw a cat",
			Assistant:   session.MediaContent("/models/image/gen_6.png", "Generated Image"),
		})
		require.NoError(t, s.Update(ctx, created.ID, history, ""))

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		if diff := cmp.Diff(history, got.History); diff != "" {
			t.Errorf("history mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, session.DefaultTitle, got.Title, "empty title must not rename")
	})

	t.Run("update sets title", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, "")
		require.NoError(t, err)

		turns := []session.Turn{{UserMessage: "Hello", Assistant: session.Text("Hi")}}
		require.NoError(t, s.Update(ctx, created.ID, turns, "Greetings"))

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Greetings", got.Title)
	})

	t.Run("update unknown id", func(t *testing.T) {
		s := newStore(t)
		err := s.Update(ctx, "does-not-exist", nil, "")
		assert.ErrorIs(t, err, session.ErrSessionNotFound)
	})

	t.Run("get unknown id", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "does-not-exist")
		assert.ErrorIs(t, err, session.ErrSessionNotFound)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, "")
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, created.ID))
		require.NoError(t, s.Delete(ctx, created.ID))
		require.NoError(t, s.Delete(ctx, "never-existed"))

		_, err = s.Get(ctx, created.ID)
		assert.ErrorIs(t, err, session.ErrSessionNotFound)

		list, err := s.ListRecent(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("list recent is newest first", func(t *testing.T) {
		s := newStore(t)
		var ids []string
		for _, title := range []string{"first", "second", "third"} {
			created, err := s.Create(ctx, title)
			require.NoError(t, err)
			ids = append(ids, created.ID)
			time.Sleep(5 * time.Millisecond)
		}

		list, err := s.ListRecent(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{list[0].ID, list[1].ID, list[2].ID})
		assert.Equal(t, "third", list[0].Title)
	})

	t.Run("cleanup removes only empty sessions", func(t *testing.T) {
		s := newStore(t)
		empty1, err := s.Create(ctx, "")
		require.NoError(t, err)
		_, err = s.Create(ctx, "")
		require.NoError(t, err)
		kept, err := s.Create(ctx, "")
		require.NoError(t, err)
		require.NoError(t, s.Update(ctx, kept.ID, []session.Turn{{UserMessage: "hi", Assistant: session.Text("hello")}}, ""))

		n, err := s.CleanupEmpty(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.Get(ctx, empty1.ID)
		assert.ErrorIs(t, err, session.ErrSessionNotFound)
		_, err = s.Get(ctx, kept.ID)
		assert.NoError(t, err)

		n, err = s.CleanupEmpty(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
