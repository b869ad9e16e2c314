package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/vedran77/chatsync/internal/domain"
)

type snapshot struct {
	conversations []domain.ConversationSummary
	groups        []domain.Group
	messages      map[string][]domain.ChatMessage
}

// Checkpoint writes the current mirror to the repository. Unconfirmed
// messages are not persisted.
func (e *Engine) Checkpoint(ctx context.Context) error {
	repo := e.opts.Repository
	if repo == nil {
		return nil
	}

	snap, err := query(ctx, e, func() (snapshot, error) {
		s := snapshot{
			conversations: e.conversations.List(),
			groups:        e.groups.List(),
			messages:      make(map[string][]domain.ChatMessage),
		}
		for _, key := range e.messages.Keys() {
			s.messages[key] = e.messages.Messages(key)
		}
		return s, nil
	})
	if err != nil {
		return err
	}

	owner := e.UserID()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	g.Go(func() error {
		return repo.SaveConversations(gctx, owner, snap.conversations)
	})
	g.Go(func() error {
		return repo.SaveGroups(gctx, owner, snap.groups)
	})
	for key, msgs := range snap.messages {
		key, msgs := key, msgs
		g.Go(func() error {
			return repo.SaveMessages(gctx, owner, key, msgs)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	e.log.Debug().
		Int("conversations", len(snap.conversations)).
		Int("groups", len(snap.groups)).
		Msg("Mirror checkpointed")
	return nil
}

// Restore loads the last checkpoint into the stores. It must be called
// before Run; a Run started meanwhile waits for it to finish. The first
// snapshot from the server replaces what it loaded.
func (e *Engine) Restore(ctx context.Context) error {
	repo := e.opts.Repository
	if repo == nil {
		return nil
	}
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.running.Load() {
		return ErrAlreadyRunning
	}

	owner := e.UserID()
	convs, err := repo.ListConversations(ctx, owner)
	if err != nil {
		return fmt.Errorf("restore conversations: %w", err)
	}
	groups, err := repo.ListGroups(ctx, owner)
	if err != nil {
		return fmt.Errorf("restore groups: %w", err)
	}

	keys := make([]string, 0, len(convs)+len(groups))
	for _, c := range convs {
		keys = append(keys, c.Key)
	}
	for _, g := range groups {
		keys = append(keys, g.ID)
	}

	history := make([][]domain.ChatMessage, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			msgs, err := repo.ListMessages(gctx, owner, key, DefaultHistoryLimit)
			history[i] = msgs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("restore messages: %w", err)
	}

	e.conversations.ReplaceAll(convs)
	e.groups.ReplaceAll(groups)
	for i, key := range keys {
		e.messages.MergeHistory(key, history[i])
	}

	e.log.Info().
		Int("conversations", len(convs)).
		Int("groups", len(groups)).
		Msg("Mirror restored")
	return nil
}
