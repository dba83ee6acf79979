package repositories

import (
	"context"
	"encoding/json"
	"negotiation-lab/contract"
	"negotiation-lab/domain"
	"negotiation-lab/errors"

	"github.com/dgraph-io/badger/v4"
)

var _ contract.ConversationDirectory = (*ConversationRepository)(nil)

type ConversationRepository struct {
	db *badger.DB
}

func NewConversationRepository(db *badger.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func conversationKey(id string) []byte {
	return []byte("conversation:" + id)
}

// CreateConversation persists the conversation once. A second call with the
// same id fails with ErrConversationExists: parties of a conversation never change.
func (r *ConversationRepository) CreateConversation(ctx context.Context, conversation domain.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := conversation.Validate(); err != nil {
		return err
	}
	err := r.db.Update(func(txn *badger.Txn) error {
		key := conversationKey(conversation.ID)
		if _, err := txn.Get(key); err == nil {
			return errors.ErrConversationExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, conversation)
	})
	return commitError(err)
}

func (r *ConversationRepository) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, err
	}
	var conversation domain.Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, conversationKey(id), &conversation)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Conversation{}, errors.ErrConversationNotFound
	}
	return conversation, err
}

// ListConversations returns every conversation, ordered by id.
func (r *ConversationRepository) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var conversations []domain.Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := conversationKey("")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var conversation domain.Conversation
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &conversation)
			}); err != nil {
				return err
			}
			conversations = append(conversations, conversation)
		}
		return nil
	})
	return conversations, err
}
