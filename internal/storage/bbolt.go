// Package storage persists users, the message log and push subscriptions in
// a single bbolt file. Messages are keyed by sequence number so the recent
// window can be read back in order after a restart.
package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"parlor/internal/auth"
	"parlor/internal/models"
)

var (
	bucketUsers    = []byte("users")
	bucketMessages = []byte("messages")
	bucketPushSubs = []byte("push_subscriptions")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketPushSubs); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertCredentials stores new or updated user credentials.
func (s *BboltStorage) UpsertCredentials(credentials auth.Credentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{
			ID:                  credentials.ID,
			UserName:            credentials.UserName,
			DisplayName:         credentials.DisplayName,
			Moderator:           credentials.Moderator,
			PasswordHash:        credentials.PasswordHash,
			FailedLoginAttempts: credentials.FailedLoginAttempts,
			LastAttemptTime:     credentials.LastAttemptTime,
		}

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

// ListCredentials returns all user credentials stored in the database.
func (s *BboltStorage) ListCredentials() ([]auth.Credentials, error) {
	var credentials []auth.Credentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			credentials = append(credentials, auth.Credentials{
				User: models.User{
					ID:          dbUser.ID,
					UserName:    dbUser.UserName,
					DisplayName: dbUser.DisplayName,
					Moderator:   dbUser.Moderator,
				},
				PasswordHash:        dbUser.PasswordHash,
				FailedLoginAttempts: dbUser.FailedLoginAttempts,
				LastAttemptTime:     dbUser.LastAttemptTime,
			})
			return nil
		})
	})
	return credentials, err
}

// AppendMessage saves a chat message to the database keyed by its sequence
// number.
func (s *BboltStorage) AppendMessage(message models.ChatMessage) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		dbMessage := DBMessage{
			ID:            message.ID,
			CorrelationID: message.CorrelationID,
			Seq:           message.Seq,
			Timestamp:     message.CreatedAt.UnixMilli(),
			AuthorID:      message.AuthorID,
			AuthorName:    message.AuthorName,
			Content:       message.Content,
		}

		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return b.Put(dbMessage.Key(), data)
	})
}

// MarkMessageDeleted sets the tombstone flag on a message by id. Returns
// models.ErrNotFound when no live message has that id.
func (s *BboltStorage) MarkMessageDeleted(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.ID != id || dbMsg.Deleted {
				continue
			}
			dbMsg.Deleted = true
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return err
			}
			return b.Put(k, data)
		}
		return models.ErrNotFound
	})
}

// ListMessages returns up to limit live messages, oldest first.
func (s *BboltStorage) ListMessages(limit int) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(messages) < limit; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.Deleted {
				continue
			}
			messages = append(messages, models.ChatMessage{
				ID:            dbMsg.ID,
				CorrelationID: dbMsg.CorrelationID,
				Seq:           dbMsg.Seq,
				AuthorID:      dbMsg.AuthorID,
				AuthorName:    dbMsg.AuthorName,
				Content:       dbMsg.Content,
				CreatedAt:     time.UnixMilli(dbMsg.Timestamp),
				State:         models.MessageConfirmed,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Cursor walked newest to oldest.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LastSeq returns the highest stored sequence number, or -1 when the log is
// empty.
func (s *BboltStorage) LastSeq() (int64, error) {
	seq := int64(-1)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(v); err != nil {
			return err
		}
		seq = dbMsg.Seq
		return nil
	})
	return seq, err
}

// UpsertPushSubscription stores one web push subscription per user.
func (s *BboltStorage) UpsertPushSubscription(userID string, subscription []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubs)
		dbSub := &DBPushSubscription{
			UserID:       userID,
			Subscription: subscription,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) DeletePushSubscription(userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubs).Delete([]byte(userID))
	})
}

// ListPushSubscriptions returns userID -> raw subscription JSON.
func (s *BboltStorage) ListPushSubscriptions() (map[string][]byte, error) {
	subs := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubs)
		return b.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs[dbSub.UserID] = dbSub.Subscription
			return nil
		})
	})
	return subs, err
}
