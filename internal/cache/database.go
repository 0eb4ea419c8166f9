package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/authkit/internal/models"
)

// errCreateConflict signals that a concurrent writer inserted the same key first.
var errCreateConflict = errors.New("cache: concurrent insert")

const maxCreateAttempts = 3

// DatabaseStore implements the cache Store interface using the primary SQL database.
type DatabaseStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDatabaseStore constructs a database-backed Store.
func NewDatabaseStore(db *gorm.DB, opts ...Option) *DatabaseStore {
	if db == nil {
		return nil
	}
	o := applyOptions(opts)
	return &DatabaseStore{db: db, now: o.now}
}

// IncrementWithTTL atomically increments a counter for the supplied key.
func (s *DatabaseStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	count, ttl, _, err := s.increment(ctx, key, 0, window)
	return count, ttl, err
}

// IncrementIfBelow increments key under a row lock when its value is below limit.
func (s *DatabaseStore) IncrementIfBelow(ctx context.Context, key string, limit int64, window time.Duration) (int64, time.Duration, bool, error) {
	if limit <= 0 {
		if s == nil {
			return 0, 0, false, ErrNotInitialised
		}
		entry, ok, err := s.load(ctx, key)
		if err != nil || !ok {
			return 0, 0, false, err
		}
		current, _ := strconv.ParseInt(string(entry.Value), 10, 64)
		return current, remaining(entry.ExpiresAt, s.now()), false, nil
	}
	return s.increment(ctx, key, limit, window)
}

func (s *DatabaseStore) increment(ctx context.Context, key string, limit int64, window time.Duration) (int64, time.Duration, bool, error) {
	if s == nil {
		return 0, 0, false, ErrNotInitialised
	}
	if ctx == nil {
		ctx = context.Background()
	}
	window = normaliseWindow(window)

	var (
		count    int64
		ttl      time.Duration
		admitted bool
		err      error
	)

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.now()

			var entry models.CacheEntry
			// Acquire row-level lock
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Take(&entry, keyEquals(key)).Error
			if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && expired(entry.ExpiresAt, now)) {
				return s.startWindow(tx, key, now.Add(window), err == nil, &count, &ttl, &admitted, now)
			}
			if err != nil {
				return err
			}

			current, _ := strconv.ParseInt(string(entry.Value), 10, 64)
			ttl = remaining(entry.ExpiresAt, now)
			if limit > 0 && current >= limit {
				count, admitted = current, false
				return nil
			}

			count, admitted = current+1, true
			return tx.Model(&models.CacheEntry{}).
				Where(keyEquals(key)).
				Update("value", []byte(strconv.FormatInt(count, 10))).Error
		})
		if !errors.Is(err, errCreateConflict) {
			break
		}
	}
	if err != nil {
		return 0, 0, false, err
	}
	return count, ttl, admitted, nil
}

// startWindow writes a fresh counter with value 1, replacing an expired row when one exists.
func (s *DatabaseStore) startWindow(tx *gorm.DB, key string, expiry time.Time, exists bool, count *int64, ttl *time.Duration, admitted *bool, now time.Time) error {
	*count, *ttl, *admitted = 1, expiry.Sub(now), true

	if exists {
		return tx.Model(&models.CacheEntry{}).
			Where(keyEquals(key)).
			Updates(map[string]any{"value": []byte("1"), "expires_at": expiry}).Error
	}

	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.CacheEntry{
		Key:       key,
		Value:     []byte("1"),
		ExpiresAt: expiry,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errCreateConflict
	}
	return nil
}

// Set upserts the value for a given key with expiry.
func (s *DatabaseStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil {
		return ErrNotInitialised
	}
	if ctx == nil {
		ctx = context.Background()
	}

	expiry := time.Time{}
	if ttl > 0 {
		expiry = s.now().Add(ttl)
	}

	entry := models.CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: expiry,
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).Create(&entry).Error
}

// Get retrieves a value by key, respecting expiry.
func (s *DatabaseStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, ErrNotInitialised
	}
	entry, ok, err := s.load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return entry.Value, true, nil
}

func (s *DatabaseStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if s == nil {
		return 0, false, ErrNotInitialised
	}
	entry, ok, err := s.load(ctx, key)
	if err != nil || !ok || entry.ExpiresAt.IsZero() {
		return 0, false, err
	}
	return remaining(entry.ExpiresAt, s.now()), true, nil
}

// Delete removes keys from the store.
func (s *DatabaseStore) Delete(ctx context.Context, keys ...string) error {
	if s == nil {
		return ErrNotInitialised
	}
	if len(keys) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	values := make([]any, len(keys))
	for i, key := range keys {
		values[i] = key
	}
	return s.db.WithContext(ctx).
		Where(clause.IN{Column: clause.Column{Name: "key"}, Values: values}).
		Delete(&models.CacheEntry{}).Error
}

// PurgeExpired removes rows whose expiry has passed. Rows without expiry are kept.
func (s *DatabaseStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, ErrNotInitialised
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := s.db.WithContext(ctx).
		Where("expires_at > ? AND expires_at <= ?", time.Time{}, s.now()).
		Delete(&models.CacheEntry{})
	return result.RowsAffected, result.Error
}

func (s *DatabaseStore) load(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Take(&entry, keyEquals(key)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, err
	}

	if expired(entry.ExpiresAt, s.now()) {
		_ = s.Delete(ctx, key)
		return models.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// keyEquals quotes the column name; "key" is reserved in MySQL.
func keyEquals(key string) clause.Expression {
	return clause.Eq{Column: clause.Column{Name: "key"}, Value: key}
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}
