package links

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("link not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidPatch      = errors.New("invalid link patch")
)

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status        *Status
	WordFilePath  *string
	FailureReason *string
	// From, when set, requires the current status to match.
	From *Status
}

func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}

// ClaimPatch moves a pending link to downloading. Only one caller can win it.
func ClaimPatch() Patch {
	from, to := StatusPending, StatusDownloading
	return Patch{Status: &to, From: &from}
}

func FinishedPatch(wordFilePath string) Patch {
	s := StatusFinished
	return Patch{Status: &s, WordFilePath: &wordFilePath}
}

func FailedPatch(reason string) Patch {
	s := StatusFailed
	return Patch{Status: &s, FailureReason: &reason}
}

func (p Patch) empty() bool {
	return p.Status == nil && p.WordFilePath == nil && p.FailureReason == nil
}

// apply validates p against the current record and returns the resulting one.
func (p Patch) apply(cur Link) (Link, error) {
	next := cur
	if p.From != nil && cur.Status != *p.From {
		return Link{}, fmt.Errorf("%w: expected %s, link is %s", ErrInvalidTransition, *p.From, cur.Status)
	}
	if p.Status != nil {
		to := *p.Status
		if !to.Valid() {
			return Link{}, fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, to)
		}
		if to == cur.Status && cur.Status.Terminal() {
			return Link{}, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, cur.Status)
		}
		if to != cur.Status && !CanTransition(cur.Status, to) {
			return Link{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
		}
		next.Status = to
	}
	if p.WordFilePath != nil {
		next.WordFilePath = nil
		if v := *p.WordFilePath; v != "" {
			next.WordFilePath = &v
		}
	}
	if p.FailureReason != nil {
		v := *p.FailureReason
		next.FailureReason = &v
	}

	hasPath := next.WordFilePath != nil
	if (next.Status == StatusFinished) != hasPath {
		return Link{}, fmt.Errorf("%w: word file path must be set iff finished (status=%s)", ErrInvalidPatch, next.Status)
	}
	if next.FailureReason != nil && next.Status != StatusFailed {
		return Link{}, fmt.Errorf("%w: failure reason on %s link", ErrInvalidPatch, next.Status)
	}
	return next, nil
}

type Repo struct {
	db          *gorm.DB
	locker      Locker
	maxAttempts int
	backoff     time.Duration
}

func NewRepo(db *gorm.DB, locker Locker) *Repo {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Repo{db: db, locker: locker, maxAttempts: 3, backoff: 50 * time.Millisecond}
}

func (r *Repo) Create(ctx context.Context, url string) (*Link, error) {
	l := &Link{URL: url, Status: StatusPending}
	err := r.withRetry(ctx, func() error {
		l.ID = 0
		return r.db.WithContext(ctx).Create(l).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}
	return l, nil
}

func (r *Repo) Get(ctx context.Context, id int64) (*Link, error) {
	var l Link
	if err := r.db.WithContext(ctx).First(&l, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

// List returns all links in creation order.
func (r *Repo) List(ctx context.Context) ([]Link, error) {
	var out []Link
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) ListByStatus(ctx context.Context, statuses ...Status) ([]Link, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var out []Link
	if err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies p to the link atomically. Writers to the same id are
// serialised through the locker; readers never wait on it.
func (r *Repo) Update(ctx context.Context, id int64, p Patch) (*Link, error) {
	if p.empty() {
		return r.Get(ctx, id)
	}

	unlock, err := r.locker.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, fmt.Errorf("lock link %d: %w", id, err)
	}
	defer unlock()

	var out Link
	err = r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var cur Link
			if err := tx.First(&cur, "id = ?", id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}

			next, err := p.apply(cur)
			if err != nil {
				return err
			}

			if err := tx.Model(&Link{}).
				Where("id = ?", id).
				Updates(map[string]any{
					"status":         next.Status,
					"word_file_path": next.WordFilePath,
					"failure_reason": next.FailureReason,
				}).Error; err != nil {
				return err
			}
			return tx.First(&out, "id = ?", id).Error
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrInvalidPatch) {
			return nil, err
		}
		return nil, fmt.Errorf("update link %d: %w", id, err)
	}
	return &out, nil
}

// withRetry retries fn on lock contention with jittered exponential backoff,
// at most maxAttempts calls in total.
func (r *Repo) withRetry(ctx context.Context, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.backoff
	eb.MaxInterval = 10 * r.backoff
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if r.maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(r.maxAttempts-1))
	}
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// isTransient reports errors worth retrying: lock contention in MySQL or SQLite.
func isTransient(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// 1213 deadlock, 1205 lock wait timeout
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

func lockKey(id int64) string {
	return "soundcloud_link:" + strconv.FormatInt(id, 10)
}
