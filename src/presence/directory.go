package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/notesync/src/types"
)

// UserLookup resolves a user id to its identity record.
type UserLookup interface {
	LookupUser(ctx context.Context, userID string) (types.UserInfo, error)
}

// Placeholder is the label shown until a user's identity resolves.
func Placeholder(userID string) string {
	if len(userID) <= 6 {
		return "User-" + userID + "..."
	}
	return "User-" + userID[:6] + "..."
}

// LabelFor picks the display label of a user record: email first, then
// display name. It returns "" when neither is set.
func LabelFor(info types.UserInfo) string {
	if info.Email != "" {
		return info.Email
	}
	return info.DisplayName
}

// Directory caches display labels for the session. Each user id is
// looked up at most once; failed lookups keep the placeholder.
type Directory struct {
	lookup  UserLookup
	timeout time.Duration
	logger  zerolog.Logger

	mu         sync.Mutex
	labels     map[string]string
	attempted  map[string]bool
	onResolved []func(userID, label string)
	wg         sync.WaitGroup
}

// NewDirectory creates a Directory. lookup may be nil, in which case
// only primed labels are known.
func NewDirectory(lookup UserLookup, timeout time.Duration, logger zerolog.Logger) *Directory {
	return &Directory{
		lookup:    lookup,
		timeout:   timeout,
		logger:    logger.With().Str("component", "directory").Logger(),
		labels:    make(map[string]string),
		attempted: make(map[string]bool),
	}
}

// Label returns the cached label or the placeholder.
func (d *Directory) Label(userID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.labels[userID]; ok {
		return l
	}
	return Placeholder(userID)
}

// Known reports whether a label has been resolved for userID.
func (d *Directory) Known(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.labels[userID]
	return ok
}

// Prime records a label already carried by a payload, such as the
// user records in a state snapshot.
func (d *Directory) Prime(info types.UserInfo) {
	label := LabelFor(info)
	if info.UserID == "" || label == "" {
		return
	}
	d.mu.Lock()
	d.labels[info.UserID] = label
	d.attempted[info.UserID] = true
	cbs := d.onResolved
	d.mu.Unlock()
	for _, cb := range cbs {
		cb(info.UserID, label)
	}
}

// OnResolved registers a callback run whenever a label becomes known.
func (d *Directory) OnResolved(cb func(userID, label string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onResolved = append(d.onResolved, cb)
}

// Resolve starts a background lookup for userID unless one has already
// been made.
func (d *Directory) Resolve(userID string) {
	if d.lookup == nil || userID == "" {
		return
	}
	d.mu.Lock()
	if d.attempted[userID] {
		d.mu.Unlock()
		return
	}
	d.attempted[userID] = true
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		info, err := d.lookup.LookupUser(ctx, userID)
		if err != nil {
			d.logger.Warn().Err(err).Str("user_id", userID).Msg("user lookup failed")
			return
		}
		if info.UserID == "" {
			info.UserID = userID
		}
		if LabelFor(info) == "" {
			return
		}
		d.Prime(info)
	}()
}

// Wait blocks until in-flight lookups finish.
func (d *Directory) Wait() {
	d.wg.Wait()
}
