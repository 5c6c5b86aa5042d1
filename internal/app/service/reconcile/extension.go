package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/remnawave"
	"github.com/fatflowers/vpnbilling/pkg/types"
)

const day = 24 * time.Hour

// ExtendFrom computes the new expiration for adding days to current. A missing or
// lapsed expiration restarts from now.
func ExtendFrom(current *time.Time, now time.Time, days int) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.Add(time.Duration(days) * day).UTC()
}

// ExtendRemote adds days to the directory record's expiration and activates it.
// Calling it twice adds the days twice.
func (e *Engine) ExtendRemote(ctx context.Context, remoteID string, days int) (*remnawave.User, error) {
	user, err := e.dir.GetUser(ctx, remoteID)
	if err != nil {
		return nil, fmt.Errorf("fetch remote user %s: %w", remoteID, err)
	}
	at := ExtendFrom(user.ExpireAt, e.Now(), days)
	updated, err := e.dir.SetExpiration(ctx, remoteID, at)
	if err != nil {
		return nil, fmt.Errorf("set remote expiration %s: %w", remoteID, err)
	}
	if updated.ExpireAt == nil {
		updated.ExpireAt = &at
	}
	return updated, nil
}

// cacheExtension copies a confirmed extension into the local cache.
func cacheExtension(sub *models.Subscriber, user *remnawave.User) {
	at := user.ExpireAt.UTC()
	sub.ExpiresAt = &at
	sub.IsActive = true
	if user.SubscriptionURL != "" {
		sub.SubscriptionURL = &user.SubscriptionURL
	}
}

// remoteState is what the directory says about access right now.
func remoteState(user *remnawave.User, now time.Time) (*time.Time, bool) {
	if user.ExpireAt == nil {
		return nil, false
	}
	at := user.ExpireAt.UTC()
	return &at, user.Status == types.RemoteStatusActive && at.After(now)
}
