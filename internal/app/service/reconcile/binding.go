package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/fatflowers/vpnbilling/internal/models"
	"github.com/fatflowers/vpnbilling/internal/platform/remnawave"
)

const maxRemoteNameLen = 50

// NameCandidate derives one possible directory username for a subscriber.
// An empty result means the convention does not apply.
type NameCandidate func(prefix string, sub *models.Subscriber) string

func withUsername(prefix string, sub *models.Subscriber) string {
	u := strings.TrimPrefix(lo.FromPtr(sub.Username), "@")
	if u == "" {
		return ""
	}
	return fmt.Sprintf("%s_%d_%s", prefix, sub.ExternalID, u)
}

func bareID(prefix string, sub *models.Subscriber) string {
	return fmt.Sprintf("%s_%d", prefix, sub.ExternalID)
}

func dashed(prefix string, sub *models.Subscriber) string {
	return fmt.Sprintf("%s_%d_-", prefix, sub.ExternalID)
}

// DefaultNameCandidates lists the historical naming conventions, most specific first.
func DefaultNameCandidates() []NameCandidate {
	return []NameCandidate{withUsername, bareID, dashed}
}

// PrimaryName is the username used when provisioning a new directory record.
func PrimaryName(prefix string, sub *models.Subscriber) string {
	name := withUsername(prefix, sub)
	if name == "" {
		name = dashed(prefix, sub)
	}
	if len(name) > maxRemoteNameLen {
		name = bareID(prefix, sub)
	}
	return name
}

// CandidateNames evaluates gens in order, dropping empty, oversized and repeated names,
// and returns at most max names.
func CandidateNames(prefix string, sub *models.Subscriber, gens []NameCandidate, max int) []string {
	out := make([]string, 0, max)
	for _, gen := range gens {
		if len(out) >= max {
			break
		}
		name := gen(prefix, sub)
		if name == "" || len(name) > maxRemoteNameLen || lo.Contains(out, name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// ResolveBinding looks the subscriber up in the directory by the candidate names and
// records the first match on sub. It returns ErrRemoteBindingMissing when nothing matched.
func (e *Engine) ResolveBinding(ctx context.Context, sub *models.Subscriber) (*remnawave.User, error) {
	names := CandidateNames(e.cfg.Remnawave.UsernamePrefix, sub, e.names, e.cfg.Billing.MaxNameCandidates)
	var lastErr error
	for _, name := range names {
		user, err := e.dir.GetUserByUsername(ctx, name)
		if errors.Is(err, remnawave.ErrNotFound) {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		Bind(sub, user)
		e.log.Infow("remote binding resolved", "external_id", sub.ExternalID, "remote_name", user.Username)
		return user, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteBindingMissing, lastErr)
	}
	return nil, ErrRemoteBindingMissing
}

// Bind records user as the subscriber's directory record.
func Bind(sub *models.Subscriber, user *remnawave.User) {
	sub.RemoteID = lo.ToPtr(user.UUID)
	sub.RemoteName = lo.ToPtr(user.Username)
	if user.SubscriptionURL != "" {
		sub.SubscriptionURL = lo.ToPtr(user.SubscriptionURL)
	}
}
