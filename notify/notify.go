/*
Package notify tells the operator when the price leader of a tracked product changes.
*/
package notify

import (
	"context"
	"errors"
	"fmt"

	"meli-leader-bot/models"
	"meli-leader-bot/utils"
)

// ErrNoTransport is returned when no delivery channel has credentials.
var ErrNoTransport = errors.New("notify: no transport configured (missing credentials)")

// Change describes a detected leader transition.
type Change struct {
	ProductID string
	// PreviousID is empty when nothing was recorded before.
	PreviousID string
	// LeaderID is the identity that was persisted (seller id or listing id).
	LeaderID string
	// ItemIdentity is set when PreviousID and LeaderID are listing ids.
	ItemIdentity bool
	Leader   models.Listing
	Top      []models.Listing
}

// Message is a rendered notification. Text is plain, HTML uses the subset
// Telegram accepts.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

// Sender delivers a rendered message over one transport.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// NameResolver maps a seller id to a display name.
type NameResolver interface {
	Nickname(ctx context.Context, sellerID string) (string, error)
}

// Notifier renders leader changes and hands them to a Sender.
type Notifier struct {
	sender   Sender
	names    NameResolver
	renderer *Renderer
	logger   *utils.Logger
}

// NewNotifier creates a Notifier. names may be nil, in which case raw ids are shown.
func NewNotifier(sender Sender, names NameResolver, logger *utils.Logger) *Notifier {
	return &Notifier{
		sender:   sender,
		names:    names,
		renderer: NewRenderer(),
		logger:   logger,
	}
}

// Notify renders c and delivers it once. Delivery errors are returned but
// never retried here.
func (n *Notifier) Notify(ctx context.Context, c Change) error {
	if n.sender == nil {
		return ErrNoTransport
	}

	msg := n.renderer.Render(c, n.resolveNames(ctx, c))
	if err := n.sender.Send(ctx, msg); err != nil {
		n.logger.Error("[notify] Delivery failed for %s: %v", c.ProductID, err)
		return fmt.Errorf("notify %s: %w", c.ProductID, err)
	}

	n.logger.Info("[notify] Sent: %s", msg.Subject)
	return nil
}

// resolveNames looks up every seller id mentioned in c once. Ids that cannot
// be resolved are left out and render as themselves. Listing ids are never
// sent to the resolver.
func (n *Notifier) resolveNames(ctx context.Context, c Change) map[string]string {
	names := make(map[string]string)
	if n.names == nil {
		return names
	}

	var ids []string
	if !c.ItemIdentity {
		ids = append(ids, c.PreviousID)
	}
	ids = append(ids, c.Leader.SellerID)
	for _, l := range c.Top {
		ids = append(ids, l.SellerID)
	}

	tried := make(map[string]bool)
	for _, id := range ids {
		if id == "" || tried[id] {
			continue
		}
		tried[id] = true

		nick, err := n.names.Nickname(ctx, id)
		if err != nil {
			n.logger.Debug("[notify] No nickname for %s: %v", id, err)
			continue
		}
		names[id] = nick
	}
	return names
}
