package notify

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"meli-leader-bot/models"
)

// Renderer builds the Spanish-language leader change message.
type Renderer struct{}

func NewRenderer() *Renderer { return &Renderer{} }

// Render produces the plain and HTML bodies for c. names maps seller ids to
// nicknames; anything missing falls back to the raw id.
func (r *Renderer) Render(c Change, names map[string]string) *Message {
	previous := previousName(c, names)
	current := leaderName(c, names)
	price := formatPrice(c.Leader)

	var text, htm strings.Builder

	fmt.Fprintf(&text, "🔔 Cambio de líder en %s\n\n", c.ProductID)
	fmt.Fprintf(&text, "Antes: %s\n", previous)
	fmt.Fprintf(&text, "Ahora: %s\n", current)
	fmt.Fprintf(&text, "Precio: %s\n", price)

	fmt.Fprintf(&htm, "🔔 <b>Cambio de líder en %s</b>\n\n", html.EscapeString(c.ProductID))
	fmt.Fprintf(&htm, "Antes: %s\n", html.EscapeString(previous))
	fmt.Fprintf(&htm, "Ahora: <b>%s</b>\n", html.EscapeString(current))
	fmt.Fprintf(&htm, "Precio: <b>%s</b>\n", html.EscapeString(price))

	if len(c.Top) > 0 {
		fmt.Fprintf(&text, "\nTop %d:\n", len(c.Top))
		fmt.Fprintf(&htm, "\n<b>Top %d:</b>\n", len(c.Top))
		for i, l := range c.Top {
			name := listingName(l, names)
			fmt.Fprintf(&text, "%d. %s - %s\n", i+1, name, formatPrice(l))
			fmt.Fprintf(&htm, "%d. %s - %s\n", i+1, html.EscapeString(name), html.EscapeString(formatPrice(l)))
		}
	}

	return &Message{
		Subject: fmt.Sprintf("Nuevo líder en %s: %s", c.ProductID, current),
		Text:    text.String(),
		HTML:    htm.String(),
	}
}

func leaderName(c Change, names map[string]string) string {
	if name := listingLabel(c.Leader, names, c.ItemIdentity); name != "" {
		return name
	}
	return c.LeaderID
}

// previousName renders PreviousID. Under item identity the previous listing is
// named from the top list when it is still there.
func previousName(c Change, names map[string]string) string {
	switch {
	case c.PreviousID == "":
		return "(sin registro previo)"
	case !c.ItemIdentity:
		return displayName(c.PreviousID, names)
	}
	for _, l := range c.Top {
		if l.ID == c.PreviousID {
			return listingLabel(l, names, true)
		}
	}
	return c.PreviousID
}

// listingName prefers the seller nickname, then the seller id, then the title.
func listingName(l models.Listing, names map[string]string) string {
	return listingLabel(l, names, false)
}

// listingLabel returns the seller nickname when one was resolved. Otherwise
// it falls back to the seller id (unless skipSellerID), the title and the
// listing id, in that order.
func listingLabel(l models.Listing, names map[string]string, skipSellerID bool) string {
	if name, ok := names[l.SellerID]; ok && name != "" && l.SellerID != "" {
		return name
	}
	if l.SellerID != "" && !skipSellerID {
		return l.SellerID
	}
	if l.Title != "" {
		return l.Title
	}
	return l.ID
}

func displayName(id string, names map[string]string) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return id
}

func formatPrice(l models.Listing) string {
	if !l.HasPrice() {
		return "s/precio"
	}
	return "$" + l.Price.Decimal.StringFixed(2)
}
