package notify

import (
	"fmt"
	"html/template"
	"strings"
)

// Notification types accepted on the queue.
const (
	TypePurchaseConfirmation = "purchase_confirmation"
	TypeSaleNotification     = "sale_notification"
	TypeProductCreated       = "product_created"
	TypeNFTMinted            = "nft_minted"
)

// Subjects by notification type.
var subjects = map[string]string{
	TypePurchaseConfirmation: "Your Purchase Confirmation",
	TypeSaleNotification:     "You Made a Sale!",
	TypeProductCreated:       "Your Product Has Been Created",
	TypeNFTMinted:            "Your NFT Has Been Minted",
}

var templates = template.Must(template.New("mail").Parse(`
{{define "purchase_confirmation"}}
<p>Hi {{.Username}},</p>
<p>Thanks for your purchase of <strong>{{.ProductTitle}}</strong> (order {{.OrderID}}) for {{.Price}}.</p>
<p><a href="{{.DashboardURL}}">View your library</a></p>
{{end}}

{{define "sale_notification"}}
<p>Hi {{.Username}},</p>
<p>Your product <strong>{{.ProductTitle}}</strong> just sold for {{.Price}}. Your earnings: {{.Earnings}}.</p>
<p><a href="{{.DashboardURL}}">View your sales</a></p>
{{end}}

{{define "product_created"}}
<p>Hi {{.Username}},</p>
<p>Your product <strong>{{.ProductTitle}}</strong> is live.</p>
<p><a href="{{.ProductURL}}">View it here</a></p>
{{end}}

{{define "nft_minted"}}
<p>Hi {{.Username}},</p>
<p>Your NFT for <strong>{{.ProductTitle}}</strong> has been minted as token {{.TokenID}}.</p>
<p><a href="{{.ExplorerURL}}">View the transaction</a> or <a href="{{.ProductURL}}">see your product</a>.</p>
{{end}}
`))

// Subject returns the subject line for a notification type.
func Subject(notificationType string) (string, bool) {
	s, ok := subjects[notificationType]
	return s, ok
}

// Render fills the template for the notification type.
func Render(notificationType string, data any) (string, error) {
	var b strings.Builder
	if err := templates.ExecuteTemplate(&b, notificationType, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", notificationType, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// ExplorerURL maps a network name and transaction hash to a block explorer
// link for the minted-NFT mail.
func ExplorerURL(network, txnHash string) string {
	if network == "polygon-mainnet" {
		return "https://polygonscan.com/tx/" + txnHash
	}
	return "https://mumbai.polygonscan.com/tx/" + txnHash
}
