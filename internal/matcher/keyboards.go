package matcher

import "github.com/zhandos-dev/komek-bot/internal/gateway"

// Control families the matcher owns, as plain data. The feedback score
// keyboard lives in the feedback dialogue definition and goes through the
// conversation engine instead.
var (
	offerControls = gateway.Controls{
		Kind: "offer",
		Options: []gateway.Option{
			{Label: "Take", Value: "take"},
			{Label: "Decline", Value: "decline"},
			{Label: "Status", Value: "status"},
		},
	}

	handoffControls = gateway.Controls{
		Kind: "handoff",
		Options: []gateway.Option{
			{Label: "Client went silent", Value: "silent"},
			{Label: "Session finished", Value: "finished"},
		},
	}
)
