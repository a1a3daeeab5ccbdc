package gateway

import "strings"

// TextEvent is an inbound plain-text message from one user.
type TextEvent struct {
	ChatID   int64
	Username string
	Text     string
}

// ControlEvent is an inbound button press on a previously sent message.
// Data is the raw callback payload ("kind:value").
type ControlEvent struct {
	CallbackID string
	ChatID     int64
	Username   string
	MessageID  int
	Data       string
}

// Kind returns the payload part before the first colon.
func (e ControlEvent) Kind() string {
	kind, _, _ := strings.Cut(e.Data, ":")
	return kind
}

// Value returns the payload part after the first colon.
func (e ControlEvent) Value() string {
	_, value, _ := strings.Cut(e.Data, ":")
	return value
}

// Option is one button: a label shown to the user and the value it submits.
type Option struct {
	Label string
	Value string
}

// Controls is a set of buttons attached to an outbound message. Every button
// submits "Kind:Value" so one handler can dispatch a whole control family.
type Controls struct {
	Kind    string
	Options []Option
}

// Data returns the callback payload for the given option value.
func (c Controls) Data(value string) string {
	return c.Kind + ":" + value
}

type TextHandler struct {
	Match  func(TextEvent) bool
	Handle func(TextEvent)
}

type ControlHandler struct {
	Match  func(ControlEvent) bool
	Handle func(ControlEvent)
}

// Gateway abstracts the messaging transport. Handlers are matched in
// registration order; the first match wins and later handlers never see the
// event.
type Gateway interface {
	SendMessage(chatID int64, text string) error
	// SendControls sends text with buttons and returns the message id the
	// transport assigned, used later to key assignments and edit controls.
	SendControls(chatID int64, text string, controls Controls) (int, error)
	// EditControls replaces the buttons on an existing message. A nil
	// controls Options slice removes them.
	EditControls(chatID int64, messageID int, controls *Controls) error
	// AnswerControl acknowledges a button press with a short notice shown
	// only to the presser.
	AnswerControl(callbackID, text string) error
	SendDocument(chatID int64, filename string, data []byte) error

	RegisterTextHandler(h TextHandler)
	RegisterControlHandler(h ControlHandler)
}
