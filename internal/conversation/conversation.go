package conversation

import "github.com/zhandos-dev/komek-bot/internal/gateway"

// FormatError marks an answer that is malformed but recoverable: the same
// question is asked again and the user may retry any number of times.
type FormatError struct {
	Hint string
}

func (e *FormatError) Error() string { return e.Hint }

// ClientError marks an answer that disqualifies the user: the dialogue ends
// immediately and the completion callback never fires.
type ClientError struct {
	Reason string
}

func (e *ClientError) Error() string { return e.Reason }

// Validator checks and optionally transforms a raw freeform answer. The value
// it returns is what gets stored, not the raw input. It may fail with
// *FormatError or *ClientError; any other error is treated as a format error.
type Validator func(raw string) (string, error)

// Question is a single step of a Definition. Options and Validate are
// mutually exclusive: option questions accept exactly the declared values and
// skip validation.
type Question struct {
	Key      string
	Prompt   string
	Options  []gateway.Option
	Validate Validator
}

// Definition is the fixed script of one dialogue type: an ordered question
// list with optional intro and closing texts. Built once at startup and never
// mutated afterwards.
type Definition struct {
	ID        string
	Intro     string
	Closing   string
	Questions []Question
}
