// Package dialog holds the fixed conversation scripts: client intake,
// psychologist intake and post-session feedback. Definitions are pure data
// built once at startup; the conversation engine supplies all behavior.
package dialog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zhandos-dev/komek-bot/internal/conversation"
	"github.com/zhandos-dev/komek-bot/internal/gateway"
	"github.com/zhandos-dev/komek-bot/internal/models"
)

const (
	ClientIntakeID       = "client-intake"
	PsychologistIntakeID = "psychologist-intake"
	FeedbackID           = "feedback"
)

const (
	clientGreeting = "Hello! I will ask you a few questions so we can find " +
		"the right psychologist for you. Your answers stay between us and the specialist."
	clientClosing = "Thank you! We are looking for a psychologist who matches " +
		"your request. You will get a message as soon as one takes your case."
	under18Disclaimer = "Unfortunately we only work with adults (18+). " +
		"Please reach out to the youth helpline 150 - they will help you."
)

// ClientIntake builds the help-seeker questionnaire.
func ClientIntake() *conversation.Definition {
	return &conversation.Definition{
		ID:      ClientIntakeID,
		Intro:   clientGreeting,
		Closing: clientClosing,
		Questions: []conversation.Question{
			{Key: "name", Prompt: "What is your name?"},
			{
				Key:    "lang",
				Prompt: "In which language would you like the consultation?",
				Options: []gateway.Option{
					{Label: "Russian", Value: models.LangRussian},
					{Label: "Kazakh", Value: models.LangKazakh},
				},
			},
			{
				Key:    "sex",
				Prompt: "Your sex?",
				Options: []gateway.Option{
					{Label: "Male", Value: models.SexMale},
					{Label: "Female", Value: models.SexFemale},
				},
			},
			{
				Key:      "age",
				Prompt:   "How old are you? (digits only, e.g. 21)",
				Validate: ValidateAge,
			},
			{Key: "city", Prompt: "Which city do you live in?"},
			{
				Key:     "problem_type",
				Prompt:  "What is troubling you? Pick the closest option",
				Options: problemOptions(),
			},
			{
				Key: "problem_desc",
				Prompt: "Describe your situation in a few sentences - " +
					"it helps us pick the right specialist for you.",
			},
		},
	}
}

// PsychologistIntake builds the counselor registration questionnaire.
func PsychologistIntake() *conversation.Definition {
	return &conversation.Definition{
		ID:      PsychologistIntakeID,
		Intro:   "Hello! Let me register you as a new psychologist.",
		Closing: "Registration complete. You will receive client offers here.",
		Questions: []conversation.Question{
			{Key: "name", Prompt: "What is your name?"},
			{
				Key:    "langs",
				Prompt: "In which language can you consult?",
				Options: []gateway.Option{
					{Label: "Russian", Value: models.LangRussian},
					{Label: "Kazakh", Value: models.LangKazakh},
					{Label: "Both", Value: models.Any},
				},
			},
			{
				Key:    "sexes",
				Prompt: "Whom can you consult?",
				Options: []gateway.Option{
					{Label: "Men", Value: models.SexMale},
					{Label: "Women", Value: models.SexFemale},
					{Label: "Both", Value: models.Any},
				},
			},
			{
				Key:      "problem_types",
				Prompt:   problemListPrompt(),
				Validate: ValidateProblemNumbers,
			},
		},
	}
}

// Feedback builds the post-session rating dialogue: a 1-5 score followed by a
// freeform review.
func Feedback() *conversation.Definition {
	scores := make([]gateway.Option, 0, 5)
	for i := 1; i <= 5; i++ {
		s := strconv.Itoa(i)
		scores = append(scores, gateway.Option{Label: s, Value: s})
	}
	return &conversation.Definition{
		ID:      FeedbackID,
		Closing: "Thank you! We were glad to help.",
		Questions: []conversation.Question{
			{
				Key:     "score",
				Prompt:  "How would you rate the consultation?",
				Options: scores,
			},
			{
				Key: "review",
				Prompt: "Your feedback matters a lot to us - please leave a " +
					"few words about the consultation.",
			},
		},
	}
}

// ValidateAge accepts digits only and rejects minors.
func ValidateAge(raw string) (string, error) {
	age, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return "", &conversation.FormatError{Hint: "Please enter your age as a number"}
	}
	if age < 18 {
		return "", &conversation.ClientError{Reason: under18Disclaimer}
	}
	return strconv.Itoa(age), nil
}

// ValidateProblemNumbers parses a space-separated list of catalog numbers
// ("1 4 9") into a space-joined list of problem kind ids.
func ValidateProblemNumbers(raw string) (string, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", &conversation.FormatError{Hint: "Please list at least one number"}
	}

	seen := make(map[string]bool)
	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 || n > len(models.ProblemKinds) {
			return "", &conversation.FormatError{
				Hint: fmt.Sprintf("Please use numbers between 1 and %d, separated by spaces", len(models.ProblemKinds)),
			}
		}
		id := models.ProblemKinds[n-1].ID
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return strings.Join(ids, " "), nil
}

func problemOptions() []gateway.Option {
	opts := make([]gateway.Option, 0, len(models.ProblemKinds))
	for _, k := range models.ProblemKinds {
		opts = append(opts, gateway.Option{Label: k.Label, Value: k.ID})
	}
	return opts
}

func problemListPrompt() string {
	var b strings.Builder
	b.WriteString("Which problems do you work with? Reply with the numbers separated by spaces, e.g. 1 4 9:\n")
	for i, k := range models.ProblemKinds {
		fmt.Fprintf(&b, "%d) %s\n", i+1, k.Label)
	}
	return strings.TrimRight(b.String(), "\n")
}
