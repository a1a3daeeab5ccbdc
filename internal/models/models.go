package models

import (
	"fmt"
	"time"
)

// Any is the wildcard token a psychologist may carry in an acceptance set.
// A set containing Any accepts every value of that attribute.
const Any = "any"

// Language codes a client can ask to be consulted in.
const (
	LangRussian = "ru"
	LangKazakh  = "kz"
)

// Client sex values.
const (
	SexMale   = "male"
	SexFemale = "female"
)

type AssignmentStatus string

const (
	AssignmentOffered  AssignmentStatus = "offered"
	AssignmentClaimed  AssignmentStatus = "claimed"
	AssignmentFinished AssignmentStatus = "finished"
	AssignmentDeclined AssignmentStatus = "declined"
)

// ProblemKind is one entry of the fixed problem catalog shown during intake.
type ProblemKind struct {
	ID    string
	Label string
}

// ProblemKinds is the catalog both intake dialogues are built from. Slug ids
// are stored, labels are only ever shown to users.
var ProblemKinds = []ProblemKind{
	{"anxiety", "Anxiety and panic"},
	{"depression", "Depressed mood"},
	{"relationships", "Relationship problems"},
	{"family", "Family conflicts"},
	{"self_esteem", "Self-esteem"},
	{"grief", "Grief and loss"},
	{"burnout", "Burnout and stress"},
	{"addiction", "Addictions"},
	{"other", "Something else"},
}

// ProblemKindLabel returns the human label for a catalog id, or the id itself
// for anything unknown.
func ProblemKindLabel(id string) string {
	for _, k := range ProblemKinds {
		if k.ID == id {
			return k.Label
		}
	}
	return id
}

// Client is a help-seeker's durable intake record. Score and Review stay nil
// until the feedback flow completes.
type Client struct {
	ChatID      int64     `json:"chat_id"`
	CreatedAt   time.Time `json:"created_at"`
	Name        string    `json:"name"`
	Lang        string    `json:"lang"`
	Sex         string    `json:"sex"`
	Age         int       `json:"age"`
	City        string    `json:"city"`
	ProblemType string    `json:"problem_type"`
	ProblemDesc string    `json:"problem_desc"`
	Score       *int      `json:"score,omitempty"`
	Review      *string   `json:"review,omitempty"`
}

// Summary renders the profile text sent to psychologists and admins.
func (c *Client) Summary() string {
	return fmt.Sprintf("Name: %s\nAge: %d\nCity: %s\nProblem: %s\nDetails: %s",
		c.Name, c.Age, c.City, ProblemKindLabel(c.ProblemType), c.ProblemDesc)
}

// Psychologist is a registered counselor with explicit acceptance sets.
// Langs and Sexes may contain the Any sentinel; ProblemTypes never does.
type Psychologist struct {
	ChatID       int64    `json:"chat_id"`
	Name         string   `json:"name"`
	Username     string   `json:"username"`
	Langs        []string `json:"langs"`
	Sexes        []string `json:"sexes"`
	ProblemTypes []string `json:"problem_types"`
}

// Accepts reports whether this psychologist can take the given client.
// Language and sex honor the Any wildcard; problem kind is exact membership.
func (p *Psychologist) Accepts(c *Client) bool {
	return containsOrAny(p.Langs, c.Lang) &&
		containsOrAny(p.Sexes, c.Sex) &&
		contains(p.ProblemTypes, c.ProblemType)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsOrAny(set []string, v string) bool {
	return contains(set, Any) || contains(set, v)
}

// Assignment ties one offer message to one psychologist and one client.
// Keyed by (PsChatID, MessageID) so a button press can find it.
type Assignment struct {
	ClientChatID int64            `json:"client_chat_id"`
	PsChatID     int64            `json:"ps_chat_id"`
	MessageID    int              `json:"message_id"`
	Status       AssignmentStatus `json:"status"`
}

// Admin is an operator identity receiving profile mirrors and escalations.
type Admin struct {
	ChatID int64 `json:"chat_id"`
}
