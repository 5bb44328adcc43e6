package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openalpha/clob-dex/errs"
)

// TemplateID is a fully qualified template identity on the ledger.
type TemplateID struct {
	PackageID string
	Module    string
	Entity    string
}

// String renders the identity in packageId:module:entity form.
func (t TemplateID) String() string {
	return t.PackageID + ":" + t.Module + ":" + t.Entity
}

// QualifiedName renders the package-independent module:entity form.
func (t TemplateID) QualifiedName() string {
	return t.Module + ":" + t.Entity
}

// Matches reports whether the identity names the given module and entity,
// ignoring the package id.
func (t TemplateID) Matches(module, entity string) bool {
	return t.Module == module && t.Entity == entity
}

// ParseTemplateID parses a packageId:module:entity string.
func ParseTemplateID(s string) (TemplateID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return TemplateID{}, errs.ErrValidation.Wrapf("malformed template id %q", s)
	}
	return TemplateID{PackageID: parts[0], Module: parts[1], Entity: parts[2]}, nil
}

// MarshalJSON encodes the identity as its string form.
func (t TemplateID) MarshalJSON() ([]byte, error) {
	if t.PackageID == "" {
		return nil, fmt.Errorf("template id %s is not package-qualified", t.QualifiedName())
	}
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes the string form.
func (t *TemplateID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTemplateID(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// CreateCommand creates a contract instance of a template.
type CreateCommand struct {
	TemplateID TemplateID `json:"templateId"`
	Payload    any        `json:"payload"`
}

// ExerciseCommand exercises a choice on an existing contract.
type ExerciseCommand struct {
	TemplateID TemplateID `json:"templateId"`
	ContractID string     `json:"contractId"`
	Choice     string     `json:"choice"`
	Argument   any        `json:"argument"`
}

// Command is either a create or an exercise; exactly one field is set.
type Command struct {
	Create   *CreateCommand   `json:"create,omitempty"`
	Exercise *ExerciseCommand `json:"exercise,omitempty"`
}

// NewCreate wraps a CreateCommand.
func NewCreate(tmpl TemplateID, payload any) Command {
	return Command{Create: &CreateCommand{TemplateID: tmpl, Payload: payload}}
}

// NewExercise wraps an ExerciseCommand.
func NewExercise(tmpl TemplateID, contractID, choice string, argument any) Command {
	return Command{Exercise: &ExerciseCommand{
		TemplateID: tmpl,
		ContractID: contractID,
		Choice:     choice,
		Argument:   argument,
	}}
}

// SubmitRequest is a single atomic command submission.
//
// CommandID must be caller-supplied and stable for the intent: repeating the
// same id within the ledger's deduplication window must not produce a second
// effect, and retries after failures of unknown outcome reuse it.
type SubmitRequest struct {
	CommandID string    `json:"commandId"`
	ActAs     []string  `json:"actAs"`
	Commands  []Command `json:"commands"`
}

// EventKind classifies ledger events.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventExercised EventKind = "exercised"
	EventArchived  EventKind = "archived"
)

// Event is a single contract event within a ledger transaction.
type Event struct {
	Kind       EventKind       `json:"kind"`
	TemplateID TemplateID      `json:"templateId"`
	ContractID string          `json:"contractId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Choice     string          `json:"choice,omitempty"`
	Offset     uint64          `json:"offset"`
}

// Update is an ordered batch of events sharing one transaction offset.
type Update struct {
	Offset uint64  `json:"offset"`
	Events []Event `json:"events"`
}

// SubmitResult reports the outcome of a successful submission.
type SubmitResult struct {
	UpdateOffset uint64  `json:"updateOffset"`
	Events       []Event `json:"events"`
}

// ActiveContract is a contract visible to the querying party.
type ActiveContract struct {
	ContractID string          `json:"contractId"`
	TemplateID TemplateID      `json:"templateId"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  uint64          `json:"createdAt"` // creation offset
}

// Gateway is the typed client surface over the ledger submit/query/stream
// APIs. All implementations must be safe for concurrent use.
type Gateway interface {
	// Submit submits one atomic command and waits for the result.
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)

	// QueryActive returns the active contracts of the given templates
	// visible to party. The party filter is mandatory.
	QueryActive(ctx context.Context, party string, templateIDs ...TemplateID) ([]ActiveContract, error)

	// StreamUpdates streams updates with offsets strictly greater than
	// fromOffset. The channel is closed when the stream ends or fails;
	// callers reconnect from their last processed offset.
	StreamUpdates(ctx context.Context, fromOffset uint64) (<-chan Update, error)

	// LookupPackageID discovers the package hosting the named template.
	// Results are cached for the process lifetime.
	LookupPackageID(ctx context.Context, module, entity string) (string, error)
}

// DecodePayload decodes a contract payload into a typed value.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errs.ErrInternal.Wrapf("decode %T payload: %v", v, err)
	}
	return v, nil
}
