package models

// ActionType is the discriminant of the Action union.
type ActionType string

const (
	ActionTypeWait          ActionType = "wait"
	ActionTypeSendMessage   ActionType = "send_message"
	ActionTypeAIMessage     ActionType = "ai_message"
	ActionTypeSendEmail     ActionType = "send_email"
	ActionTypeAddTag        ActionType = "add_tag"
	ActionTypeRemoveTag     ActionType = "remove_tag"
	ActionTypeTransfer      ActionType = "transfer"
	ActionTypeCloseNegative ActionType = "close_negative"
)

// Terminal reports whether the action type ends the flow and has no output.
func (t ActionType) Terminal() bool {
	return t == ActionTypeTransfer || t == ActionTypeCloseNegative
}

// SideEffect reports whether executing the action calls a collaborator.
func (t ActionType) SideEffect() bool {
	return t != ActionTypeWait
}

// Action is the closed set of action payloads. Implementations live in this
// package only.
type Action interface {
	Type() ActionType
	isAction()
}

// WaitAction suspends the instance.
type WaitAction struct {
	WaitTime int
	WaitUnit WaitUnit
}

// SendMessageAction sends literal template text on the lead's channel.
type SendMessageAction struct {
	Message string
}

// AIMessageAction generates text and sends it like SendMessageAction.
type AIMessageAction struct {
	Instructions string
	// MaxLength caps the generated text in runes; 0 means no cap.
	MaxLength int
}

// SendEmailAction sends an email.
type SendEmailAction struct {
	Subject string
	Body    string
}

// AddTagAction attaches tags to the lead.
type AddTagAction struct {
	Tags []Tag
}

// RemoveTagAction detaches tags, or every tag when RemoveAll is set.
type RemoveTagAction struct {
	Tags      []Tag
	RemoveAll bool
}

// TransferAction hands the lead to a human.
type TransferAction struct {
	Reason string
}

// CloseNegativeAction closes the lead's deal as lost.
type CloseNegativeAction struct {
	Reason string
}

// UnsupportedAction keeps an unknown actionType so the validator can report it.
type UnsupportedAction struct {
	Name string
}

func (WaitAction) Type() ActionType          { return ActionTypeWait }
func (SendMessageAction) Type() ActionType   { return ActionTypeSendMessage }
func (AIMessageAction) Type() ActionType     { return ActionTypeAIMessage }
func (SendEmailAction) Type() ActionType     { return ActionTypeSendEmail }
func (AddTagAction) Type() ActionType        { return ActionTypeAddTag }
func (RemoveTagAction) Type() ActionType     { return ActionTypeRemoveTag }
func (TransferAction) Type() ActionType      { return ActionTypeTransfer }
func (CloseNegativeAction) Type() ActionType { return ActionTypeCloseNegative }
func (a UnsupportedAction) Type() ActionType { return ActionType(a.Name) }

func (WaitAction) isAction()          {}
func (SendMessageAction) isAction()   {}
func (AIMessageAction) isAction()     {}
func (SendEmailAction) isAction()     {}
func (AddTagAction) isAction()        {}
func (RemoveTagAction) isAction()     {}
func (TransferAction) isAction()      {}
func (CloseNegativeAction) isAction() {}
func (UnsupportedAction) isAction()   {}

// Tag is a lead label owned by the tag store.
type Tag struct {
	Name  string `json:"name" yaml:"name"`
	Color string `json:"color,omitempty" yaml:"color,omitempty"`
}

// TagColors are the preset colors a tag may use.
var TagColors = []string{
	"#ef4444",
	"#f97316",
	"#eab308",
	"#22c55e",
	"#06b6d4",
	"#3b82f6",
	"#8b5cf6",
	"#ec4899",
}

// ValidTagColor reports whether color is one of the presets. Empty means the
// tag store picks one.
func ValidTagColor(color string) bool {
	if color == "" {
		return true
	}
	for _, c := range TagColors {
		if c == color {
			return true
		}
	}
	return false
}
