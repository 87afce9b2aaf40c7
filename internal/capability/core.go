package capability

import "context"

// CoreGroup is the always-loaded capability group. It can never be evicted.
const CoreGroup = "agent"

// Core capability names the control loop inspects for state transitions.
const (
	NameCompleted       = "agent_completed"
	NameRequestFeedback = "agent_request_feedback"
	NameSaveMemory      = "agent_save_memory"
	NameNotify          = "notify"
)

// CoreHandlers receives the side effects of the core capabilities. Handlers
// may be nil; the capability then just records its call.
type CoreHandlers struct {
	Completed       func(ctx context.Context, note string) error
	RequestFeedback func(ctx context.Context, question string) error
	SaveMemory      func(ctx context.Context, key, value string) error
	Notify          func(ctx context.Context, message string) error
}

func stringArg(args []interface{}, i int) string {
	if i >= len(args) || args[i] == nil {
		return ""
	}
	if s, ok := args[i].(string); ok {
		return s
	}
	return ""
}

// RegisterCore registers the core agent group.
func RegisterCore(r *Registry, h CoreHandlers) error {
	descriptors := []*Descriptor{
		{
			Name:        NameCompleted,
			Group:       CoreGroup,
			Description: "Signal that the task is fully complete. Call this only when nothing remains to do.",
			Parameters:  []Parameter{{Name: "note", Type: "string", Required: true}},
			Invoke: func(ctx context.Context, args []interface{}) (interface{}, error) {
				if h.Completed != nil {
					if err := h.Completed(ctx, stringArg(args, 0)); err != nil {
						return nil, err
					}
				}
				return "Task marked complete", nil
			},
		},
		{
			Name:        NameRequestFeedback,
			Group:       CoreGroup,
			Description: "Pause and ask the human operator a question before continuing.",
			Parameters:  []Parameter{{Name: "question", Type: "string", Required: true}},
			Invoke: func(ctx context.Context, args []interface{}) (interface{}, error) {
				if h.RequestFeedback != nil {
					if err := h.RequestFeedback(ctx, stringArg(args, 0)); err != nil {
						return nil, err
					}
				}
				return "Feedback requested", nil
			},
		},
		{
			Name:        NameSaveMemory,
			Group:       CoreGroup,
			Description: "Store a key/value entry in the agent's persistent memory map.",
			Parameters: []Parameter{
				{Name: "key", Type: "string", Required: true},
				{Name: "value", Type: "string", Required: true},
			},
			Invoke: func(ctx context.Context, args []interface{}) (interface{}, error) {
				if h.SaveMemory != nil {
					if err := h.SaveMemory(ctx, stringArg(args, 0), stringArg(args, 1)); err != nil {
						return nil, err
					}
				}
				return "Memory saved", nil
			},
		},
		{
			Name:        NameNotify,
			Group:       CoreGroup,
			Description: "Send a progress notification to the configured channels.",
			Parameters:  []Parameter{{Name: "message", Type: "string", Required: true}},
			Invoke: func(ctx context.Context, args []interface{}) (interface{}, error) {
				if h.Notify != nil {
					if err := h.Notify(ctx, stringArg(args, 0)); err != nil {
						return nil, err
					}
				}
				return "Notification sent", nil
			},
		},
	}

	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
