package steps

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/eventflow/internal/expressions"
	"github.com/rendis/eventflow/internal/fields"
	"github.com/rendis/eventflow/pkg/schema"
)

const logActionSchema = `{
  "type": "object",
  "properties": {
    "message": {"type": "string", "minLength": 1},
    "level": {"type": "string", "enum": ["debug", "info", "warn", "error"], "default": "info"}
  },
  "required": ["message"],
  "additionalProperties": false
}`

// logAction writes a rendered message to the execution logger.
type logAction struct {
	message string
	level   slog.Level
}

func logActionRegistration() Registration {
	return Registration{
		Class:        "action.log",
		Kind:         schema.StepTypeAction,
		Description:  "Write a message rendered from the namespace to the log.",
		ConfigSchema: logActionSchema,
		New: func(config json.RawMessage) (Step, error) {
			var cfg struct {
				Message string `json:"message"`
				Level   string `json:"level"`
			}
			if err := decodeConfig(config, &cfg); err != nil {
				return nil, err
			}
			s := &logAction{message: cfg.Message}
			if cfg.Level != "" {
				if err := s.level.UnmarshalText([]byte(cfg.Level)); err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeConfigParse, "invalid level %q", cfg.Level)
				}
			}
			return s, nil
		},
	}
}

func (s *logAction) Execute(ctx context.Context, run *RunContext, ns fields.Namespace) (*Outcome, error) {
	logger := slog.Default()
	if run != nil && run.Logger != nil {
		logger = run.Logger
	}
	msg := expressions.Render(s.message, ns, nil)
	logger.Log(ctx, s.level, msg, "event", run.EventName())
	return Proceed(map[string]any{"log_message": msg}), nil
}

func (s *logAction) Fields() ([]FieldDescriptor, error) {
	return []FieldDescriptor{{Name: "log_message", Type: "string", Description: "the rendered message"}}, nil
}
