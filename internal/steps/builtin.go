package steps

import (
	"fmt"
	"net/http"

	"github.com/rendis/eventflow/internal/expressions"
)

// BuiltinOptions carries the shared engines and clients built-in steps use.
// Nil engines are created on demand.
type BuiltinOptions struct {
	CEL     *expressions.CELEngine
	Expr    *expressions.ExprEngine
	JQ      *expressions.GoJQEngine
	Webhook WebhookConfig
}

// RegisterBuiltins registers all built-in step classes in the given registry.
func RegisterBuiltins(reg *Registry, opts BuiltinOptions) error {
	if opts.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return fmt.Errorf("create CEL engine: %w", err)
		}
		opts.CEL = cel
	}
	if opts.Expr == nil {
		opts.Expr = expressions.NewExprEngine()
	}
	if opts.JQ == nil {
		opts.JQ = expressions.NewGoJQEngine()
	}
	if opts.Webhook.Client == nil {
		opts.Webhook.Client = http.DefaultClient
	}

	all := []Registration{
		exprLookupRegistration(opts.Expr),
		jqLookupRegistration(opts.JQ),
		jsonPathLookupRegistration(),
		conditionFilterRegistration(opts.CEL),
		webhookActionRegistration(opts.Webhook),
		logActionRegistration(),
	}
	for _, r := range all {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}
