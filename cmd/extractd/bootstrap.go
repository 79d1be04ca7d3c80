package main

import (
	"context"

	"extractd/internal/orchestrator"
	"extractd/internal/registry"
)

// builtinFactories maps handler IDs shipped with the daemon to their
// factories. External handlers are bound by embedding extractd as a library
// and calling BindHandler before Start.
var builtinFactories = map[string]registry.Factory{
	"passthrough": func() (registry.Handler, error) {
		return registry.HandlerFunc(func(_ context.Context, data []byte) (registry.Result, error) {
			return registry.Result{Output: data}, nil
		}), nil
	},
}

// bindBuiltinHandlers binds each builtin factory to every version currently
// registered for its handler ID. New versions registered at runtime need a
// restart to pick up a builtin binding.
func bindBuiltinHandlers(ctx context.Context, orch *orchestrator.Orchestrator) error {
	for handlerID, factory := range builtinFactories {
		versions, err := orch.Versions(ctx, handlerID)
		if err != nil {
			return err
		}
		for _, version := range versions {
			orch.BindHandler(handlerID, version.Version, factory)
		}
	}
	return nil
}
