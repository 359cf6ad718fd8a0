// Package resolver implements the Model Resolver (spec.md §4.C): turning
// an inbound "model" string into a concrete provider+model, following
// aliases and combos.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nodebridge/airouter/internal/config"
	"github.com/nodebridge/airouter/internal/registry"
)

// ErrInvalidModelFormat is returned when a model string resolves to
// nothing: no "/", no alias, no combo.
var ErrInvalidModelFormat = errors.New("invalid model format")

// maxAliasDepth bounds alias-to-alias recursion (spec.md §4.C step 2:
// "recurse with the alias target (bounded depth 8)").
const maxAliasDepth = 8

// Target is a single resolved provider+model pair.
type Target struct {
	Provider string
	Model    string
}

// Resolve expands modelString into either a single Target or, for a combo,
// an ordered sequence of Targets tried sequentially.
func Resolve(rec *config.MachineRecord, modelString string) ([]Target, error) {
	return resolveDepth(rec, modelString, 0)
}

func resolveDepth(rec *config.MachineRecord, modelString string, depth int) ([]Target, error) {
	if depth > maxAliasDepth {
		return nil, fmt.Errorf("%w: alias recursion exceeded depth %d", ErrInvalidModelFormat, maxAliasDepth)
	}

	modelString = strings.TrimSpace(modelString)
	if modelString == "" {
		return nil, ErrInvalidModelFormat
	}

	// 1. "/" separates providerAlias from model.
	if idx := strings.Index(modelString, "/"); idx > 0 && idx < len(modelString)-1 {
		aliasPart, modelPart := modelString[:idx], modelString[idx+1:]
		provider, ok := registry.ResolveProviderAlias(aliasPart)
		if !ok {
			provider = aliasPart
		}
		return []Target{{Provider: provider, Model: modelPart}}, nil
	}

	// 2. modelAliases lookup, recursing through the alias chain.
	if rec != nil && rec.ModelAliases != nil {
		if target, ok := rec.ModelAliases[modelString]; ok {
			return resolveDepth(rec, target, depth+1)
		}
	}

	// 3. Combo lookup by name.
	if rec != nil {
		for _, combo := range rec.Combos {
			if combo.Name == modelString {
				targets := make([]Target, 0, len(combo.Models))
				for _, m := range combo.Models {
					ts, err := resolveDepth(rec, m, depth+1)
					if err != nil {
						return nil, err
					}
					targets = append(targets, ts...)
				}
				return targets, nil
			}
		}
	}

	// 4. Nothing matched.
	return nil, fmt.Errorf("%w: %q", ErrInvalidModelFormat, modelString)
}

// IsCombo reports whether targets represents a multi-model combo (as
// opposed to a single resolved provider/model).
func IsCombo(targets []Target) bool {
	return len(targets) > 1
}
