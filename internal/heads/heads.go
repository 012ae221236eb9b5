// Package heads supplies the five per-head classifier inputs the L2 voting
// scorer consumes. The engine never runs model inference itself: a Provider
// hands it one (probability, label) pair per head.
//
// Architecture:
//
//	Provider (interface)
//	  ├── HeuristicProvider — ships built-in, zero dependencies
//	  └── remote/ONNX providers — supplied by the deployment, out of tree
package heads

import (
	"context"

	"github.com/promptwall/promptwall/internal/voting"
)

// Provider produces raw head outputs for a piece of text. Implementations
// must be safe for concurrent use; the pipeline calls Classify from
// concurrent scans.
type Provider interface {
	// Name returns the provider identifier (e.g., "heuristic").
	Name() string

	// Classify returns one input per head. A missing head abstains in the
	// scorer; an error skips L2 for that scan entirely.
	Classify(ctx context.Context, text string) (map[voting.Head]voting.HeadInput, error)
}
