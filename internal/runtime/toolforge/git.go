// Copyright 2025 The Toolforge Authors
// SPDX-License-Identifier: Apache-2.0

package toolforge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/toolforge/components-api/internal/runtime"
)

// GitResolver resolves refs by listing the remote's advertised references,
// the network equivalent of `git ls-remote <repo> <ref>`.
type GitResolver struct {
	logger *slog.Logger
}

var _ runtime.RefResolver = (*GitResolver)(nil)

// NewGitResolver creates a resolver.
func NewGitResolver(logger *slog.Logger) *GitResolver {
	return &GitResolver{logger: logger}
}

// ResolveRef implements runtime.RefResolver.
func (g *GitResolver) ResolveRef(ctx context.Context, repository, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	g.logger.Debug("Resolving ref", "repository", repository, "ref", ref)

	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{repository},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list refs of %s: %w", repository, err)
	}

	for _, candidate := range refs {
		if matchesRef(candidate.Name(), ref) {
			hash := candidate.Hash()
			if hash.IsZero() {
				// symbolic HEAD, follow the target
				hash = resolveSymbolic(refs, candidate.Target())
			}
			g.logger.Debug("Resolved ref", "repository", repository, "ref", ref, "hash", hash.String())
			return hash.String(), nil
		}
	}
	return "", fmt.Errorf("failed to resolve ref %q for repository %q, does it exist? %w",
		ref, repository, runtime.ErrRefNotFound)
}

// matchesRef accepts the short forms git ls-remote accepts: the full ref
// name, a branch or tag short name, or HEAD.
func matchesRef(name plumbing.ReferenceName, ref string) bool {
	if string(name) == ref {
		return true
	}
	return name == plumbing.NewBranchReferenceName(ref) ||
		name == plumbing.NewTagReferenceName(ref)
}

func resolveSymbolic(refs []*plumbing.Reference, target plumbing.ReferenceName) plumbing.Hash {
	for _, candidate := range refs {
		if candidate.Name() == target {
			return candidate.Hash()
		}
	}
	return plumbing.ZeroHash
}
