package ociref

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// ImageReference is a validated container image reference as accepted by the
// container engine, e.g. ubuntu:20.04 or ghcr.io/org/lab@sha256:<digest>.
type ImageReference struct {
	Original   string
	Registry   string
	Repository string
	Identifier string
	Pinned     bool
}

// Name returns the fully qualified reference (registry/repository:tag or @digest).
func (r ImageReference) Name() string {
	sep := ":"
	if r.Pinned {
		sep = "@"
	}
	return r.Registry + "/" + r.Repository + sep + r.Identifier
}

// ParseImageReference validates a tag or digest reference. Missing tags default
// to latest and missing registries to Docker Hub.
func ParseImageReference(raw string) (ImageReference, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return ImageReference{}, fmt.Errorf("image reference cannot be empty")
	}

	parsed, err := name.ParseReference(ref)
	if err != nil {
		return ImageReference{}, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}

	_, pinned := parsed.(name.Digest)
	return ImageReference{
		Original:   ref,
		Registry:   parsed.Context().RegistryStr(),
		Repository: parsed.Context().RepositoryStr(),
		Identifier: parsed.Identifier(),
		Pinned:     pinned,
	}, nil
}
