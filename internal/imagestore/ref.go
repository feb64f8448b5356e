package imagestore

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
)

// NormalizeRef parses ref through go-containerregistry's reference grammar
// and returns its canonical string form, filling in the default registry,
// repository prefix, and tag the way docker.io references normally get.
func NormalizeRef(ref string) (string, error) {
	parsed, err := name.ParseReference(ref, name.WithDefaultRegistry(name.DefaultRegistry))
	if err != nil {
		return "", fmt.Errorf("imagestore: parse reference %q: %w", ref, err)
	}
	return parsed.String(), nil
}
