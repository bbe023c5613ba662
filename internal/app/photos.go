/**
 * @description
 * Settlement photo resolution. Photos are uploaded to the object store under
 * several historical naming conventions; resolution walks the conventions in
 * order against the bucket listing and falls back to a public-URL guess. A
 * settlement whose photo cannot be resolved is hidden from the gallery,
 * set-only, never automatically un-hidden.
 */
package app

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/domain"
)

// ObjectStore is the object-storage surface the settlement flows need.
// Implemented by pkg/storageclient.
type ObjectStore interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	PublicURL(objectPath string) string
	DeleteObjects(ctx context.Context, objectPaths []string) error
}

var photoExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// photoCandidates returns the object names to try for a settlement, most
// specific convention first.
func photoCandidates(s *domain.Settlement) []string {
	var bases []string
	if s.PhotoURL != nil && *s.PhotoURL != "" {
		// An explicit photo_url may already name the object.
		bases = append(bases, strings.TrimSuffix(path.Base(*s.PhotoURL), path.Ext(*s.PhotoURL)))
	}
	bases = append(bases, fmt.Sprintf("settlement-%d", s.ID))
	if s.TemporaryID != "" {
		bases = append(bases, s.TemporaryID)
	}
	if name := sanitizeObjectName(s.AttorneyName); name != "" {
		bases = append(bases, name)
	}

	candidates := make([]string, 0, len(bases)*len(photoExtensions))
	for _, base := range bases {
		for _, ext := range photoExtensions {
			candidates = append(candidates, base+ext)
		}
	}
	return candidates
}

// sanitizeObjectName lowercases and dash-joins a display name into the form
// the upload path historically used for attorney-named objects.
func sanitizeObjectName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// ResolvePhoto picks the first candidate object present in the bucket listing
// and returns its public URL. The second return reports whether any object
// actually exists; a URL can always be constructed, existence cannot be
// assumed from it.
func ResolvePhoto(store ObjectStore, objects map[string]bool, s *domain.Settlement) (string, bool) {
	for _, candidate := range photoCandidates(s) {
		if objects[candidate] {
			return store.PublicURL(candidate), true
		}
	}
	return "", false
}
