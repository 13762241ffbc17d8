package frameworks

import (
	"context"
	"strings"

	"growthscript/internal/storage"
)

// Find lists frameworks ordered by title, narrowed by a free-text term or a
// category when given. The term wins when both are set.
func (s *Service) Find(ctx context.Context, term, category string) ([]storage.Framework, error) {
	term = strings.TrimSpace(term)
	category = strings.TrimSpace(category)
	switch {
	case term != "":
		return s.store.SearchFrameworks(ctx, term)
	case category != "":
		return s.store.FrameworksByCategory(ctx, category)
	default:
		return s.store.ListFrameworks(ctx)
	}
}

func (s *Service) Get(ctx context.Context, id string) (storage.Framework, error) {
	return s.store.GetFramework(ctx, id)
}
