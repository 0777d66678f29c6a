package datasource

import (
	"context"

	"github.com/ar-io/gateway-core/pkg/arid"
	"github.com/ar-io/gateway-core/pkg/gwerrors"
	"github.com/ar-io/gateway-core/pkg/region"
	"github.com/ar-io/gateway-core/pkg/reqattrs"
)

// SequentialDataSource tries each child DataSource in order, per spec.md
// §4.5: on NotFound it moves to the next child; Blocked and PermanentError
// short-circuit immediately; if every child is exhausted, it surfaces
// NotFound.
type SequentialDataSource struct {
	Children []DataSource
}

// GetData implements DataSource.
func (s *SequentialDataSource) GetData(ctx context.Context, id arid.ID, r *region.Region, attrs reqattrs.Attributes) (ContiguousData, error) {
	for _, child := range s.Children {
		data, err := child.GetData(ctx, id, r, attrs)
		if err == nil {
			return data, nil
		}
		if gwerrors.HasCode(err, gwerrors.CodePermanentError) || gwerrors.HasCode(err, gwerrors.CodeBlocked) {
			return ContiguousData{}, err
		}
		// NotFound (and anything else not Blocked/PermanentError) moves to
		// the next sibling, per spec.md §4.5.
	}
	return ContiguousData{}, gwerrors.NotFound("no source produced %s", id.String())
}
