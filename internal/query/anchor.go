package query

import "context"

// Anchor is the part of a query sent to the remote platform. With Or the
// platform runs all keywords natively; with And there is exactly one keyword
// and the rest of the expression is enforced by Match.
type Anchor struct {
	Keywords []string
	Operator Operator
}

// Counter returns the remote hit count for a single keyword.
type Counter func(ctx context.Context, keyword string) (int, error)

// SelectAnchor picks the remote anchor for d. For AND queries with several
// positive keywords it issues one count per keyword and keeps the rarest;
// ties keep query order. A keyword whose count fails is skipped, and if every
// count fails the first positive keyword is used. The only error returned is
// ctx's, when it ends between count requests.
func SelectAnchor(ctx context.Context, d Decomposition, count Counter) (Anchor, error) {
	if d.Operator == Or {
		return Anchor{Keywords: append([]string(nil), d.Positive...), Operator: Or}, nil
	}
	if len(d.Positive) == 1 || count == nil {
		return Anchor{Keywords: []string{d.Positive[0]}, Operator: And}, nil
	}
	best, bestHits := "", -1
	for _, k := range d.Positive {
		if err := ctx.Err(); err != nil {
			return Anchor{}, err
		}
		hits, err := count(ctx, k)
		if err != nil {
			continue
		}
		if bestHits < 0 || hits < bestHits {
			best, bestHits = k, hits
		}
	}
	if bestHits < 0 {
		best = d.Positive[0]
	}
	return Anchor{Keywords: []string{best}, Operator: And}, nil
}
