package crdt

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lilvirgola/p2pdocs/internal/types"
)

// strategy is the per-depth allocation side, fixed at first use.
type strategy int

const (
	plusStrategy strategy = iota
	minusStrategy
)

// allocBetween builds a fresh position strictly between p and q, digit by
// digit. At each depth the cached random strategy decides whether to step up
// from the left bound or down from the right bound; when the interval at a
// depth is too tight the left head is copied and allocation descends.
func (d *Doc) allocBetween(p, q types.Position) types.Position {
	if types.ComparePositions(p, q) >= 0 {
		panic(fmt.Sprintf("position allocation: bounds not ordered: %v >= %v", p, q))
	}

	prefix := types.Position{}
	for depth := 1; ; depth++ {
		side := d.strategyAt(depth)

		ph := uint32(0)
		pid := d.peerID
		if len(p) > 0 {
			ph = p[0].Value
			pid = p[0].Author
		}

		qh := types.BaseAt(depth)
		hasQ := len(q) > 0
		if hasQ {
			qh = q[0].Value
		}

		interval := int64(qh) - int64(ph)
		switch {
		case interval > 1:
			step := uint32(interval - 1)
			if step > types.Boundary {
				step = types.Boundary
			}
			delta := uint32(d.rng.Intn(int(step))) + 1
			v := ph + delta
			if side == minusStrategy {
				v = qh - delta
			}
			return append(prefix, types.Digit{Value: v, Author: d.peerID})

		case interval >= 0:
			author := pid
			if interval == 0 && hasQ {
				qid := q[0].Author
				if pid > qid {
					// The source swaps in the right bound's author here and
					// warns; kept as-is.
					d.log.Warn("position allocation adopted right-bound author",
						zap.String("left_author", string(pid)),
						zap.String("right_author", string(qid)),
						zap.Int("depth", depth))
					author = qid
				}
			}
			prefix = append(prefix, types.Digit{Value: ph, Author: author})

			nextQ := types.Position{}
			if interval == 0 && hasQ && pid >= q[0].Author {
				nextQ = q[1:]
			}
			q = nextQ
			if len(p) > 0 {
				p = p[1:]
			}

		default:
			panic(fmt.Sprintf("position allocation: negative interval at depth %d", depth))
		}
	}
}

// strategyAt returns the cached strategy for a depth, drawing it uniformly
// at random on first use.
func (d *Doc) strategyAt(depth int) strategy {
	if s, ok := d.strategies[depth]; ok {
		return s
	}
	s := plusStrategy
	if d.rng.Intn(2) == 1 {
		s = minusStrategy
	}
	d.strategies[depth] = s
	return s
}
