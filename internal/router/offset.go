package router

// Limit captures a statement's LIMIT/OFFSET, as literals when known at
// parse time or as extended-protocol parameter positions (1-based, as
// Postgres numbers them) when only known at Bind time.
type Limit struct {
	Limit       *int64
	Offset      *int64
	LimitParam  int // 0 when Limit is a literal or absent
	OffsetParam int // 0 when Offset is a literal or absent
}

func (l Limit) hasParam() bool {
	return l.LimitParam > 0 || l.OffsetParam > 0
}

// OffsetPlan is a cross-shard LIMIT/OFFSET rewrite: every shard is asked
// for LIMIT+OFFSET rows starting at 0 so the engine can merge shard
// result sets, re-sort, and apply the client's true LIMIT/OFFSET only
// once over the merged stream.
//
// Grounded on _examples/original_source/pgdog/src/frontend/router/
// parser/rewrite/statement/offset.rs's OffsetPlan::apply_after_parser:
// per-shard limit becomes limit+offset, per-shard offset becomes 0.
type OffsetPlan struct {
	Limit Limit
}

// NewOffsetPlan builds an OffsetPlan for a cross-shard statement; callers
// should only apply it when route.Shard.IsCrossShard() is true, matching
// offset.rs's own early return for single-shard routes.
func NewOffsetPlan(limit Limit) OffsetPlan {
	return OffsetPlan{Limit: limit}
}

// PerShardLimitOffset resolves the literal per-shard LIMIT/OFFSET to send
// to each backend, given the bound parameter values (nil when the
// corresponding bound is a literal already present in Limit).
func (p OffsetPlan) PerShardLimitOffset(boundLimit, boundOffset *int64) (limit, offset int64, ok bool) {
	l := p.Limit.Limit
	o := p.Limit.Offset
	if l == nil {
		l = boundLimit
	}
	if o == nil {
		o = boundOffset
	}
	if l == nil {
		return 0, 0, false
	}
	offVal := int64(0)
	if o != nil {
		offVal = *o
	}
	return *l + offVal, 0, true
}
