package client

import "github.com/alfredjeanlab/trafficmind/internal/model"

// Bounds used by the dashboard screens.
const (
	FeedSmall  = 10
	FeedMedium = 20
	FeedLarge  = 50
)

// ViolationFeed is a bounded list of violations, newest first.
type ViolationFeed struct {
	max   int
	items []*model.Violation
}

// NewViolationFeed returns a feed holding at most limit violations. A limit
// below 1 is treated as 1.
func NewViolationFeed(limit int) *ViolationFeed {
	return &ViolationFeed{max: max(limit, 1)}
}

// Add records violations in arrival order; the last one becomes the newest.
func (f *ViolationFeed) Add(vs ...*model.Violation) {
	for _, v := range vs {
		if v == nil {
			continue
		}
		f.items = append([]*model.Violation{v}, f.items...)
	}
	if len(f.items) > f.max {
		f.items = f.items[:f.max]
	}
}

// Reset replaces the feed with a list that is already newest first, such as
// a page from ListViolations.
func (f *ViolationFeed) Reset(newestFirst []*model.Violation) {
	n := min(len(newestFirst), f.max)
	f.items = append([]*model.Violation(nil), newestFirst[:n]...)
}

// Items returns a copy of the feed, newest first.
func (f *ViolationFeed) Items() []*model.Violation {
	return append([]*model.Violation(nil), f.items...)
}

func (f *ViolationFeed) Len() int { return len(f.items) }

func (f *ViolationFeed) Max() int { return f.max }
