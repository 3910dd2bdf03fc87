package relay

import "container/list"

// recentIDs remembers the last max ids it was shown, forgetting the oldest
// first.
type recentIDs struct {
	max   int
	order *list.List
	index map[string]*list.Element
}

func newRecentIDs(max int) *recentIDs {
	if max <= 0 {
		max = 1
	}
	return &recentIDs{max: max, order: list.New(), index: make(map[string]*list.Element, max)}
}

// seen records id and reports whether it was already present.
func (r *recentIDs) seen(id string) bool {
	if _, ok := r.index[id]; ok {
		return true
	}
	r.index[id] = r.order.PushBack(id)
	if r.order.Len() > r.max {
		oldest := r.order.Front()
		r.order.Remove(oldest)
		delete(r.index, oldest.Value.(string))
	}
	return false
}

func (r *recentIDs) contains(id string) bool {
	_, ok := r.index[id]
	return ok
}
