package core

import "container/list"

// orderedSites tracks PerSite creation order: a secondary ordering index
// separate from the sharded lookup table, consulted only by GROUP_SITE
// traversal and Compress/Clear's full sweep.
type orderedSites struct {
	l *list.List // of *PerSite
}

func newOrderedSites() *orderedSites {
	return &orderedSites{l: list.New()}
}

func (o *orderedSites) pushBack(ps *PerSite) *list.Element {
	return o.l.PushBack(ps)
}

func (o *orderedSites) remove(ps *PerSite) {
	if ps.orderElem != nil {
		o.l.Remove(ps.orderElem)
		ps.orderElem = nil
	}
}

func (o *orderedSites) firstNonEmpty(skip int) *PerSite {
	e := o.l.Front()
	for e != nil {
		ps := e.Value.(*PerSite)
		if ps.Len() > 0 {
			if skip == 0 {
				return ps
			}
			skip--
		}
		e = e.Next()
	}
	return nil
}

func (o *orderedSites) nextNonEmpty(cur *PerSite) *PerSite {
	if cur == nil || cur.orderElem == nil {
		return nil
	}
	e := cur.orderElem.Next()
	for e != nil {
		ps := e.Value.(*PerSite)
		if ps.Len() > 0 {
			return ps
		}
		e = e.Next()
	}
	return nil
}

func (o *orderedSites) snapshot() []*PerSite {
	out := make([]*PerSite, 0, o.l.Len())
	for e := o.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*PerSite))
	}
	return out
}
