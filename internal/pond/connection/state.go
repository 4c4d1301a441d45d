package connection

import (
	"pond/internal/pond/core"
	"pond/internal/pond/protocol"
)

// requestState is the per-id request-builder state, reset atomically at
// QUERY or CLONE.
type requestState struct {
	active  bool
	id      uint16
	command protocol.RequestCommand

	filter core.Filter

	hasGroupSite bool
	groupSite    protocol.GroupSitePayload
	siteIter     *core.PerSite

	hasWindow bool
	window    protocol.WindowPayload

	follow       bool
	continueMode bool
	last         bool

	address string

	// abortedID/hasAbortedID: a packet whose id matches a request that
	// was just aborted by an ERROR is silently dropped instead of
	// reviving it.
	hasAbortedID bool
	abortedID    uint16
}

func (s *requestState) matchID(id uint16) bool {
	return s.active && s.id == id
}

func (s *requestState) ignoreID(id uint16) bool {
	return s.hasAbortedID && s.abortedID == id
}

func (s *requestState) reset(id uint16, cmd protocol.RequestCommand) {
	*s = requestState{active: true, id: id, command: cmd}
}

func (s *requestState) abort() {
	id, had := s.id, s.active
	*s = requestState{}
	if had {
		s.hasAbortedID = true
		s.abortedID = id
	}
}

func (s *requestState) clear() {
	*s = requestState{}
}
