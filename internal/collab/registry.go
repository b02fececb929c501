package collab

import "sync"

// Registry tracks live sessions and which project each is attached to.
// It holds session ids grouped by project; iteration works on a copy taken
// under the lock, so callbacks may freely add or remove sessions, including
// the one being visited.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	projects   map[int64]map[string]struct{}
	membership map[string]int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		projects:   make(map[int64]map[string]struct{}),
		membership: make(map[string]int64),
	}
}

// Register records a newly connected session that has not joined a project.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Unregister forgets a session entirely.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(s.ID())
	delete(r.sessions, s.ID())
}

// Add attaches s to projectID, detaching it from any previous project.
func (r *Registry) Add(projectID int64, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	r.removeLocked(id)
	r.sessions[id] = s
	members, ok := r.projects[projectID]
	if !ok {
		members = make(map[string]struct{})
		r.projects[projectID] = members
	}
	members[id] = struct{}{}
	r.membership[id] = projectID
}

// Remove detaches s from its project. The session stays registered.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(s.ID())
}

func (r *Registry) removeLocked(id string) {
	projectID, ok := r.membership[id]
	if !ok {
		return
	}
	delete(r.membership, id)
	if members, ok := r.projects[projectID]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.projects, projectID)
		}
	}
}

// ForEach calls fn for every session attached to projectID at the time of
// the call. Iteration stops early if fn returns false.
func (r *Registry) ForEach(projectID int64, fn func(*Session) bool) {
	r.mu.RLock()
	members := make([]*Session, 0, len(r.projects[projectID]))
	for id := range r.projects[projectID] {
		if s, ok := r.sessions[id]; ok {
			members = append(members, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range members {
		if !fn(s) {
			return
		}
	}
}

// ForEachAll calls fn for every registered session.
func (r *Registry) ForEachAll(fn func(*Session) bool) {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		if !fn(s) {
			return
		}
	}
}

// Count returns the number of sessions attached to projectID.
func (r *Registry) Count(projectID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.projects[projectID])
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ProjectOf returns the project a session is attached to.
func (r *Registry) ProjectOf(s *Session) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.membership[s.ID()]
	return id, ok
}
