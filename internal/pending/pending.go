// Package pending tracks access requests waiting for an admin decision.
package pending

import (
	"fmt"
	"sort"
	"sync"

	"codeassist/internal/auth"
)

// Queue holds one request per user. It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	repo     auth.Repository
	requests map[int64]auth.User
}

// New loads outstanding requests from repo. A nil repo keeps them in memory.
func New(repo auth.Repository) (*Queue, error) {
	q := &Queue{repo: repo, requests: make(map[int64]auth.User)}
	if repo == nil {
		return q, nil
	}
	users, err := repo.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load pending requests: %w", err)
	}
	for _, u := range users {
		q.requests[u.ID] = u
	}
	return q, nil
}

// Add records a request and reports whether it is new. Repeated requests
// update the stored profile but return false.
func (q *Queue) Add(u auth.User) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, seen := q.requests[u.ID]
	q.requests[u.ID] = u
	if q.repo != nil {
		if err := q.repo.Upsert(u); err != nil {
			return !seen, err
		}
	}
	return !seen, nil
}

// Take removes the request for userID. ok is false when there was none.
func (q *Queue) Take(userID int64) (u auth.User, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	u, ok = q.requests[userID]
	if !ok {
		return auth.User{}, false, nil
	}
	delete(q.requests, userID)
	if q.repo != nil {
		err = q.repo.Remove(userID)
	}
	return u, true, err
}

func (q *Queue) List() []auth.User {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]auth.User, 0, len(q.requests))
	for _, u := range q.requests {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
