package access

import (
	"context"
	"strings"

	"github.com/xxxsen/docqa/internal/config"
)

type Action int

const (
	ActionRead Action = iota
	ActionUpload
)

func (a Action) String() string {
	if a == ActionUpload {
		return "upload"
	}
	return "read"
}

// Gate decides whether a user may touch a project. Membership itself is
// owned by another system; the pipeline only asks.
type Gate interface {
	CanUpload(ctx context.Context, userID, projectID string) (bool, error)
	CanRead(ctx context.Context, userID, projectID string) (bool, error)
}

func Check(ctx context.Context, gate Gate, action Action, userID, projectID string) (bool, error) {
	if action == ActionUpload {
		return gate.CanUpload(ctx, userID, projectID)
	}
	return gate.CanRead(ctx, userID, projectID)
}

type allowAll struct{}

func AllowAll() Gate {
	return allowAll{}
}

func (allowAll) CanUpload(ctx context.Context, userID, projectID string) (bool, error) {
	return userID != "", nil
}

func (allowAll) CanRead(ctx context.Context, userID, projectID string) (bool, error) {
	return userID != "", nil
}

const wildcard = "*"

// StaticGate grants access from a fixed project => members table. A "*"
// project applies to every project and a "*" member to every user.
type StaticGate struct {
	members map[string]map[string]struct{}
}

func NewStaticGate(projects map[string][]string) *StaticGate {
	members := make(map[string]map[string]struct{}, len(projects))
	for project, users := range projects {
		project = strings.TrimSpace(project)
		if project == "" {
			continue
		}
		set := members[project]
		if set == nil {
			set = make(map[string]struct{}, len(users))
			members[project] = set
		}
		for _, u := range users {
			if u = strings.TrimSpace(u); u != "" {
				set[u] = struct{}{}
			}
		}
	}
	return &StaticGate{members: members}
}

// FromConfig returns AllowAll when no project table is configured.
func FromConfig(cfg config.AccessConfig) Gate {
	if len(cfg.Projects) == 0 {
		return AllowAll()
	}
	return NewStaticGate(cfg.Projects)
}

func (g *StaticGate) CanUpload(ctx context.Context, userID, projectID string) (bool, error) {
	return g.allowed(userID, projectID), nil
}

func (g *StaticGate) CanRead(ctx context.Context, userID, projectID string) (bool, error) {
	return g.allowed(userID, projectID), nil
}

func (g *StaticGate) allowed(userID, projectID string) bool {
	if userID == "" || projectID == "" {
		return false
	}
	for _, key := range []string{projectID, wildcard} {
		set, ok := g.members[key]
		if !ok {
			continue
		}
		if _, ok := set[userID]; ok {
			return true
		}
		if _, ok := set[wildcard]; ok {
			return true
		}
	}
	return false
}
