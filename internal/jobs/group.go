package jobs

import (
	"fmt"

	v1 "github.com/testerman/testerman/pkg/api/v1"
)

// GroupJob is a pseudo-job: a container whose members run in parallel
// with the rest of their campaign. It never executes by itself and is
// not registered in the job queue.
type GroupJob struct {
	baseJob
}

// NewGroupJob builds a group container. The visible name marks it as a
// structural node.
func NewGroupJob(env *Environment, name string) *GroupJob {
	g := &GroupJob{}
	g.baseJob = newBaseJob(env, g, v1.JobTypeGroup, fmt.Sprintf("<<group:%s>>", name), "")
	return g
}

// AddChild always files the member on the unconditional branch and
// reparents it to the nearest non-group ancestor, so result propagation
// and the visible job tree ignore group containers.
func (g *GroupJob) AddChild(child Job, _ Branch) {
	g.mu.Lock()
	g.branches[BranchUnconditional] = append(g.branches[BranchUnconditional], child)
	g.mu.Unlock()

	ancestor := Job(g)
	for ancestor != nil && ancestor.Type() == v1.JobTypeGroup {
		ancestor = ancestor.Parent()
	}
	child.setParent(ancestor)
}
