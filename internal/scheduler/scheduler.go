// Package scheduler admits commands from a priority queue into a bounded
// active set. A Scheduler is not safe for concurrent use: it is owned by a
// single event loop and defers every run pass through that loop's post func.
package scheduler

import (
	"container/heap"
	"fmt"

	"github.com/customeros/popstack/internal/logger"
)

type Priority int

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Command is a unit of scheduled work. Run must not block; a command signals
// completion by calling CommandComplete on its scheduler.
type Command interface {
	Run()
	Cancel()
	Describe() string
	Priority() Priority
}

type item struct {
	cmd   Command
	seq   uint64
	index int
}

type commandHeap []*item

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].cmd.Priority() != h[j].cmd.Priority() {
		return h[i].cmd.Priority() > h[j].cmd.Priority()
	}
	return h[i].seq < h[j].seq
}

func (h commandHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *commandHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type Scheduler struct {
	name      string
	maxActive int
	post      func(func())
	log       logger.Logger

	queue      commandHeap
	active     []Command
	completed  []Command
	seq        uint64
	paused     bool
	runPending bool
}

func New(name string, maxActive int, post func(func()), log logger.Logger) *Scheduler {
	if maxActive < 1 {
		maxActive = 1
	}
	return &Scheduler{
		name:      name,
		maxActive: maxActive,
		post:      post,
		log:       log,
	}
}

// Queue adds cmd behind every queued command of equal or higher priority.
func (s *Scheduler) Queue(cmd Command, runImmediately bool) {
	s.seq++
	heap.Push(&s.queue, &item{cmd: cmd, seq: s.seq})
	s.log.Debugf("[%s] queued %s (%s), %d pending", s.name, cmd.Describe(), cmd.Priority(), len(s.queue))

	if runImmediately {
		s.RunEligible()
	}
}

// RunEligible schedules a run pass on the next loop iteration.
func (s *Scheduler) RunEligible() {
	if s.paused || s.runPending {
		return
	}
	s.runPending = true
	s.post(s.runPass)
}

func (s *Scheduler) runPass() {
	s.runPending = false
	s.completed = nil

	for !s.paused && len(s.active) < s.maxActive && len(s.queue) > 0 {
		it := heap.Pop(&s.queue).(*item)
		s.active = append(s.active, it.cmd)
		s.log.Debugf("[%s] running %s", s.name, it.cmd.Describe())
		it.cmd.Run()
	}
}

// CommandComplete moves cmd out of the active set and schedules the next pass.
func (s *Scheduler) CommandComplete(cmd Command) {
	if !s.removeActive(cmd) {
		s.log.Warnf("[%s] completion for inactive command %s", s.name, cmd.Describe())
		return
	}
	s.completed = append(s.completed, cmd)
	s.RunEligible()
}

func (s *Scheduler) removeActive(cmd Command) bool {
	for i, c := range s.active {
		if c == cmd {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return true
		}
	}
	return false
}

// Remove drops a queued command without running it.
func (s *Scheduler) Remove(cmd Command) bool {
	for _, it := range s.queue {
		if it.cmd == cmd {
			heap.Remove(&s.queue, it.index)
			return true
		}
	}
	return false
}

func (s *Scheduler) Pause() {
	s.paused = true
}

func (s *Scheduler) Resume() {
	s.paused = false
	s.RunEligible()
}

func (s *Scheduler) Paused() bool {
	return s.paused
}

// CancelPending drains the queue, invoking each command's cancel hook.
func (s *Scheduler) CancelPending() int {
	n := 0
	for len(s.queue) > 0 {
		it := heap.Pop(&s.queue).(*item)
		s.log.Debugf("[%s] cancelling queued %s", s.name, it.cmd.Describe())
		it.cmd.Cancel()
		n++
	}
	return n
}

// CancelActive asks every running command to stop. Each still reports
// completion through CommandComplete.
func (s *Scheduler) CancelActive() {
	for _, cmd := range append([]Command(nil), s.active...) {
		s.log.Debugf("[%s] cancelling active %s", s.name, cmd.Describe())
		cmd.Cancel()
	}
}

func (s *Scheduler) Peek() Command {
	if len(s.queue) == 0 {
		return nil
	}
	return s.queue[0].cmd
}

func (s *Scheduler) PendingCount() int {
	return len(s.queue)
}

func (s *Scheduler) ActiveCount() int {
	return len(s.active)
}

func (s *Scheduler) Idle() bool {
	return len(s.queue) == 0 && len(s.active) == 0
}

type Status struct {
	Name    string   `json:"name"`
	Paused  bool     `json:"paused"`
	Max     int      `json:"maxActive"`
	Active  []string `json:"active"`
	Pending []string `json:"pending"`
}

func (s *Scheduler) Status() Status {
	st := Status{
		Name:   s.name,
		Paused: s.paused,
		Max:    s.maxActive,
	}
	for _, c := range s.active {
		st.Active = append(st.Active, c.Describe())
	}
	sorted := make(commandHeap, len(s.queue))
	for i, it := range s.queue {
		sorted[i] = &item{cmd: it.cmd, seq: it.seq, index: i}
	}
	for sorted.Len() > 0 {
		st.Pending = append(st.Pending, heap.Pop(&sorted).(*item).cmd.Describe())
	}
	return st
}
