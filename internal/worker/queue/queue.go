// Package queue はバックグラウンドジョブの優先度付きキューとワーカープールを提供する。
package queue

import (
	"container/heap"
	"context"
)

// Kind はジョブの種別を表す。種別ごとに優先度が決まる。
type Kind string

const (
	KindTestConnection Kind = "test-connection"
	KindDeliverToUser  Kind = "deliver-to-user"
	KindPollTimeline   Kind = "poll-timeline"
	KindPollFeed       Kind = "poll-feed"
	KindProcessImport  Kind = "process-import"
)

// Priority は種別の優先度を返す。値が大きいほど先に実行される。
func (k Kind) Priority() int {
	switch k {
	case KindTestConnection:
		return 50
	case KindDeliverToUser:
		return 40
	case KindPollTimeline:
		return 30
	case KindPollFeed:
		return 20
	case KindProcessImport:
		return 10
	default:
		return 0
	}
}

// Reschedulable は状態がストアにあり、次回のスケジューラ周期で積み直せる種別かを返す。
// deliver-to-userだけは積み直す元がないため、停止時も捨てずに実行する。
func (k Kind) Reschedulable() bool {
	return k != KindDeliverToUser
}

// Job はキューに積まれる実行単位。
// Keyが空でない場合、同じKeyのジョブが待機中または実行中の間は重複して積まれない。
type Job struct {
	Kind Kind
	Key  string
	Run  func(ctx context.Context) error
}

type entry struct {
	job Job
	seq uint64
}

// jobHeap は優先度降順、同一優先度内では投入順のヒープ。
type jobHeap []entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	pi, pj := h[i].job.Kind.Priority(), h[j].job.Kind.Priority()
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}

var _ heap.Interface = (*jobHeap)(nil)
