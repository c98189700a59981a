package orchestration

import (
	"context"
	"io"
)

// AsyncDisposer 由需要异步释放资源的编排实现。
type AsyncDisposer interface {
	DisposeAsync(ctx context.Context) error
}

// disposeKind 是编排实例释放能力的标记变体，在包装时解析一次。
type disposeKind int

const (
	disposeNone disposeKind = iota
	disposeSync
	disposeAsync
)

func (k disposeKind) String() string {
	switch k {
	case disposeSync:
		return "sync"
	case disposeAsync:
		return "async"
	}
	return "none"
}

// disposer 持有解析后的释放方式。异步释放优先于同步释放。
type disposer struct {
	kind   disposeKind
	async  AsyncDisposer
	closer io.Closer
}

func resolveDisposer(o Orchestrator) disposer {
	if d, ok := o.(AsyncDisposer); ok {
		return disposer{kind: disposeAsync, async: d}
	}
	if c, ok := o.(io.Closer); ok {
		return disposer{kind: disposeSync, closer: c}
	}
	return disposer{kind: disposeNone}
}

func (d disposer) dispose(ctx context.Context) error {
	switch d.kind {
	case disposeAsync:
		return d.async.DisposeAsync(ctx)
	case disposeSync:
		return d.closer.Close()
	}
	return nil
}
