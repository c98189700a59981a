// Package async 提供一次性完成的任务句柄（future）。
//
// 编排函数在调用方 goroutine 上执行其同步前缀，然后返回 *Task。
// 返回未完成的任务等价于遇到了第一个挂起点；IsDone 是非阻塞的轮询，
// 不会引入额外的调度点。
package async

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ErrNotCompleted 表示在任务完成之前读取了结果。
var ErrNotCompleted = errors.New("task has not completed")

// Task 是一个只能完成一次的异步计算句柄。
type Task struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

// Completer 完成任务；只有第一次调用生效。
type Completer func(value any, err error)

// NewTask 创建一个未完成的任务及其完成函数。
func NewTask() (*Task, Completer) {
	t := &Task{done: make(chan struct{})}
	return t, t.complete
}

// Completed 返回一个已经成功完成的任务。
func Completed(value any) *Task {
	t, complete := NewTask()
	complete(value, nil)
	return t
}

// Failed 返回一个已经失败的任务。
func Failed(err error) *Task {
	t, complete := NewTask()
	complete(nil, err)
	return t
}

// Go 在新的 goroutine 中执行 fn，并返回代表其结果的任务。
// fn 中的 panic 会被转换为 *PanicError。
func Go(fn func() (any, error)) *Task {
	t, complete := NewTask()
	go func() {
		complete(Call(fn))
	}()
	return t
}

// Call 同步执行 fn，并把 panic 转换为 *PanicError。
func Call(fn func() (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, NewPanicError(r)
		}
	}()
	return fn()
}

func (t *Task) complete(value any, err error) {
	t.once.Do(func() {
		t.value = value
		t.err = err
		close(t.done)
	})
}

// IsDone 非阻塞地检查任务是否已完成。
func (t *Task) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done 返回任务完成时关闭的通道。
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result 返回已完成任务的结果；任务未完成时返回 ErrNotCompleted。
func (t *Task) Result() (any, error) {
	if !t.IsDone() {
		return nil, ErrNotCompleted
	}
	return t.value, t.err
}

// Await 阻塞直到任务完成或 ctx 结束。
func (t *Task) Await(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then 在任务完成后执行延续函数。
// 如果任务已经完成，fn 会在当前 goroutine 上同步执行，返回的任务也已完成。
func Then(t *Task, fn func(value any, err error) (any, error)) *Task {
	if t.IsDone() {
		return settle(Call(func() (any, error) { return fn(t.value, t.err) }))
	}
	next, complete := NewTask()
	go func() {
		<-t.done
		complete(Call(func() (any, error) { return fn(t.value, t.err) }))
	}()
	return next
}

// Chain 在任务完成后执行返回新任务的延续函数，并展开其结果。
func Chain(t *Task, fn func(value any, err error) *Task) *Task {
	inner := func() *Task {
		var out *Task
		_, err := Call(func() (any, error) {
			out = fn(t.value, t.err)
			return nil, nil
		})
		if err != nil {
			return Failed(err)
		}
		if out == nil {
			return Completed(nil)
		}
		return out
	}
	if t.IsDone() {
		return inner()
	}
	next, complete := NewTask()
	go func() {
		<-t.done
		out := inner()
		<-out.done
		complete(out.value, out.err)
	}()
	return next
}

// WhenAll 返回在所有任务完成后完成的任务，结果为各任务结果组成的切片。
// 任意任务失败时返回第一个（按参数顺序）失败的错误。
func WhenAll(tasks ...*Task) *Task {
	allDone := true
	for _, t := range tasks {
		if !t.IsDone() {
			allDone = false
			break
		}
	}
	collect := func() (any, error) {
		results := make([]any, len(tasks))
		for i, t := range tasks {
			if t.err != nil {
				return nil, t.err
			}
			results[i] = t.value
		}
		return results, nil
	}
	if allDone {
		return settle(collect())
	}
	next, complete := NewTask()
	go func() {
		for _, t := range tasks {
			<-t.done
		}
		complete(collect())
	}()
	return next
}

func settle(value any, err error) *Task {
	t, complete := NewTask()
	complete(value, err)
	return t
}

// PanicError 记录从用户代码中恢复的 panic 及其堆栈。
type PanicError struct {
	// Value 是 recover() 返回的值
	Value any
	// Stack 是 panic 发生时的 goroutine 堆栈
	Stack string
}

// NewPanicError 捕获当前堆栈并创建 PanicError。
func NewPanicError(value any) *PanicError {
	buf := make([]byte, 8096)
	n := runtime.Stack(buf, false)
	return &PanicError{Value: value, Stack: string(buf[:n])}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// StackTrace 返回 panic 时的堆栈。
func (e *PanicError) StackTrace() string {
	return e.Stack
}

// Unwrap 在 panic 值本身是 error 时返回它。
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
