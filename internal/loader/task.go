package loader

import "context"

// Task is the handle of one in-flight load.
type Task struct {
	id    string
	done  chan struct{}
	state State
	err   error
}

func newTask(id string) *Task {
	return &Task{id: id, done: make(chan struct{})}
}

// ID returns the placeholder id.
func (t *Task) ID() string {
	return t.id
}

// Done is closed when the load settles.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the load settles or ctx is done. Cancelling ctx stops the
// wait, not the load.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the load error once settled.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// State returns Loaded or Failed once settled, Loading before.
func (t *Task) State() State {
	select {
	case <-t.done:
		return t.state
	default:
		return Loading
	}
}

func (t *Task) settle(state State, err error) {
	t.state = state
	t.err = err
	close(t.done)
}
