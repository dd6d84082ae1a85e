package collect

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/jsoo1/nix-eval-jobs/pkg/accessor"
	"github.com/jsoo1/nix-eval-jobs/pkg/job"
	"github.com/jsoo1/nix-eval-jobs/pkg/msg"
	"github.com/jsoo1/nix-eval-jobs/pkg/store"
)

// queues is the shared coordinator state. Every field transition happens
// with the coordinator's mutex held.
type queues struct {
	// todo and active hold paths keyed by their canonical JSON form. A path
	// is never in both at once. A path whose worker restarted before done
	// moves from active back to todo; otherwise a path enters todo once
	// per run and leaves active once.
	todo   map[string]accessor.Path
	active map[string]accessor.Path
	exc    error
}

type coordinator struct {
	mu     sync.Mutex
	wakeup *sync.Cond
	qs     queues

	out   *bufio.Writer
	roots *store.Store

	interrupted atomic.Bool

	progress bool
	stderr   io.Writer
	emitted  int

	spawn spawnFunc
}

func newCoordinator(out io.Writer, roots *store.Store, progress bool, stderr io.Writer) *coordinator {
	c := &coordinator{
		qs: queues{
			todo:   make(map[string]accessor.Path),
			active: make(map[string]accessor.Path),
		},
		out:      bufio.NewWriter(out),
		roots:    roots,
		progress: progress,
		stderr:   stderr,
	}
	c.wakeup = sync.NewCond(&c.mu)
	return c
}

// run seeds the queue from the bootstrap child, then drives the worker
// slots until the queue drains or a fatal error is stored.
func (c *coordinator) run(bootstrap spawnFunc, workers int) error {
	defer c.out.Flush()
	if err := c.seed(bootstrap); err != nil {
		return err
	}
	if len(c.qs.todo) == 0 {
		// The root was a leaf (or nothing); it has already been emitted.
		return nil
	}

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(c.handler)
	}
	err := g.Wait()
	if err == nil {
		c.mu.Lock()
		err = c.qs.exc
		c.mu.Unlock()
	}
	return err
}

// seed reads the bootstrap child's single result. Children seed todo; a
// root-level derivation stream is emitted directly; any error aborts the
// run before a worker is spawned.
func (c *coordinator) seed(bootstrap spawnFunc) error {
	w, err := bootstrap()
	if err != nil {
		return err
	}
	defer w.Close()
	for {
		m, err := w.Read()
		if err != nil {
			return err
		}
		switch m := m.(type) {
		case msg.WorkDone:
			return nil
		case msg.WorkDrv:
			if err := c.emitDrv(m); err != nil {
				return err
			}
		case msg.WorkChildren:
			c.mu.Lock()
			for _, a := range m.Children {
				path := m.Path.Extend(a)
				c.qs.todo[path.Key()] = path
			}
			c.mu.Unlock()
		case msg.WorkError:
			return fmt.Errorf("bootstrap: %s", m.Detail)
		default:
			return fmt.Errorf("unexpected bootstrap message %q", describe(m))
		}
	}
}

// handler is the per-slot coordinator thread. It owns at most one worker
// at a time and exchanges strictly synchronous request/response rounds
// with it.
func (c *coordinator) handler() error {
	var w conn
	defer func() {
		if w != nil {
			c.dropWorker(&w)
		}
	}()

	for {
		if w == nil {
			spawned, err := c.spawn()
			if err != nil {
				return c.fatal(err)
			}
			w = spawned
		}

		// WaitWorker: the worker speaks first.
		m, err := w.Read()
		if err != nil {
			return c.fatal(err)
		}
		switch m := m.(type) {
		case msg.WorkRestart:
			// The worker recycled itself between paths.
			c.dropWorker(&w)
			continue
		case msg.WorkError:
			return c.fatal(fmt.Errorf("worker error: %s", m.Detail))
		case msg.WorkNext:
		default:
			return c.fatal(fmt.Errorf("unexpected worker message %q", describe(m)))
		}

		// WaitJob: block until a path is available, the queue drains, or
		// the run fails.
		current, ok := c.nextJob()
		if !ok {
			w.Send(msg.CollectExit{})
			c.dropWorker(&w)
			return nil
		}
		if err := w.Send(msg.CollectDo{Path: current}); err != nil {
			c.requeue(current)
			return c.fatal(err)
		}

		// AwaitResults: everything until done belongs to current.
	results:
		for {
			m, err := w.Read()
			if err != nil {
				c.requeue(current)
				return c.fatal(err)
			}
			switch m := m.(type) {
			case msg.WorkDrv:
				if err := c.emitDrv(m); err != nil {
					return c.fatal(err)
				}
			case msg.WorkChildren:
				c.addChildren(m)
			case msg.WorkError:
				if m.Path == nil {
					c.requeue(current)
					return c.fatal(fmt.Errorf("worker error: %s", m.Detail))
				}
				if err := c.emitError(m); err != nil {
					return c.fatal(err)
				}
			case msg.WorkDone:
				c.finish(current)
				break results
			case msg.WorkRestart:
				// The worker went down before finishing; resubmit.
				c.requeue(current)
				c.dropWorker(&w)
				break results
			default:
				c.requeue(current)
				return c.fatal(fmt.Errorf("unexpected worker message %q", describe(m)))
			}
		}
	}
}

// nextJob pops any todo path and moves it to active. It reports false when
// the thread should exit: queue drained, fatal error stored, or interrupt
// flagged.
func (c *coordinator) nextJob() (accessor.Path, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.interrupted.Load() && c.qs.exc == nil {
			c.qs.exc = ErrInterrupted
			c.wakeup.Broadcast()
		}
		if c.qs.exc != nil {
			return nil, false
		}
		if len(c.qs.todo) == 0 && len(c.qs.active) == 0 {
			return nil, false
		}
		for key, path := range c.qs.todo {
			delete(c.qs.todo, key)
			c.qs.active[key] = path
			return path, true
		}
		c.wakeup.Wait()
	}
}

// finish removes a completed path from active and wakes up waiting threads.
func (c *coordinator) finish(path accessor.Path) {
	c.mu.Lock()
	delete(c.qs.active, path.Key())
	c.wakeup.Broadcast()
	c.mu.Unlock()
}

// requeue puts an abandoned path back into todo.
func (c *coordinator) requeue(path accessor.Path) {
	c.mu.Lock()
	key := path.Key()
	delete(c.qs.active, key)
	c.qs.todo[key] = path
	c.wakeup.Broadcast()
	c.mu.Unlock()
}

// addChildren extends the queue with one step per child accessor.
func (c *coordinator) addChildren(m msg.WorkChildren) {
	c.mu.Lock()
	for _, a := range m.Children {
		path := m.Path.Extend(a)
		key := path.Key()
		if _, seen := c.qs.active[key]; seen {
			continue
		}
		c.qs.todo[key] = path
	}
	c.wakeup.Broadcast()
	c.mu.Unlock()
}

// fatal stores the run's error, if it is the first, and wakes everyone up.
func (c *coordinator) fatal(err error) error {
	c.mu.Lock()
	if c.qs.exc == nil {
		c.qs.exc = err
	}
	c.wakeup.Broadcast()
	c.mu.Unlock()
	logger.Printf("fatal: %v", err)
	return err
}

// interrupt flags an external interrupt; handlers observe it when they next
// look for work.
func (c *coordinator) interrupt() {
	c.interrupted.Store(true)
	c.mu.Lock()
	c.wakeup.Broadcast()
	c.mu.Unlock()
}

func (c *coordinator) dropWorker(w *conn) {
	if err := (*w).Close(); err != nil {
		logger.Printf("closing worker: %v", err)
	}
	*w = nil
}

// drvLine is one leaf on standard output.
type drvLine struct {
	Attr string        `json:"attr"`
	Path accessor.Path `json:"path"`
	*job.Drv
}

// errorLine is one per-path failure on standard output.
type errorLine struct {
	Attr  string        `json:"attr"`
	Path  accessor.Path `json:"path"`
	Error string        `json:"error"`
}

// emitDrv prints one leaf and registers its root. The shared lock keeps
// output lines whole across threads.
func (c *coordinator) emitDrv(m msg.WorkDrv) error {
	if c.roots != nil {
		if err := c.roots.AddPermRoot(m.Drv.DrvPath); err != nil {
			return err
		}
	}
	return c.emit(drvLine{Attr: m.Path.String(), Path: m.Path, Drv: m.Drv})
}

func (c *coordinator) emitError(m msg.WorkError) error {
	return c.emit(errorLine{Attr: m.Path.String(), Path: m.Path, Error: m.Detail})
}

func (c *coordinator) emit(line any) error {
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.out.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := c.out.Flush(); err != nil {
		return err
	}
	c.emitted++
	if c.progress {
		fmt.Fprintf(c.stderr, "nix-eval-jobs: %d jobs emitted, %d todo, %d active\n",
			c.emitted, len(c.qs.todo), len(c.qs.active))
	}
	return nil
}

func describe(m msg.WorkMsg) string {
	return fmt.Sprintf("%T", m)
}
