package sync

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/metrics"
)

// JobKey identifies a pull: the folder list of an account when FolderID is
// empty, otherwise the messages of one folder.
type JobKey struct {
	AccountID string
	FolderID  string
}

func AccountKey(accountID string) JobKey {
	return JobKey{AccountID: accountID}
}

func FolderKey(accountID, folderID string) JobKey {
	return JobKey{AccountID: accountID, FolderID: folderID}
}

func (k JobKey) IsFolder() bool {
	return k.FolderID != ""
}

func (k JobKey) String() string {
	if k.FolderID == "" {
		return k.AccountID
	}
	return k.AccountID + "/" + k.FolderID
}

type job struct {
	generation string
	cancel     context.CancelFunc
	done       chan struct{}

	// state to restore if the job ends canceled
	prior    FetchState
	hasPrior bool
}

// jobRegistry holds at most one job per key. A launch cancels and replaces
// the registered job; only the registered generation may settle.
type jobRegistry struct {
	mu   sync.Mutex
	jobs map[JobKey]*job

	// done channels of jobs canceled by cancelWhere that may still be running
	exiting map[JobKey]chan struct{}
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{
		jobs:    make(map[JobKey]*job),
		exiting: make(map[JobKey]chan struct{}),
	}
}

// register cancels any job for key and records a new one. The returned
// channel is closed once the previous job has exited.
func (r *jobRegistry) register(parent context.Context, key JobKey, onRegister func(old, j *job)) (context.Context, *job, <-chan struct{}) {
	ctx, cancel := context.WithCancel(parent)
	j := &job{
		generation: uuid.NewString(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := closedChan
	old, ok := r.jobs[key]
	if ok {
		old.cancel()
		prev = old.done
	} else {
		metrics.ActiveJobs.Inc()
		if done, exiting := r.exiting[key]; exiting {
			prev = done
			delete(r.exiting, key)
		}
	}
	r.jobs[key] = j
	if onRegister != nil {
		onRegister(old, j)
	}
	return ctx, j, prev
}

// settle runs fn and unregisters j if j is still the registered job for key.
// It reports whether fn ran.
func (r *jobRegistry) settle(key JobKey, j *job, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.jobs[key]; !ok || cur != j {
		return false
	}
	if fn != nil {
		fn()
	}
	delete(r.jobs, key)
	metrics.ActiveJobs.Dec()
	return true
}

func (r *jobRegistry) active(key JobKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[key]
	return ok
}

func (r *jobRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// cancelWhere cancels and unregisters every job whose key matches pred,
// running onCancel for each under the registry lock.
func (r *jobRegistry) cancelWhere(pred func(JobKey) bool, onCancel func(JobKey, *job)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, j := range r.jobs {
		if !pred(key) {
			continue
		}
		j.cancel()
		delete(r.jobs, key)
		metrics.ActiveJobs.Dec()
		r.exiting[key] = j.done
		go r.forgetExited(key, j.done)
		if onCancel != nil {
			onCancel(key, j)
		}
	}
}

func (r *jobRegistry) forgetExited(key JobKey, done chan struct{}) {
	<-done
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exiting[key] == done {
		delete(r.exiting, key)
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
