package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Collection file names under the state directory.
const (
	tasksFile        = "tasks.json"
	workersFile      = "workers.json"
	workspacesFile   = "workspaces.json"
	repositoriesFile = "repositories.json"
)

// LockFileName is the exclusive-create sentinel guarding mutations across
// processes sharing a state directory.
const LockFileName = ".lock"

// Lock acquisition bounds. The sentinel is held only for the duration of a
// single persist, so contention normally clears within one retry; a sentinel
// older than staleLockAge belongs to a dead process and is reclaimed.
// Variables so tests can tighten the retry budget.
var (
	lockRetryInterval = 100 * time.Millisecond
	lockMaxRetries    = 50
	staleLockAge      = 30 * time.Second
)

// ErrResourceBusy is returned when the on-disk lock cannot be acquired
// within the retry budget.
var ErrResourceBusy = errors.New("state lock busy")

// LockError reports a failed acquisition of the on-disk state lock.
type LockError struct {
	Path string
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("acquire state lock %s: %v", e.Path, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// FileStore persists orchestrator state as one JSON file per collection.
// Reads are served from in-memory maps and return defensive copies; every
// mutation rewrites the affected file atomically under a process-local
// mutex plus the on-disk sentinel, so two processes pointed at the same
// state directory cannot interleave writes.
//
// The store is a recovery aid, not the source of truth: the board and the
// open pull requests are. Anything here that cannot be parsed is dropped
// and rebuilt on the next planning cycle.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu           sync.RWMutex
	tasks        map[string]*Task
	workers      map[string]*Worker
	workspaces   map[string]*WorkspaceInfo // keyed by task ID
	repositories map[string]*RepositoryState
}

// NewFileStore creates a store rooted at dir. Initialize must be called
// before any other method.
func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		dir:          dir,
		logger:       logger,
		tasks:        make(map[string]*Task),
		workers:      make(map[string]*Worker),
		workspaces:   make(map[string]*WorkspaceInfo),
		repositories: make(map[string]*RepositoryState),
	}
}

// Initialize creates the state directory and loads every collection from
// disk. Missing, empty, or unparseable files become empty collections so
// one damaged file never blocks startup; other I/O errors are fatal.
func (s *FileStore) Initialize() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.tasks, err = loadCollection(s.logger, s.path(tasksFile), func(t *Task) string { return t.ID }); err != nil {
		return err
	}
	if s.workers, err = loadCollection(s.logger, s.path(workersFile), func(w *Worker) string { return w.ID }); err != nil {
		return err
	}
	if s.workspaces, err = loadCollection(s.logger, s.path(workspacesFile), func(w *WorkspaceInfo) string { return w.TaskID }); err != nil {
		return err
	}
	if s.repositories, err = loadCollection(s.logger, s.path(repositoriesFile), func(r *RepositoryState) string { return r.ID }); err != nil {
		return err
	}

	s.logger.Info("state store initialized",
		"dir", s.dir,
		"tasks", len(s.tasks),
		"workers", len(s.workers),
		"workspaces", len(s.workspaces),
		"repositories", len(s.repositories))
	return nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *FileStore) lockPath() string {
	return filepath.Join(s.dir, LockFileName)
}

// acquireLock takes the on-disk sentinel via exclusive create, spinning a
// bounded number of times. A sentinel whose mtime exceeds staleLockAge is
// treated as abandoned and removed.
func (s *FileStore) acquireLock() error {
	path := s.lockPath()
	for attempt := 0; attempt < lockMaxRetries; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return &LockError{Path: path, Err: err}
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			s.logger.Warn("removing stale state lock",
				"path", path,
				"age", time.Since(info.ModTime()).Round(time.Second))
			os.Remove(path)
			continue
		}
		time.Sleep(lockRetryInterval)
	}
	return &LockError{Path: path, Err: ErrResourceBusy}
}

func (s *FileStore) releaseLock() {
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("release state lock", "error", err)
	}
}

// SaveTask upserts a task. CreatedAt is set on first save and UpdatedAt is
// stamped on every save.
func (s *FileStore) SaveTask(t *Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task id required")
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tasks[t.ID] = t.Clone()
	return persistCollection(s.path(tasksFile), sortedValues(s.tasks))
}

// GetTask returns a copy of the task with the given id.
func (s *FileStore) GetTask(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// GetAllTasks returns copies of every task, ordered by id.
func (s *FileStore) GetAllTasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range sortedValues(s.tasks) {
		out = append(out, t.Clone())
	}
	return out
}

// GetTasksByStatus returns copies of all tasks in the given status,
// ordered by id.
func (s *FileStore) GetTasksByStatus(status TaskStatus) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range sortedValues(s.tasks) {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	return out
}

// GetTaskLastSyncTime returns the comment-sync bookmark recorded for a
// task, or (zero, false) when none exists.
func (s *FileStore) GetTaskLastSyncTime(taskID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok || t.LastSyncTime == nil {
		return time.Time{}, false
	}
	return *t.LastSyncTime, true
}

// UpdateTaskLastSyncTime records the comment-sync bookmark for a task.
// A missing task record is created in IN_REVIEW, the only status that
// syncs comments.
func (s *FileStore) UpdateTaskLastSyncTime(taskID string, ts time.Time) error {
	if taskID == "" {
		return errors.New("task id required")
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	t, ok := s.tasks[taskID]
	if !ok {
		t = &Task{ID: taskID, Status: TaskInReview, CreatedAt: now}
		s.tasks[taskID] = t
	}
	utc := ts.UTC()
	t.LastSyncTime = &utc
	t.UpdatedAt = now
	return persistCollection(s.path(tasksFile), sortedValues(s.tasks))
}

// AddProcessedCommentsToTask appends comment ids to the task's processed
// set, skipping ids already present. Re-adding an already processed id is
// a no-op and does not rewrite the file.
func (s *FileStore) AddProcessedCommentsToTask(taskID string, commentIDs []string) error {
	if taskID == "" {
		return errors.New("task id required")
	}
	if len(commentIDs) == 0 {
		return nil
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	t, ok := s.tasks[taskID]
	if !ok {
		t = &Task{ID: taskID, Status: TaskInReview, CreatedAt: now}
		s.tasks[taskID] = t
	}
	changed := false
	for _, id := range commentIDs {
		if t.HasProcessedComment(id) {
			continue
		}
		t.ProcessedCommentIDs = append(t.ProcessedCommentIDs, id)
		changed = true
	}
	if !changed {
		return nil
	}
	t.UpdatedAt = now
	return persistCollection(s.path(tasksFile), sortedValues(s.tasks))
}

// SaveWorker upserts a worker record.
func (s *FileStore) SaveWorker(w *Worker) error {
	if w == nil || w.ID == "" {
		return errors.New("worker id required")
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.workers[w.ID] = w.Clone()
	return persistCollection(s.path(workersFile), sortedValues(s.workers))
}

// GetWorker returns a copy of the worker with the given id.
func (s *FileStore) GetWorker(id string) (*Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// GetAllWorkers returns copies of every worker, ordered by id.
func (s *FileStore) GetAllWorkers() []*Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range sortedValues(s.workers) {
		out = append(out, w.Clone())
	}
	return out
}

// GetActiveWorkers returns copies of workers in WAITING or WORKING status,
// the two statuses that hold a claimed task.
func (s *FileStore) GetActiveWorkers() []*Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Worker
	for _, w := range sortedValues(s.workers) {
		if w.Status == WorkerWaiting || w.Status == WorkerWorking {
			out = append(out, w.Clone())
		}
	}
	return out
}

// GetWorkerByTaskID returns the worker currently holding the given task.
func (s *FileStore) GetWorkerByTaskID(taskID string) (*Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		if w.CurrentTask != nil && w.CurrentTask.TaskID == taskID {
			return w.Clone(), true
		}
	}
	return nil, false
}

// DeleteWorker removes a worker record. Deleting an absent worker is a
// no-op.
func (s *FileStore) DeleteWorker(id string) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; !ok {
		return nil
	}
	delete(s.workers, id)
	return persistCollection(s.path(workersFile), sortedValues(s.workers))
}

// CleanupIdleWorkers deletes IDLE workers whose lastActiveAt predates the
// cutoff and returns their ids. An IDLE record still carrying a task is
// corrupt (IDLE implies no task) and is retired like any other.
func (s *FileStore) CleanupIdleWorkers(cutoff time.Time) ([]string, error) {
	if err := s.acquireLock(); err != nil {
		return nil, err
	}
	defer s.releaseLock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, w := range s.workers {
		if w.Status == WorkerIdle && w.LastActiveAt.Before(cutoff) {
			delete(s.workers, id)
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	sort.Strings(removed)
	if err := persistCollection(s.path(workersFile), sortedValues(s.workers)); err != nil {
		return nil, err
	}
	return removed, nil
}

// SaveWorkspace upserts a workspace record, keyed by its task id.
func (s *FileStore) SaveWorkspace(ws *WorkspaceInfo) error {
	if ws == nil || ws.TaskID == "" {
		return errors.New("workspace task id required")
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.workspaces[ws.TaskID] = ws.Clone()
	return persistCollection(s.path(workspacesFile), sortedValues(s.workspaces))
}

// GetWorkspace returns a copy of the workspace record for a task.
func (s *FileStore) GetWorkspace(taskID string) (*WorkspaceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[taskID]
	if !ok {
		return nil, false
	}
	return ws.Clone(), true
}

// GetAllWorkspaces returns copies of every workspace record, ordered by
// task id.
func (s *FileStore) GetAllWorkspaces() []*WorkspaceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*WorkspaceInfo, 0, len(s.workspaces))
	for _, ws := range sortedValues(s.workspaces) {
		out = append(out, ws.Clone())
	}
	return out
}

// DeleteWorkspace removes the workspace record for a task. Absent records
// are a no-op.
func (s *FileStore) DeleteWorkspace(taskID string) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[taskID]; !ok {
		return nil
	}
	delete(s.workspaces, taskID)
	return persistCollection(s.path(workspacesFile), sortedValues(s.workspaces))
}

// SaveRepository upserts a repository cache record.
func (s *FileStore) SaveRepository(r *RepositoryState) error {
	if r == nil || r.ID == "" {
		return errors.New("repository id required")
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.repositories[r.ID] = r.Clone()
	return persistCollection(s.path(repositoriesFile), sortedValues(s.repositories))
}

// GetRepository returns a copy of the repository cache record.
func (s *FileStore) GetRepository(id string) (*RepositoryState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repositories[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// GetAllRepositories returns copies of every repository record, ordered by
// id.
func (s *FileStore) GetAllRepositories() []*RepositoryState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RepositoryState, 0, len(s.repositories))
	for _, r := range sortedValues(s.repositories) {
		out = append(out, r.Clone())
	}
	return out
}

// DeleteRepository removes a repository cache record. Absent records are a
// no-op.
func (s *FileStore) DeleteRepository(id string) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	defer s.releaseLock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.repositories[id]; !ok {
		return nil
	}
	delete(s.repositories, id)
	return persistCollection(s.path(repositoriesFile), sortedValues(s.repositories))
}

// loadCollection reads a JSON array file into a map keyed by keyFn. A
// missing, empty, or corrupt file yields an empty map; the board and the
// open pull requests remain the source of truth.
func loadCollection[T any](logger *slog.Logger, path string, keyFn func(*T) string) (map[string]*T, error) {
	out := make(map[string]*T)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return out, nil
	}
	var items []*T
	if err := json.Unmarshal(data, &items); err != nil {
		logger.Warn("discarding unparseable state file",
			"file", filepath.Base(path),
			"error", err)
		return out, nil
	}
	for _, item := range items {
		if key := keyFn(item); key != "" {
			out[key] = item
		}
	}
	return out, nil
}

// persistCollection writes items as an indented JSON array via a temp file
// plus rename, so readers never observe a partial write.
func persistCollection[T any](path string, items []*T) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// sortedValues returns map values ordered by key for deterministic files.
func sortedValues[T any](m map[string]*T) []*T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*T, 0, len(m))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
