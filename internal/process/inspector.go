package process

import (
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ErrNoSuchProcess is returned when a pid no longer exists.
var ErrNoSuchProcess = errors.New("no such process")

// Identity is the stable part of a process: what binary it runs and when it started.
type Identity struct {
	PID       uint32
	Name      string
	Path      string
	Publisher string
	StartTime time.Time
}

// Usage is the resource usage of a running process.
type Usage struct {
	MemoryBytes uint64
	Threads     int32
}

// Info combines identity and the latest usage. Exited is set when usage could not be read
// because the process is gone.
type Info struct {
	Identity
	Usage
	Exited bool
}

// Source reads process details from the operating system.
type Source interface {
	Identity(pid uint32) (Identity, error)
	Usage(pid uint32) (Usage, error)
}

// Inspector resolves pids to process details. Identities are cached with a TTL; usage is
// always read fresh.
type Inspector struct {
	cache  *lru.LRU[uint32, Identity]
	source Source
	log    *zap.SugaredLogger
}

// NewInspector creates an inspector backed by gopsutil.
func NewInspector(ttl time.Duration, maxSize int) *Inspector {
	return NewInspectorWithSource(SystemSource{}, ttl, maxSize)
}

// NewInspectorWithSource creates an inspector over an arbitrary source.
func NewInspectorWithSource(src Source, ttl time.Duration, maxSize int) *Inspector {
	return &Inspector{
		cache:  lru.NewLRU[uint32, Identity](maxSize, nil, ttl),
		source: src,
		log:    logging.L("process"),
	}
}

// Identity returns the cached identity of pid, reading it from the source on a miss.
func (i *Inspector) Identity(pid uint32) (Identity, error) {
	if id, ok := i.cache.Get(pid); ok {
		return id, nil
	}
	id, err := i.source.Identity(pid)
	if err != nil {
		return Identity{PID: pid}, err
	}
	i.cache.Add(pid, id)
	return id, nil
}

// Inspect returns identity and usage for pid. It never fails: unknown fields are left
// empty and a process whose usage cannot be read is reported as exited.
func (i *Inspector) Inspect(pid uint32) Info {
	id, err := i.Identity(pid)
	if err != nil {
		i.log.Debugw("Process identity unavailable", "pid", pid, "error", err)
	}
	info := Info{Identity: id}
	usage, err := i.source.Usage(pid)
	if err != nil {
		info.Exited = true
		i.cache.Remove(pid)
		return info
	}
	info.Usage = usage
	return info
}

// Application returns the application a pid belongs to. name is used when the process
// can no longer be inspected.
func (i *Inspector) Application(pid uint32, name string) model.Application {
	id, err := i.Identity(pid)
	if err != nil || id.Path == "" {
		id.Path = name
	}
	if id.Name == "" {
		id.Name = name
	}
	if id.Name == "" {
		id.Name = filepath.Base(id.Path)
	}
	return model.Application{
		AppID:     model.AppID(id.Path, id.Publisher, id.Name),
		Name:      id.Name,
		Path:      id.Path,
		Publisher: id.Publisher,
		FirstSeen: time.Now().UTC(),
	}
}

// SystemSource reads process details with gopsutil.
type SystemSource struct{}

func (SystemSource) Identity(pid uint32) (Identity, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Identity{PID: pid}, fmt.Errorf("%w: pid %d: %v", ErrNoSuchProcess, pid, err)
	}
	id := Identity{PID: pid}
	if name, err := proc.Name(); err == nil {
		id.Name = name
	}
	if exe, err := proc.Exe(); err == nil {
		id.Path = exe
	}
	if created, err := proc.CreateTime(); err == nil {
		id.StartTime = time.UnixMilli(created).UTC()
	}
	return id, nil
}

func (SystemSource) Usage(pid uint32) (Usage, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("%w: pid %d: %v", ErrNoSuchProcess, pid, err)
	}
	var u Usage
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("read memory of pid %d: %w", pid, err)
	}
	u.MemoryBytes = mem.RSS
	if threads, err := proc.NumThreads(); err == nil {
		u.Threads = threads
	}
	return u, nil
}
