package dispatch

import (
	"Go2NetWatch/internal/model"
	"Go2NetWatch/internal/process"
	"Go2NetWatch/internal/ranking"
	"sort"
	"strconv"
	"time"
)

// Connections is the read side of the connection tracker.
type Connections interface {
	Snapshot() []model.ConnectionRecord
	ByProcess(pids map[uint32]struct{}) []model.ConnectionRecord
}

// Rates exposes the ranking engine's per-process rates.
type Rates interface {
	Rates(pid uint32) (ranking.Rate, bool)
}

// Processes inspects live processes.
type Processes interface {
	Inspect(pid uint32) process.Info
}

// ConnectionView is one connection as pushed to clients.
type ConnectionView struct {
	Protocol      string    `json:"protocol"`
	LocalAddr     string    `json:"localAddr"`
	LocalPort     uint16    `json:"localPort"`
	RemoteAddr    string    `json:"remoteAddr"`
	RemotePort    uint16    `json:"remotePort"`
	State         string    `json:"state"`
	Direction     string    `json:"direction"`
	BytesSent     uint64    `json:"bytesSent"`
	BytesReceived uint64    `json:"bytesReceived"`
	StartTime     time.Time `json:"startTime"`
	LastSeenTime  time.Time `json:"lastSeenTime"`
	Partial       bool      `json:"partial"`
}

// ProcessDetail is the process-level snapshot of one pid.
type ProcessDetail struct {
	PID           uint32           `json:"pid"`
	Name          string           `json:"name"`
	Path          string           `json:"path"`
	StartTime     time.Time        `json:"startTime"`
	Exited        bool             `json:"exited"`
	MemoryBytes   uint64           `json:"memoryBytes"`
	Threads       int32            `json:"threads"`
	UploadRate    float64          `json:"uploadRate"`
	DownloadRate  float64          `json:"downloadRate"`
	BytesSent     uint64           `json:"bytesSent"`
	BytesReceived uint64           `json:"bytesReceived"`
	Connections   []ConnectionView `json:"connections"`
}

// AppSummary is one logical application: every process instance of the same binary
// merged into a single row.
type AppSummary struct {
	Path          string    `json:"path"`
	Name          string    `json:"name"`
	ProcessIDs    []uint32  `json:"processIds"`
	StartTime     time.Time `json:"startTime"`
	Exited        bool      `json:"exited"`
	MemoryBytes   uint64    `json:"memoryBytes"`
	Threads       int32     `json:"threads"`
	Connections   int       `json:"connections"`
	UploadRate    float64   `json:"uploadRate"`
	DownloadRate  float64   `json:"downloadRate"`
	BytesSent     uint64    `json:"bytesSent"`
	BytesReceived uint64    `json:"bytesReceived"`
}

// AppDetail is the deep snapshot of one application path.
type AppDetail struct {
	AppSummary
	Processes []ProcessDetail `json:"processes"`
}

type snapshotter struct {
	conns Connections
	rates Rates
	procs Processes
}

// NewConnectionView converts a tracked record for clients.
func NewConnectionView(rec model.ConnectionRecord) ConnectionView {
	return ConnectionView{
		Protocol:      rec.Key.Protocol.String(),
		LocalAddr:     rec.Key.LocalAddr.String(),
		LocalPort:     rec.Key.LocalPort,
		RemoteAddr:    rec.Key.RemoteAddr.String(),
		RemotePort:    rec.Key.RemotePort,
		State:         rec.State.String(),
		Direction:     rec.Direction.String(),
		BytesSent:     rec.BytesSent,
		BytesReceived: rec.BytesReceived,
		StartTime:     rec.StartTime,
		LastSeenTime:  rec.LastSeenTime,
		Partial:       rec.IsPartialConnection,
	}
}

// processDetail builds the detail of pid from its connections. name is the capture-side
// process name, used when the process can no longer be inspected.
func (s *snapshotter) processDetail(pid uint32, name string, recs []model.ConnectionRecord) ProcessDetail {
	info := s.procs.Inspect(pid)
	d := ProcessDetail{
		PID:         pid,
		Name:        info.Name,
		Path:        info.Path,
		StartTime:   info.StartTime,
		Exited:      info.Exited,
		MemoryBytes: info.MemoryBytes,
		Threads:     info.Threads,
		Connections: make([]ConnectionView, 0, len(recs)),
	}
	if d.Name == "" {
		d.Name = name
	}
	if d.Path == "" {
		d.Path = fallbackPath(pid, d.Name)
	}
	if r, ok := s.rates.Rates(pid); ok {
		d.UploadRate, d.DownloadRate = r.UploadRate, r.DownloadRate
	}
	for _, rec := range recs {
		d.BytesSent += rec.BytesSent
		d.BytesReceived += rec.BytesReceived
		d.Connections = append(d.Connections, NewConnectionView(rec))
	}
	sort.Slice(d.Connections, func(i, k int) bool {
		a, b := d.Connections[i], d.Connections[k]
		if a.StartTime.Equal(b.StartTime) {
			return a.LocalPort < b.LocalPort
		}
		return a.StartTime.Before(b.StartTime)
	})
	return d
}

// fallbackPath names a process whose executable path is unknown.
func fallbackPath(pid uint32, name string) string {
	if name != "" {
		return name
	}
	return "pid:" + strconv.FormatUint(uint64(pid), 10)
}

// byPID groups connection records by owning process, remembering a process name.
func byPID(recs []model.ConnectionRecord) (map[uint32][]model.ConnectionRecord, map[uint32]string) {
	groups := make(map[uint32][]model.ConnectionRecord)
	names := make(map[uint32]string)
	for _, rec := range recs {
		pid := rec.Key.PID
		groups[pid] = append(groups[pid], rec)
		if names[pid] == "" {
			names[pid] = rec.ProcessName
		}
	}
	return groups, names
}

// processes builds the details of every process owning a live connection.
func (s *snapshotter) processes() []ProcessDetail {
	groups, names := byPID(s.conns.Snapshot())
	out := make([]ProcessDetail, 0, len(groups))
	for pid, recs := range groups {
		out = append(out, s.processDetail(pid, names[pid], recs))
	}
	return out
}

// merge folds process instances of one binary into an application row: earliest start
// time, exited if any instance exited, summed memory, threads, rates and bytes.
func merge(path string, procs []ProcessDetail) AppSummary {
	a := AppSummary{Path: path, ProcessIDs: make([]uint32, 0, len(procs))}
	for _, p := range procs {
		if a.Name == "" {
			a.Name = p.Name
		}
		a.ProcessIDs = append(a.ProcessIDs, p.PID)
		if !p.StartTime.IsZero() && (a.StartTime.IsZero() || p.StartTime.Before(a.StartTime)) {
			a.StartTime = p.StartTime
		}
		a.Exited = a.Exited || p.Exited
		a.MemoryBytes += p.MemoryBytes
		a.Threads += p.Threads
		a.Connections += len(p.Connections)
		a.UploadRate += p.UploadRate
		a.DownloadRate += p.DownloadRate
		a.BytesSent += p.BytesSent
		a.BytesReceived += p.BytesReceived
	}
	sort.Slice(a.ProcessIDs, func(i, k int) bool { return a.ProcessIDs[i] < a.ProcessIDs[k] })
	return a
}

func groupByPath(procs []ProcessDetail) map[string][]ProcessDetail {
	groups := make(map[string][]ProcessDetail)
	for _, p := range procs {
		groups[p.Path] = append(groups[p.Path], p)
	}
	return groups
}

// Applications is the fleet-wide summary: live connections grouped by executable path.
func (s *snapshotter) Applications() []AppSummary {
	groups := groupByPath(s.processes())
	out := make([]AppSummary, 0, len(groups))
	for path, procs := range groups {
		out = append(out, merge(path, procs))
	}
	sort.Slice(out, func(i, k int) bool {
		ti, tk := out[i].UploadRate+out[i].DownloadRate, out[k].UploadRate+out[k].DownloadRate
		if ti != tk {
			return ti > tk
		}
		return out[i].Path < out[k].Path
	})
	return out
}

// Processes returns the detail of each subscribed pid, including pids that currently own
// no connection.
func (s *snapshotter) Processes(pids map[uint32]struct{}) []ProcessDetail {
	groups, names := byPID(s.conns.ByProcess(pids))
	out := make([]ProcessDetail, 0, len(pids))
	for pid := range pids {
		out = append(out, s.processDetail(pid, names[pid], groups[pid]))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].PID < out[k].PID })
	return out
}

// AppDetail returns the deep snapshot of the application at path. ok is false when no
// live process belongs to it.
func (s *snapshotter) AppDetail(path string) (AppDetail, bool) {
	procs := groupByPath(s.processes())[path]
	if len(procs) == 0 {
		return AppDetail{AppSummary: AppSummary{Path: path, ProcessIDs: []uint32{}}, Processes: []ProcessDetail{}}, false
	}
	sort.Slice(procs, func(i, k int) bool { return procs[i].PID < procs[k].PID })
	return AppDetail{AppSummary: merge(path, procs), Processes: procs}, true
}
