package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/knximport/internal/knxproj"
)

// Memory keeps projects in process memory.
type Memory struct {
	mu       sync.RWMutex
	nextID   int64
	projects map[int64]*memoryProject
}

type memoryProject struct {
	header Project
	data   knxproj.ProjectData
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{projects: make(map[int64]*memoryProject)}
}

func (m *Memory) CreateProject(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.projects[m.nextID] = &memoryProject{
		header: Project{ID: m.nextID, Name: name, CreatedAt: time.Now()},
	}
	return m.nextID, nil
}

// SaveEntities replaces the entities of a project.
func (m *Memory) SaveEntities(ctx context.Context, projectID int64, data *knxproj.ProjectData) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[projectID]
	if !ok {
		return ErrProjectNotFound
	}
	p.data = knxproj.ProjectData{
		GroupAddresses: append([]knxproj.GroupAddress(nil), data.GroupAddresses...),
		Devices:        append([]knxproj.Device(nil), data.Devices...),
	}
	p.header.GroupAddressCount = len(data.GroupAddresses)
	p.header.DeviceCount = len(data.Devices)
	return nil
}

func (m *Memory) DeleteProject(_ context.Context, projectID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[projectID]; !ok {
		return ErrProjectNotFound
	}
	delete(m.projects, projectID)
	return nil
}

// Entities returns a copy of the stored entities of a project.
func (m *Memory) Entities(projectID int64) (*knxproj.ProjectData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[projectID]
	if !ok {
		return nil, false
	}
	return &knxproj.ProjectData{
		GroupAddresses: append([]knxproj.GroupAddress(nil), p.data.GroupAddresses...),
		Devices:        append([]knxproj.Device(nil), p.data.Devices...),
	}, true
}

// Project returns a stored project header.
func (m *Memory) Project(_ context.Context, projectID int64) (Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[projectID]
	if !ok {
		return Project{}, ErrProjectNotFound
	}
	return p.header, nil
}

// Projects lists stored projects by id.
func (m *Memory) Projects() []Project {
	m.mu.RLock()
	out := make([]Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p.header)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }
