package database

import (
	"context"
	"iter"
	"sort"
	"sync"

	"collabd/internal/collab"
)

// memoryBaseID is the first local id handed out by a MemoryStore.
const memoryBaseID = 500

// MemoryStore is the ephemeral ProjectStore. Every user authenticates with
// full account permissions. Snapshots, forks and imports are not supported.
type MemoryStore struct {
	clock collab.Clock

	mu       sync.RWMutex
	nextID   int64
	lastUpd  int64
	projects map[int64]*collab.Project
	byGlobal map[string]int64
	updates  map[int64][]*collab.Update
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(clock collab.Clock) *MemoryStore {
	if clock == nil {
		clock = collab.SystemClock
	}
	return &MemoryStore{
		clock:    clock,
		nextID:   memoryBaseID,
		projects: make(map[int64]*collab.Project),
		byGlobal: make(map[string]int64),
		updates:  make(map[int64][]*collab.Update),
	}
}

func (m *MemoryStore) Authenticate(ctx context.Context, username string, challenge, response []byte) (*collab.Account, error) {
	if len(response) != collab.ResponseSize {
		return nil, collab.ErrAuthInvalidProtocol
	}
	return &collab.Account{
		Username:  username,
		Publish:   collab.FullPermissions,
		Subscribe: collab.FullPermissions,
	}, nil
}

func (m *MemoryStore) CreateProject(ctx context.Context, owner, hash, description string, masks collab.MaskPair) (*collab.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var gpid string
	for {
		var err error
		gpid, err = collab.NewGlobalID()
		if err != nil {
			return nil, err
		}
		if _, taken := m.byGlobal[gpid]; !taken {
			break
		}
	}

	p := &collab.Project{
		ID:              m.nextID,
		GlobalID:        gpid,
		Hash:            hash,
		Description:     description,
		Owner:           owner,
		Publish:         masks.Publish,
		Subscribe:       masks.Subscribe,
		ProtocolVersion: collab.ProtocolVersion,
		CreatedAt:       m.clock.Now(),
	}
	m.nextID++
	m.projects[p.ID] = p
	m.byGlobal[gpid] = p.ID

	out := *p
	return &out, nil
}

func (m *MemoryStore) Project(ctx context.Context, id int64) (*collab.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, collab.ErrProjectNotFound
	}
	out := *p
	return &out, nil
}

func (m *MemoryStore) ListProjects(ctx context.Context, hash string) ([]*collab.Project, error) {
	return m.collect(func(p *collab.Project) bool { return p.Hash == hash }), nil
}

func (m *MemoryStore) AllProjects(ctx context.Context) ([]*collab.Project, error) {
	return m.collect(func(*collab.Project) bool { return true }), nil
}

func (m *MemoryStore) collect(match func(*collab.Project) bool) []*collab.Project {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*collab.Project
	for _, p := range m.projects {
		if match(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) ResolveGlobalID(ctx context.Context, globalID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byGlobal[globalID]
	if !ok {
		return 0, collab.ErrProjectNotFound
	}
	return id, nil
}

func (m *MemoryStore) UpdateProjectPermissions(ctx context.Context, projectID int64, masks collab.MaskPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[projectID]
	if !ok {
		return collab.ErrProjectNotFound
	}
	p.Publish = masks.Publish
	p.Subscribe = masks.Subscribe
	return nil
}

func (m *MemoryStore) Snapshot(context.Context, int64, int64, string, string) (*collab.Project, error) {
	return nil, collab.ErrNotSupported
}

func (m *MemoryStore) Fork(context.Context, int64, int64, string, string, collab.MaskPair) (*collab.Project, error) {
	return nil, collab.ErrNotSupported
}

func (m *MemoryStore) ForkFromSnapshot(context.Context, int64, string, string, collab.MaskPair) (*collab.Project, error) {
	return nil, collab.ErrNotSupported
}

func (m *MemoryStore) ImportProject(context.Context, collab.ProjectImport, iter.Seq2[*collab.Update, error]) (*collab.Project, error) {
	return nil, collab.ErrNotSupported
}

func (m *MemoryStore) AppendUpdate(ctx context.Context, projectID int64, author, command string, payload []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[projectID]; !ok {
		return 0, collab.ErrProjectNotFound
	}
	m.lastUpd++
	m.updates[projectID] = append(m.updates[projectID], &collab.Update{
		ID:        m.lastUpd,
		ProjectID: projectID,
		Author:    author,
		Command:   command,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: m.clock.Now(),
	})
	return m.lastUpd, nil
}

// UpdatesSince iterates a copy of the log taken at call time.
func (m *MemoryStore) UpdatesSince(ctx context.Context, projectID, last int64) iter.Seq2[*collab.Update, error] {
	m.mu.RLock()
	log := m.updates[projectID]
	start := sort.Search(len(log), func(i int) bool { return log[i].ID > last })
	pending := append([]*collab.Update(nil), log[start:]...)
	m.mu.RUnlock()

	return func(yield func(*collab.Update, error) bool) {
		for _, u := range pending {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			cp := *u
			if !yield(&cp, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) CheckMigrations() error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ collab.ProjectStore = (*MemoryStore)(nil)
