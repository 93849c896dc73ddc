package collab

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"notesCollab/backend/internal/ot/delta"
	"notesCollab/backend/internal/ot/textop"
)

var ErrRoomNotFound = errors.New("room not found")

// 房间被删除的原因
const (
	EvictEmpty = "empty"
	EvictIdle  = "idle"
)

type User struct {
	ID          string
	Name        string
	ConnID      string
	JoinedAt    time.Time
	Cursor      int
	CursorField string
	HasCursor   bool
}

type Options struct {
	OpLogCapacity   int
	TransformWindow time.Duration
	TransformDepth  int
	EmptyGrace      time.Duration
	IdleTTL         time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
	// 可选：房间事件下游（Kafka）
	Events EventSink
	// 房间被删除后回调（在锁外调用），snapshot 为最终字段内容
	OnEvict func(roomID string, snapshot map[string]string, reason string)
}

func (o *Options) withDefaults() {
	if o.OpLogCapacity <= 0 {
		o.OpLogCapacity = 100
	}
	if o.TransformWindow <= 0 {
		o.TransformWindow = time.Second
	}
	if o.EmptyGrace <= 0 {
		o.EmptyGrace = 5 * time.Minute
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = time.Hour
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type room struct {
	mu           sync.Mutex
	id           string
	users        map[string]*User
	fields       map[string]delta.Buffer
	opsRing      []textop.Operation
	createdAt    time.Time
	lastActivity time.Time
	evictTimer   clockwork.Timer
	// 已从 Store 摘除；拿到它的调用方需要重新获取
	evicted bool
}

// Store 内存实现：持有所有房间的状态
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*room
	opt   Options
}

func NewStore(opt Options) *Store {
	opt.withDefaults()
	return &Store{rooms: make(map[string]*room), opt: opt}
}

// 获取或创建指定房间
func (s *Store) getOrCreate(roomID string) *room {
	s.mu.RLock()
	r := s.rooms[roomID]
	s.mu.RUnlock()
	if r != nil {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r = s.rooms[roomID]; r == nil {
		now := s.opt.Clock.Now()
		r = &room{
			id:           roomID,
			users:        make(map[string]*User),
			fields:       make(map[string]delta.Buffer),
			opsRing:      make([]textop.Operation, 0, s.opt.OpLogCapacity),
			createdAt:    now,
			lastActivity: now,
		}
		s.rooms[roomID] = r
		s.opt.Logger.Debug("room created", "room", roomID)
	}
	return r
}

func (s *Store) get(roomID string) *room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID]
}

// lockLive 返回已加锁且仍在 Store 中的房间；create=false 且房间不存在时返回 nil
func (s *Store) lockLive(roomID string, create bool) *room {
	for {
		var r *room
		if create {
			r = s.getOrCreate(roomID)
		} else {
			r = s.get(roomID)
		}
		if r == nil {
			return nil
		}
		r.mu.Lock()
		if !r.evicted {
			return r
		}
		r.mu.Unlock()
	}
}

func (s *Store) touch(r *room) { r.lastActivity = s.opt.Clock.Now() }

// EnsureRoom 幂等
func (s *Store) EnsureRoom(roomID string) {
	r := s.lockLive(roomID, true)
	r.mu.Unlock()
}

func (s *Store) Exists(roomID string) bool { return s.get(roomID) != nil }

// AddUser 写入或覆盖成员，并取消待执行的删除。
// then 在房间锁内拿到当前快照和成员列表，保证新成员不会漏掉并发的更新。
func (s *Store) AddUser(roomID string, u User, then func(snap map[string]string, users []User)) {
	r := s.lockLive(roomID, true)
	defer r.mu.Unlock()
	if u.JoinedAt.IsZero() {
		u.JoinedAt = s.opt.Clock.Now()
	}
	r.users[u.ID] = &u
	if r.evictTimer != nil {
		r.evictTimer.Stop()
		r.evictTimer = nil
	}
	s.touch(r)
	if then != nil {
		then(snapshotLocked(r), usersLocked(r))
	}
}

// RemoveUser 只在成员仍属于 connID 时删除（connID 为空则不校验）。房间空了就安排延迟删除。
// 返回是否真的删除了成员；删除成功时 then 在房间锁内拿到剩余成员。
func (s *Store) RemoveUser(roomID, userID, connID string, then func(users []User)) bool {
	r := s.lockLive(roomID, false)
	if r == nil {
		return false
	}
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok || (connID != "" && u.ConnID != connID) {
		return false
	}
	delete(r.users, userID)
	s.touch(r)
	if len(r.users) == 0 {
		s.armEviction(r, s.opt.EmptyGrace)
	}
	if then != nil {
		then(usersLocked(r))
	}
	return true
}

// 调用方持有 r.mu
func (s *Store) armEviction(r *room, after time.Duration) {
	if r.evictTimer != nil {
		r.evictTimer.Stop()
	}
	roomID := r.id
	r.evictTimer = s.opt.Clock.AfterFunc(after, func() { s.evictIfEmpty(roomID, r) })
}

func (s *Store) evictIfEmpty(roomID string, r *room) {
	s.mu.Lock()
	r.mu.Lock()
	if r.evicted || s.rooms[roomID] != r || len(r.users) > 0 {
		r.mu.Unlock()
		s.mu.Unlock()
		return
	}
	if idle := s.opt.Clock.Since(r.lastActivity); idle < s.opt.EmptyGrace {
		// 期间又有活动，顺延
		s.armEviction(r, s.opt.EmptyGrace-idle)
		r.mu.Unlock()
		s.mu.Unlock()
		return
	}
	snap := s.removeLocked(r)
	r.mu.Unlock()
	s.mu.Unlock()
	s.afterEvict(roomID, snap, EvictEmpty)
}

// 调用方持有 s.mu 和 r.mu
func (s *Store) removeLocked(r *room) map[string]string {
	r.evicted = true
	if r.evictTimer != nil {
		r.evictTimer.Stop()
		r.evictTimer = nil
	}
	delete(s.rooms, r.id)
	return snapshotLocked(r)
}

func (s *Store) afterEvict(roomID string, snap map[string]string, reason string) {
	s.opt.Logger.Info("room evicted", "room", roomID, "reason", reason)
	s.emit(RoomEvent{EventType: EventRoomEvicted, RoomID: roomID, Snapshot: snap, Reason: reason, At: s.opt.Clock.Now()})
	if s.opt.OnEvict != nil {
		s.opt.OnEvict(roomID, snap, reason)
	}
}

func snapshotLocked(r *room) map[string]string {
	snap := make(map[string]string, len(r.fields))
	for f, b := range r.fields {
		snap[f] = b.String()
	}
	return snap
}

func (r *room) buffer(field string) delta.Buffer {
	b := r.fields[field]
	if b == nil {
		b = delta.NewPieceTable("")
		r.fields[field] = b
	}
	return b
}

// ApplyFullTextUpdate 覆盖字段全文。then 在房间锁内调用，用于保证同一房间的广播顺序。
// 事件也在锁内入队，和应用顺序一致。
func (s *Store) ApplyFullTextUpdate(roomID, field, value string, then func()) bool {
	return s.setField(roomID, field, value, func() {
		if then != nil {
			then()
		}
		s.emit(RoomEvent{EventType: EventTextUpdated, RoomID: roomID, Field: field, Value: value, At: s.opt.Clock.Now()})
	})
}

// ApplyRemoteFullTextUpdate 其它实例转发来的全文更新，不再产生事件
func (s *Store) ApplyRemoteFullTextUpdate(roomID, field, value string, then func()) bool {
	return s.setField(roomID, field, value, then)
}

func (s *Store) setField(roomID, field, value string, then func()) bool {
	r := s.lockLive(roomID, false)
	if r == nil {
		return false
	}
	defer r.mu.Unlock()
	r.buffer(field).Reset(value)
	s.touch(r)
	if then != nil {
		then()
	}
	return true
}

// ApplyOperation 对 op 做冲突变换后应用到字段，写入操作日志，返回变换后的操作
func (s *Store) ApplyOperation(roomID string, op textop.Operation, then func(textop.Operation)) (textop.Operation, bool) {
	r := s.lockLive(roomID, false)
	if r == nil {
		return op, false
	}
	op = textop.TransformAgainst(r.opsRing, op, s.opt.TransformWindow, s.opt.TransformDepth)
	s.applyLocked(r, op)
	if then != nil {
		then(op)
	}
	s.emit(RoomEvent{EventType: EventOpApplied, RoomID: roomID, Field: op.Field, Operation: &op, At: s.opt.Clock.Now()})
	r.mu.Unlock()
	return op, true
}

// ApplyRemoteOperation 应用其它实例已经变换过的操作，不再变换
func (s *Store) ApplyRemoteOperation(roomID string, op textop.Operation, then func(textop.Operation)) bool {
	r := s.lockLive(roomID, false)
	if r == nil {
		return false
	}
	s.applyLocked(r, op)
	if then != nil {
		then(op)
	}
	r.mu.Unlock()
	return true
}

func (s *Store) applyLocked(r *room, op textop.Operation) {
	buf := r.buffer(op.Field)
	if err := buf.Apply(textop.ToDelta(op.Edit, buf.Len())); err != nil {
		// ToDelta 已截断，不应出现
		s.opt.Logger.Warn("apply operation failed", "room", r.id, "op", op.ID, "err", err)
	}
	// 满了就丢最老的一条
	if len(r.opsRing) == s.opt.OpLogCapacity {
		copy(r.opsRing[0:], r.opsRing[1:])
		r.opsRing = r.opsRing[:len(r.opsRing)-1]
	}
	r.opsRing = append(r.opsRing, op)
	s.touch(r)
}

// Snapshot 房间所有字段当前内容
func (s *Store) Snapshot(roomID string) (map[string]string, bool) {
	r := s.lockLive(roomID, false)
	if r == nil {
		return nil, false
	}
	defer r.mu.Unlock()
	return snapshotLocked(r), true
}

func (s *Store) FieldValue(roomID, field string) (string, bool) {
	r := s.lockLive(roomID, false)
	if r == nil {
		return "", false
	}
	defer r.mu.Unlock()
	b, ok := r.fields[field]
	if !ok {
		return "", false
	}
	return b.String(), true
}

// Users 按加入时间排序
func (s *Store) Users(roomID string) []User {
	r := s.lockLive(roomID, false)
	if r == nil {
		return nil
	}
	defer r.mu.Unlock()
	return usersLocked(r)
}

func usersLocked(r *room) []User {
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (s *Store) Operations(roomID string) []textop.Operation {
	r := s.lockLive(roomID, false)
	if r == nil {
		return nil
	}
	defer r.mu.Unlock()
	return append([]textop.Operation(nil), r.opsRing...)
}

func (s *Store) SetCursor(roomID, userID, field string, pos int) bool {
	r := s.lockLive(roomID, false)
	if r == nil {
		return false
	}
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return false
	}
	u.Cursor, u.CursorField, u.HasCursor = pos, field, true
	s.touch(r)
	return true
}

func (s *Store) Touch(roomID string) bool {
	r := s.lockLive(roomID, false)
	if r == nil {
		return false
	}
	defer r.mu.Unlock()
	s.touch(r)
	return true
}

type UserStat struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type RoomStats struct {
	RoomID         string     `json:"roomId"`
	UserCount      int        `json:"userCount"`
	Users          []UserStat `json:"users"`
	OperationCount int        `json:"operationCount"`
	LastActivity   time.Time  `json:"lastActivity"`
}

func (s *Store) Stats(roomID string) (RoomStats, error) {
	r := s.lockLive(roomID, false)
	if r == nil {
		return RoomStats{}, ErrRoomNotFound
	}
	defer r.mu.Unlock()
	users := usersLocked(r)
	st := RoomStats{
		RoomID:         roomID,
		UserCount:      len(users),
		Users:          make([]UserStat, 0, len(users)),
		OperationCount: len(r.opsRing),
		LastActivity:   r.lastActivity,
	}
	for _, u := range users {
		st.Users = append(st.Users, UserStat{ID: u.ID, Name: u.Name, ConnectedAt: u.JoinedAt})
	}
	return st, nil
}

type Health struct {
	Rooms       int
	Connections int
}

func (s *Store) Health() Health {
	s.mu.RLock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()
	h := Health{Rooms: len(rooms)}
	for _, r := range rooms {
		r.mu.Lock()
		h.Connections += len(r.users)
		r.mu.Unlock()
	}
	return h
}

// Sweep 删除空闲超过 IdleTTL 的房间（不管是否还有成员），返回被删除的房间 id
func (s *Store) Sweep() []string {
	type evicted struct {
		id   string
		snap map[string]string
	}
	var out []evicted
	now := s.opt.Clock.Now()

	s.mu.Lock()
	for _, r := range s.rooms {
		r.mu.Lock()
		if now.Sub(r.lastActivity) > s.opt.IdleTTL {
			out = append(out, evicted{id: r.id, snap: s.removeLocked(r)})
		}
		r.mu.Unlock()
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(out))
	for _, e := range out {
		s.afterEvict(e.id, e.snap, EvictIdle)
		ids = append(ids, e.id)
	}
	return ids
}

// RunSweeper 每隔 interval 执行一次 Sweep，直到 ctx 结束
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := s.opt.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if ids := s.Sweep(); len(ids) > 0 {
				s.opt.Logger.Info("sweep evicted idle rooms", "count", len(ids))
			}
		}
	}
}

func (s *Store) emit(evt RoomEvent) {
	if s.opt.Events == nil {
		return
	}
	// 不阻塞主流程，入队超时就丢
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.opt.Events.Enqueue(ctx, evt); err != nil {
		s.opt.Logger.Debug("room event dropped", "room", evt.RoomID, "type", evt.EventType, "err", err)
	}
}
