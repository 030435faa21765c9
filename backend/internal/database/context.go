package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"crema/backend/internal/apperr"
	"crema/backend/internal/auth"
	"crema/backend/internal/domain"
	"crema/backend/internal/domainctx"
	"crema/backend/internal/domainlog"
)

type Options struct {
	Repo      Repository
	Snapshots SnapshotStore
	Logs      *domainlog.Store
	Listeners *domainctx.Listeners
	QueueSize int
	Now       func() time.Time
}

type entry struct {
	info    Info
	domains *domainctx.Context // 未加载时为 nil
}

// Context 拥有全部 data-base，并为每个已加载的 data-base 持有一个 Domain Context
type Context struct {
	opts  Options
	group singleflight.Group

	mu       sync.RWMutex
	bases    map[string]*entry
	sessions map[string]*session
}

func New(opts Options) *Context {
	if opts.Repo == nil {
		opts.Repo = NewMemoryRepository()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Context{
		opts:     opts,
		bases:    make(map[string]*entry),
		sessions: make(map[string]*session),
	}
}

// Open 读取目录，并重新加载上次处于加载状态的 data-base
func (c *Context) Open(ctx context.Context) error {
	infos, err := c.opts.Repo.ListDataBases(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, info := range infos {
		e := &entry{info: info}
		c.bases[info.ID] = e
		if info.Loaded {
			if err := c.loadLocked(e); err != nil {
				glog.Errorf("reload database %s: %v", info.Name, err)
				e.info.Loaded = false
			}
		}
	}
	glog.Infof("opened %d databases", len(infos))
	return nil
}

func (c *Context) loadLocked(e *entry) error {
	dctx := domainctx.New(e.info.ID, domainctx.Options{
		Logs:      c.opts.Logs,
		Host:      &host{c: c, id: e.info.ID},
		Listeners: c.opts.Listeners,
		QueueSize: c.opts.QueueSize,
		Now:       c.opts.Now,
	})
	if err := dctx.Restore(); err != nil {
		dctx.Close()
		return err
	}
	e.domains = dctx
	return nil
}

func (c *Context) lookupLocked(id string) (*entry, error) {
	e, ok := c.bases[id]
	if !ok {
		return nil, apperr.New(apperr.KindDataBaseNotFound, "database %s not found", id)
	}
	return e, nil
}

func (c *Context) nameTakenLocked(name string) bool {
	for _, e := range c.bases {
		if strings.EqualFold(e.info.Name, name) {
			return true
		}
	}
	return false
}

func (c *Context) listLocked() []Info {
	out := make([]Info, 0, len(c.bases))
	for _, e := range c.bases {
		out = append(out, e.info.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// 私有 data-base 只有创建者和 Admin 能访问
func canAccess(a auth.Authentication, info Info) error {
	if info.Private && !a.IsAdmin() && a.UserID != info.CreatedBy {
		return apperr.New(apperr.KindNotAuthorized, "database %s is private", info.Name)
	}
	return nil
}

// 锁定的 data-base 只有锁定者能修改
func canModify(a auth.Authentication, info Info) error {
	if err := canAccess(a, info); err != nil {
		return err
	}
	if info.Lock != nil && info.Lock.UserID != a.UserID {
		return apperr.New(apperr.KindDataBaseLocked, "database %s is locked by %s: %s", info.Name, info.Lock.UserID, info.Lock.Comment)
	}
	return nil
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "/\\\t\n") {
		return apperr.New(apperr.KindInvalidArgument, "bad database name %q", name)
	}
	return nil
}

// update 在副本上修改、先持久化再替换，失败时内存状态不变
func (c *Context) updateLocked(ctx context.Context, a auth.Authentication, e *entry, fn func(*Info) error) error {
	next := e.info.clone()
	if err := fn(&next); err != nil {
		return err
	}
	next.ModifiedBy = a.UserID
	next.ModifiedAt = c.opts.Now().UTC()
	if err := c.opts.Repo.SaveDataBase(ctx, next); err != nil {
		return err
	}
	e.info = next
	return nil
}

func (c *Context) List() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listLocked()
}

func (c *Context) Get(id string) (Info, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, err := c.lookupLocked(id)
	if err != nil {
		return Info{}, err
	}
	return e.info.clone(), nil
}

// Filter 返回满足 flags 的 data-base；flags 本身不合法时报 VALIDATION_ERROR
func (c *Context) Filter(flags Flags) ([]Info, error) {
	if err := flags.Validate(); err != nil {
		return nil, err
	}
	var out []Info
	for _, info := range c.List() {
		if info.Verify(flags) {
			out = append(out, info)
		}
	}
	return out, nil
}

func (c *Context) AddNewDataBase(ctx context.Context, a auth.Authentication, name, comment string) (Info, error) {
	if err := a.Require(auth.Admin); err != nil {
		return Info{}, err
	}
	if err := validName(name); err != nil {
		return Info{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nameTakenLocked(name) {
		return Info{}, apperr.New(apperr.KindAlreadyExists, "database %s already exists", name)
	}
	now := c.opts.Now().UTC()
	info := Info{
		ID:         uuid.NewString(),
		Name:       name,
		Comment:    comment,
		CreatedBy:  a.UserID,
		CreatedAt:  now,
		ModifiedBy: a.UserID,
		ModifiedAt: now,
	}
	if err := c.opts.Repo.SaveDataBase(ctx, info); err != nil {
		return Info{}, err
	}
	c.bases[info.ID] = &entry{info: info}
	taskID := domain.TaskIDFrom(ctx)
	c.notifyLocked(a, taskID, Event{Kind: EventCreated, DataBaseID: info.ID, Info: &info})
	c.completeLocked(a, taskID)
	glog.Infof("database %s created by %s", name, a.UserID)
	return info.clone(), nil
}

// Copy 复制目录与表内容快照，不复制活动中的 Domain
func (c *Context) Copy(ctx context.Context, a auth.Authentication, id, newName, comment string) (Info, error) {
	if err := a.Require(auth.Admin); err != nil {
		return Info{}, err
	}
	if err := validName(newName); err != nil {
		return Info{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	src, err := c.lookupLocked(id)
	if err != nil {
		return Info{}, err
	}
	if c.nameTakenLocked(newName) {
		return Info{}, apperr.New(apperr.KindAlreadyExists, "database %s already exists", newName)
	}
	now := c.opts.Now().UTC()
	info := src.info.clone()
	info.ID = uuid.NewString()
	info.Name = newName
	info.Comment = comment
	info.CreatedBy, info.CreatedAt = a.UserID, now
	info.ModifiedBy, info.ModifiedAt = a.UserID, now
	info.Loaded = false
	info.Lock = nil
	if c.opts.Snapshots != nil {
		if err := c.opts.Snapshots.CopyContents(ctx, src.info.ID, info.ID); err != nil {
			return Info{}, err
		}
	}
	if err := c.opts.Repo.SaveDataBase(ctx, info); err != nil {
		return Info{}, err
	}
	c.bases[info.ID] = &entry{info: info}
	taskID := domain.TaskIDFrom(ctx)
	c.notifyLocked(a, taskID, Event{Kind: EventCreated, DataBaseID: info.ID, Info: &info})
	c.completeLocked(a, taskID)
	return info.clone(), nil
}

func (c *Context) Rename(ctx context.Context, a auth.Authentication, id, newName string) error {
	if err := a.Require(auth.Admin); err != nil {
		return err
	}
	if err := validName(newName); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := canModify(a, e.info); err != nil {
		return err
	}
	if strings.EqualFold(e.info.Name, newName) {
		return nil
	}
	if c.nameTakenLocked(newName) {
		return apperr.New(apperr.KindAlreadyExists, "database %s already exists", newName)
	}
	old := e.info.Name
	if err := c.updateLocked(ctx, a, e, func(i *Info) error { i.Name = newName; return nil }); err != nil {
		return err
	}
	taskID := domain.TaskIDFrom(ctx)
	info := e.info.clone()
	c.notifyLocked(a, taskID, Event{Kind: EventRenamed, DataBaseID: id, Info: &info, OldName: old})
	c.completeLocked(a, taskID)
	return nil
}

// Delete 要求先卸载；同时删除表内容快照和遗留的 Domain 日志
func (c *Context) Delete(ctx context.Context, a auth.Authentication, id string) error {
	if err := a.Require(auth.Admin); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := canModify(a, e.info); err != nil {
		return err
	}
	if e.domains != nil {
		return apperr.New(apperr.KindInvalidArgument, "unload database %s before deleting it", e.info.Name)
	}
	if err := c.opts.Repo.DeleteDataBase(ctx, id); err != nil {
		return err
	}
	if c.opts.Snapshots != nil {
		if err := c.opts.Snapshots.DeleteContents(ctx, id); err != nil {
			glog.Warningf("delete snapshots of database %s: %v", id, err)
		}
	}
	if c.opts.Logs != nil {
		if err := c.opts.Logs.RemoveDataBase(id); err != nil {
			glog.Warningf("delete domain logs of database %s: %v", id, err)
		}
	}
	delete(c.bases, id)
	taskID := domain.TaskIDFrom(ctx)
	info := e.info
	c.notifyLocked(a, taskID, Event{Kind: EventDeleted, DataBaseID: id, Info: &info})
	c.completeLocked(a, taskID)
	glog.Infof("database %s deleted by %s", e.info.Name, a.UserID)
	return nil
}

// Load 创建 Domain Context 并从日志恢复 Domain；已订阅的会话自动订阅新的 Domain Context
func (c *Context) Load(ctx context.Context, a auth.Authentication, id string) error {
	if err := a.Require(auth.Member); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := canAccess(a, e.info); err != nil {
		return err
	}
	if e.domains != nil {
		return nil
	}
	if err := c.updateLocked(ctx, a, e, func(i *Info) error { i.Loaded = true; return nil }); err != nil {
		return err
	}
	if err := c.loadLocked(e); err != nil {
		e.info.Loaded = false
		if saveErr := c.opts.Repo.SaveDataBase(ctx, e.info); saveErr != nil {
			glog.Warningf("revert loaded flag of %s: %v", e.info.Name, saveErr)
		}
		return err
	}

	taskID := domain.TaskIDFrom(ctx)
	info := e.info.clone()
	for _, s := range c.sessions {
		sub, metas, err := e.domains.Subscribe(ctx, s.auth, s.cb)
		if err != nil {
			glog.Warningf("subscribe session %s to database %s: %v", s.auth.SessionID, id, err)
			continue
		}
		s.subs[id] = sub
		ev := Event{Kind: EventLoaded, DataBaseID: id, Info: &info, Domains: metas, ActorID: a.UserID, TaskID: taskID, DateTime: c.opts.Now().UTC()}
		s.deliver(ev)
		if s.started {
			sub.Start()
		}
	}
	c.completeLocked(a, taskID)
	glog.Infof("database %s loaded by %s", e.info.Name, a.UserID)
	return nil
}

// Unload 在还有在线参与者时返回 DOMAIN_BUSY；Domain 日志保留，下次加载时恢复
func (c *Context) Unload(ctx context.Context, a auth.Authentication, id string) error {
	if err := a.Require(auth.Member); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := canAccess(a, e.info); err != nil {
		return err
	}
	if e.domains == nil {
		return apperr.New(apperr.KindDataBaseNotLoaded, "database %s is not loaded", e.info.Name)
	}
	for _, m := range e.domains.GetMetaData() {
		if m.OnlineCount() > 0 {
			return apperr.New(apperr.KindDomainBusy, "domain %s of database %s still has participants", m.Info.ItemPath, e.info.Name)
		}
	}
	if err := c.updateLocked(ctx, a, e, func(i *Info) error { i.Loaded = false; return nil }); err != nil {
		return err
	}
	e.domains.Close()
	e.domains = nil
	for _, s := range c.sessions {
		delete(s.subs, id)
	}
	taskID := domain.TaskIDFrom(ctx)
	info := e.info.clone()
	c.notifyLocked(a, taskID, Event{Kind: EventUnloaded, DataBaseID: id, Info: &info})
	c.completeLocked(a, taskID)
	glog.Infof("database %s unloaded by %s", e.info.Name, a.UserID)
	return nil
}

func (c *Context) Lock(ctx context.Context, a auth.Authentication, id, comment string) error {
	return c.adminChange(ctx, a, id, EventLockChanged, func(i *Info) error {
		if i.Lock != nil {
			return apperr.New(apperr.KindDataBaseLocked, "database %s is already locked by %s", i.Name, i.Lock.UserID)
		}
		i.Lock = &LockInfo{UserID: a.UserID, Comment: comment, At: c.opts.Now().UTC()}
		return nil
	})
}

func (c *Context) Unlock(ctx context.Context, a auth.Authentication, id string) error {
	return c.adminChange(ctx, a, id, EventLockChanged, func(i *Info) error {
		if i.Lock == nil {
			return apperr.New(apperr.KindInvalidArgument, "database %s is not locked", i.Name)
		}
		i.Lock = nil
		return nil
	})
}

func (c *Context) SetPublic(ctx context.Context, a auth.Authentication, id string) error {
	return c.adminChange(ctx, a, id, EventAccessChanged, func(i *Info) error {
		i.Private = false
		return nil
	})
}

func (c *Context) SetPrivate(ctx context.Context, a auth.Authentication, id string) error {
	return c.adminChange(ctx, a, id, EventAccessChanged, func(i *Info) error {
		i.Private = true
		return nil
	})
}

func (c *Context) adminChange(ctx context.Context, a auth.Authentication, id string, kind EventKind, fn func(*Info) error) error {
	if err := a.Require(auth.Admin); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := c.updateLocked(ctx, a, e, fn); err != nil {
		return err
	}
	taskID := domain.TaskIDFrom(ctx)
	info := e.info.clone()
	c.notifyLocked(a, taskID, Event{Kind: kind, DataBaseID: id, Info: &info})
	c.completeLocked(a, taskID)
	return nil
}

func (c *Context) AddTable(ctx context.Context, a auth.Authentication, id string, schema domain.TableSchema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	return c.structureChange(ctx, a, id, func(i *Info) error {
		if _, n := i.table(schema.Name); n >= 0 {
			return apperr.New(apperr.KindAlreadyExists, "table %s already exists in %s", schema.Name, i.Name)
		}
		i.Tables = append(i.Tables, schema)
		return nil
	})
}

func (c *Context) AddType(ctx context.Context, a auth.Authentication, id string, typ TypeInfo) error {
	if err := typ.Validate(); err != nil {
		return err
	}
	return c.structureChange(ctx, a, id, func(i *Info) error {
		if _, n := i.typ(typ.Name); n >= 0 {
			return apperr.New(apperr.KindAlreadyExists, "type %s already exists in %s", typ.Name, i.Name)
		}
		i.Types = append(i.Types, typ)
		return nil
	})
}

func (c *Context) structureChange(ctx context.Context, a auth.Authentication, id string, fn func(*Info) error) error {
	if err := a.Require(auth.Master); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, err := c.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := canModify(a, e.info); err != nil {
		return err
	}
	if err := c.updateLocked(ctx, a, e, func(i *Info) error {
		if err := fn(i); err != nil {
			return err
		}
		i.Revision++
		return nil
	}); err != nil {
		return err
	}
	taskID := domain.TaskIDFrom(ctx)
	info := e.info.clone()
	c.notifyLocked(a, taskID, Event{Kind: EventReset, DataBaseID: id, Info: &info})
	c.completeLocked(a, taskID)
	return nil
}

// BeginEdit 找到或创建编辑 target 的 Domain 并让调用者加入。
// 同一 target 的并发请求经 singleflight 合并，只读取一次快照
func (c *Context) BeginEdit(ctx context.Context, a auth.Authentication, id string, target Target) (domain.MetaData, error) {
	if err := a.Require(auth.Member); err != nil {
		return domain.MetaData{}, err
	}
	path, err := target.ItemPath()
	if err != nil {
		return domain.MetaData{}, err
	}
	c.mu.RLock()
	e, err := c.lookupLocked(id)
	if err != nil {
		c.mu.RUnlock()
		return domain.MetaData{}, err
	}
	info, dctx := e.info.clone(), e.domains
	c.mu.RUnlock()
	if dctx == nil {
		return domain.MetaData{}, apperr.New(apperr.KindDataBaseNotLoaded, "database %s is not loaded", info.Name)
	}
	if err := canModify(a, info); err != nil {
		return domain.MetaData{}, err
	}

	v, err, _ := c.group.Do(id+path, func() (any, error) {
		if d, ok := dctx.FindByItem(path); ok {
			return d, nil
		}
		data, err := c.buildContent(ctx, info, target)
		if err != nil {
			return nil, err
		}
		return dctx.Create(ctx, a, domainctx.CreateRequest{
			ItemPath:          path,
			ItemType:          target.Kind,
			RequiredAuthority: target.requiredAuthority(),
			Content:           data,
		})
	})
	if err != nil {
		return domain.MetaData{}, err
	}
	d := v.(*domain.Domain)
	if _, err := dctx.Enter(ctx, a, d.ID(), ""); err != nil {
		return domain.MetaData{}, err
	}
	return d.MetaData(), nil
}

// DomainContext 返回已加载 data-base 的 Domain Context
func (c *Context) DomainContext(id string) (*domainctx.Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, err := c.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if e.domains == nil {
		return nil, apperr.New(apperr.KindDataBaseNotLoaded, "database %s is not loaded", e.info.Name)
	}
	return e.domains, nil
}

// FindDomain 在所有已加载的 data-base 中按 id 定位 Domain
func (c *Context) FindDomain(domainID string) (*domainctx.Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.bases {
		if e.domains == nil {
			continue
		}
		if _, err := e.domains.Domain(domainID); err == nil {
			return e.domains, nil
		}
	}
	return nil, apperr.New(apperr.KindDomainNotFound, "domain %s not found", domainID)
}

func (c *Context) GetMetaData(id string) ([]domain.MetaData, error) {
	dctx, err := c.DomainContext(id)
	if err != nil {
		return nil, err
	}
	return dctx.GetMetaData(), nil
}

// Close 停止所有 Domain Context；加载状态保留在目录里，下次启动时恢复
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.bases {
		if e.domains != nil {
			e.domains.Close()
			e.domains = nil
		}
	}
	c.sessions = make(map[string]*session)
}

// host 把 Domain 删除时的最终内容写回所属 data-base
type host struct {
	c  *Context
	id string
}

func (h *host) CommitDomain(ctx context.Context, info domain.Info, data domain.ContentData) error {
	t := targetOf(info)
	c := h.c
	switch t.Kind {
	case domain.KindTableContent:
		c.mu.Lock()
		e, err := c.lookupLocked(h.id)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		var rev uint64
		err = c.updateLocked(ctx, auth.Authentication{UserID: info.ModifiedBy}, e, func(i *Info) error {
			i.Revision++
			rev = i.Revision
			return nil
		})
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if c.opts.Snapshots == nil {
			return nil
		}
		return c.opts.Snapshots.SaveContent(ctx, h.id, info.ItemPath, rev, data)

	case domain.KindTableTemplate, domain.KindTypeTemplate:
		c.mu.Lock()
		defer c.mu.Unlock()
		e, err := c.lookupLocked(h.id)
		if err != nil {
			return err
		}
		actor := auth.Authentication{UserID: info.ModifiedBy}
		err = c.updateLocked(ctx, actor, e, func(i *Info) error {
			if t.Kind == domain.KindTableTemplate {
				schema, err := schemaFromTemplate(t.Name, data)
				if err != nil {
					return err
				}
				_, n := i.table(t.Name)
				if n < 0 {
					return apperr.New(apperr.KindInvalidArgument, "table %s was removed", t.Name)
				}
				i.Tables[n] = schema
			} else {
				typ, err := typeFromTemplate(t.Name, data)
				if err != nil {
					return err
				}
				_, n := i.typ(t.Name)
				if n < 0 {
					return apperr.New(apperr.KindInvalidArgument, "type %s was removed", t.Name)
				}
				i.Types[n] = typ
			}
			i.Revision++
			return nil
		})
		if err != nil {
			return err
		}
		info := e.info.clone()
		c.notifyLocked(actor, domain.TaskIDFrom(ctx), Event{Kind: EventReset, DataBaseID: h.id, Info: &info})
		return nil
	}
	return apperr.New(apperr.KindInvalidArgument, "unknown item kind %q", t.Kind)
}
